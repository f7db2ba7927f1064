package persist

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/oriys/quasar/internal/domain"
)

func newTestEngine(t *testing.T, dir string) *Engine {
	t.Helper()
	e := NewEngine(Config{DataDir: dir, SyncWrites: true})
	if err := e.Initialize(); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(e.Shutdown)
	return e
}

func testMessage(id domain.MessageID, payload string) *domain.Message {
	m := domain.NewMessage(domain.MessageTypeText, []byte(payload))
	m.Header.ID = id
	m.Header.MaxRetries = 3
	m.SetProperty("tenant", "t1")
	return m
}

func TestSaveLoadRoundTrip(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	msg := testMessage(1, "hello")
	if err := e.SaveMessage("q", msg); err != nil {
		t.Fatalf("SaveMessage failed: %v", err)
	}

	got, err := e.LoadMessage("q", 1)
	if err != nil {
		t.Fatalf("LoadMessage failed: %v", err)
	}
	if got.Header.ID != 1 || string(got.Payload) != "hello" {
		t.Fatalf("round trip mismatch: id=%d payload=%q", got.Header.ID, got.Payload)
	}
	if v, _ := got.Property("tenant"); v != "t1" {
		t.Fatalf("property lost in round trip: %q", v)
	}
	if got.Header.MaxRetries != 3 {
		t.Fatalf("header field lost: max_retries=%d", got.Header.MaxRetries)
	}
}

func TestSerializeEmptyPayload(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	if err := e.SaveMessage("q", testMessage(7, "")); err != nil {
		t.Fatalf("zero-length payload rejected: %v", err)
	}
	got, err := e.LoadMessage("q", 7)
	if err != nil {
		t.Fatalf("LoadMessage failed: %v", err)
	}
	if len(got.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(got.Payload))
	}
}

func TestDeleteMessageTombstones(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	_ = e.SaveMessage("q", testMessage(1, "x"))
	if err := e.DeleteMessage("q", 1); err != nil {
		t.Fatalf("DeleteMessage failed: %v", err)
	}
	if _, err := e.LoadMessage("q", 1); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound after delete, got %v", err)
	}
	// Double delete reports not found.
	if err := e.DeleteMessage("q", 1); !errors.Is(err, domain.ErrMessageNotFound) {
		t.Fatalf("expected ErrMessageNotFound on double delete, got %v", err)
	}
}

func TestLoadAllMessagesIDOrder(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	for _, id := range []domain.MessageID{3, 1, 2} {
		_ = e.SaveMessage("q", testMessage(id, "p"))
	}
	_ = e.DeleteMessage("q", 2)

	msgs, err := e.LoadAllMessages("q")
	if err != nil {
		t.Fatalf("LoadAllMessages failed: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Header.ID != 1 || msgs[1].Header.ID != 3 {
		ids := make([]domain.MessageID, len(msgs))
		for i, m := range msgs {
			ids[i] = m.Header.ID
		}
		t.Fatalf("expected live ids [1 3], got %v", ids)
	}
}

func TestRecoveryAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	cfg := domain.QueueConfig{Name: "q3", Persistence: domain.DiskPersistent}
	cfg.Normalize()
	if err := e.SaveQueue(cfg, domain.QueueStats{}); err != nil {
		t.Fatalf("SaveQueue failed: %v", err)
	}
	for i := 0; i < 10; i++ {
		_ = e.SaveMessage("q3", testMessage(domain.MessageID(i+1), "m"))
	}
	e.Shutdown()

	e2 := newTestEngine(t, dir)
	if queues := e2.ListPersistedQueues(); len(queues) != 1 || queues[0] != "q3" {
		t.Fatalf("expected persisted queue [q3], got %v", queues)
	}
	gotCfg, _, err := e2.LoadQueue("q3")
	if err != nil {
		t.Fatalf("LoadQueue failed: %v", err)
	}
	if gotCfg.Persistence != domain.DiskPersistent {
		t.Fatalf("queue config lost: %+v", gotCfg)
	}
	msgs, err := e2.LoadAllMessages("q3")
	if err != nil {
		t.Fatalf("LoadAllMessages after restart failed: %v", err)
	}
	if len(msgs) != 10 {
		t.Fatalf("expected 10 recovered messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Header.ID != domain.MessageID(i+1) {
			t.Fatalf("recovery order broken at %d: id=%d", i, m.Header.ID)
		}
	}
}

func TestAbruptCrashRecoversWithoutIndexFile(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)
	for i := 0; i < 5; i++ {
		_ = e.SaveMessage("qc", testMessage(domain.MessageID(i+1), "m"))
	}
	// Simulate a crash: no Shutdown, so index.bin was never written.
	e.fileMu.Lock()
	e.messageFile.Sync()
	e.fileMu.Unlock()
	e.initialized.Store(false)

	// Initialize alone must reconcile the index from the log.
	e2 := newTestEngine(t, dir)
	msgs, err := e2.LoadAllMessages("qc")
	if err != nil {
		t.Fatalf("LoadAllMessages after crash failed: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 recovered messages, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Header.ID != domain.MessageID(i+1) {
			t.Fatalf("recovery order broken at %d: id=%d", i, m.Header.ID)
		}
	}
}

func TestStaleIndexCheckpointReconciled(t *testing.T) {
	dir := t.TempDir()

	// First run writes a checkpoint at shutdown, with one tombstone.
	e := newTestEngine(t, dir)
	for i := 0; i < 3; i++ {
		_ = e.SaveMessage("qs", testMessage(domain.MessageID(i+1), "old"))
	}
	_ = e.DeleteMessage("qs", 2)
	e.Shutdown()

	// Second run appends past the checkpoint, then dies abruptly.
	e2 := newTestEngine(t, dir)
	_ = e2.SaveMessage("qs", testMessage(4, "new"))
	_ = e2.SaveMessage("qs", testMessage(5, "new"))
	e2.fileMu.Lock()
	e2.messageFile.Sync()
	e2.fileMu.Unlock()
	e2.initialized.Store(false)

	// Third run sees the checkpointed entries, keeps the tombstone, and
	// recovers the unindexed tail.
	e3 := newTestEngine(t, dir)
	msgs, err := e3.LoadAllMessages("qs")
	if err != nil {
		t.Fatalf("LoadAllMessages failed: %v", err)
	}
	wantIDs := []domain.MessageID{1, 3, 4, 5}
	if len(msgs) != len(wantIDs) {
		ids := make([]domain.MessageID, len(msgs))
		for i, m := range msgs {
			ids[i] = m.Header.ID
		}
		t.Fatalf("expected live ids %v, got %v", wantIDs, ids)
	}
	for i, m := range msgs {
		if m.Header.ID != wantIDs[i] {
			t.Fatalf("wrong id at %d: got %d want %d", i, m.Header.ID, wantIDs[i])
		}
	}
}

func TestRebuildIndexFromLog(t *testing.T) {
	e := newTestEngine(t, t.TempDir())
	for i := 0; i < 4; i++ {
		_ = e.SaveMessage("qr", testMessage(domain.MessageID(i+1), "r"))
	}

	if err := e.RebuildIndex(); err != nil {
		t.Fatalf("RebuildIndex failed: %v", err)
	}
	if n := e.PersistedMessageCount("qr"); n != 4 {
		t.Fatalf("expected 4 indexed messages after rebuild, got %d", n)
	}
}

func TestCompactReclaimsTombstones(t *testing.T) {
	dir := t.TempDir()
	e := newTestEngine(t, dir)

	for i := 0; i < 10; i++ {
		_ = e.SaveMessage("q", testMessage(domain.MessageID(i+1), "payload"))
	}
	for i := 0; i < 5; i++ {
		_ = e.DeleteMessage("q", domain.MessageID(i+1))
	}
	before := e.TotalPersistedSize()

	if err := e.CompactFiles(); err != nil {
		t.Fatalf("CompactFiles failed: %v", err)
	}
	after := e.TotalPersistedSize()
	if after >= before {
		t.Fatalf("compaction reclaimed nothing: before=%d after=%d", before, after)
	}

	// Survivors are still readable at their new offsets.
	msgs, err := e.LoadAllMessages("q")
	if err != nil {
		t.Fatalf("LoadAllMessages after compact failed: %v", err)
	}
	if len(msgs) != 5 {
		t.Fatalf("expected 5 survivors, got %d", len(msgs))
	}
	for i, m := range msgs {
		if m.Header.ID != domain.MessageID(i+6) {
			t.Fatalf("wrong survivor at %d: id=%d", i, m.Header.ID)
		}
	}
}

func TestBackupRestore(t *testing.T) {
	dir := t.TempDir()
	backup := filepath.Join(t.TempDir(), "backup")

	e := newTestEngine(t, dir)
	_ = e.SaveMessage("q", testMessage(1, "precious"))
	if err := e.BackupData(backup); err != nil {
		t.Fatalf("BackupData failed: %v", err)
	}
	e.Shutdown()

	restored := filepath.Join(t.TempDir(), "restored")
	r := NewEngine(Config{DataDir: restored})
	if err := r.RestoreData(backup); err != nil {
		t.Fatalf("RestoreData failed: %v", err)
	}
	if err := r.Initialize(); err != nil {
		t.Fatalf("Initialize after restore failed: %v", err)
	}
	defer r.Shutdown()

	got, err := r.LoadMessage("q", 1)
	if err != nil {
		t.Fatalf("LoadMessage after restore failed: %v", err)
	}
	if string(got.Payload) != "precious" {
		t.Fatalf("restored payload mismatch: %q", got.Payload)
	}
}

func TestCorruptIndexIsSkipped(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, IndexFileName), []byte("garbage-that-is-not-an-index"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Initialize must succeed and start with an empty (or partial) index.
	e := newTestEngine(t, dir)
	if !e.IsInitialized() {
		t.Fatal("engine should initialize despite corrupt index")
	}
}

func TestBatchSave(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	batch := []*domain.Message{testMessage(1, "a"), testMessage(2, "b"), testMessage(3, "c")}
	if err := e.SaveBatchMessages("q", batch); err != nil {
		t.Fatalf("SaveBatchMessages failed: %v", err)
	}
	if n := e.PersistedMessageCount("q"); n != 3 {
		t.Fatalf("expected 3 indexed messages, got %d", n)
	}
}

func TestPersistenceStats(t *testing.T) {
	e := newTestEngine(t, t.TempDir())

	_ = e.SaveMessage("q", testMessage(1, "x"))
	_, _ = e.LoadMessage("q", 1)

	s := e.GetPersistenceStats()
	if s.TotalWriteCount != 1 || s.TotalReadCount != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}

	e.ResetPersistenceStats()
	s = e.GetPersistenceStats()
	if s.TotalWriteCount != 0 || s.TotalReadCount != 0 {
		t.Fatalf("reset did not zero counters: %+v", s)
	}
}
