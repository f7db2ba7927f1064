package persist

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

// CompactFiles writes a fresh message log containing only live records,
// swaps it in atomically, and rebuilds the index to match. Tombstoned
// bytes are the only thing reclaimed; ordering of surviving records is
// preserved.
func (e *Engine) CompactFiles() error {
	if !e.initialized.Load() {
		return domain.ErrInvalidState
	}

	// Snapshot live entries under the read lock, then order them by log
	// offset.
	type liveEntry struct {
		queue  string
		id     domain.MessageID
		offset uint64
		size   uint64
		ts     uint64
	}
	e.indexMu.RLock()
	var live []liveEntry
	for queue, byID := range e.index {
		for _, entry := range byID {
			if !entry.Tombstone {
				live = append(live, liveEntry{queue, entry.ID, entry.Offset, entry.Size, entry.Timestamp})
			}
		}
	}
	e.indexMu.RUnlock()
	sort.Slice(live, func(i, j int) bool { return live[i].offset < live[j].offset })

	compactPath := e.messagePath() + ".compact"
	out, err := os.OpenFile(compactPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("%w: open compact file: %v", domain.ErrPersistenceFailed, err)
	}

	e.fileMu.Lock()
	defer e.fileMu.Unlock()

	rewritten := make(map[string]map[domain.MessageID]*indexEntry)
	var outOffset int64
	for _, le := range live {
		buf := make([]byte, le.size)
		if _, err := e.messageFile.ReadAt(buf, int64(le.offset)); err != nil {
			out.Close()
			os.Remove(compactPath)
			return fmt.Errorf("%w: compact read at %d: %v", domain.ErrPersistenceFailed, le.offset, err)
		}
		if _, err := out.Write(buf); err != nil {
			out.Close()
			os.Remove(compactPath)
			return fmt.Errorf("%w: compact write: %v", domain.ErrPersistenceFailed, err)
		}
		byID := rewritten[le.queue]
		if byID == nil {
			byID = make(map[domain.MessageID]*indexEntry)
			rewritten[le.queue] = byID
		}
		byID[le.id] = &indexEntry{ID: le.id, Offset: uint64(outOffset), Size: le.size, Timestamp: le.ts}
		outOffset += int64(le.size)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		os.Remove(compactPath)
		return fmt.Errorf("%w: compact sync: %v", domain.ErrPersistenceFailed, err)
	}
	out.Close()

	e.messageFile.Close()
	if err := os.Rename(compactPath, e.messagePath()); err != nil {
		// Reopen the old log; the engine stays usable.
		e.messageFile, _ = os.OpenFile(e.messagePath(), os.O_CREATE|os.O_RDWR, 0o644)
		return fmt.Errorf("%w: compact swap: %v", domain.ErrPersistenceFailed, err)
	}
	f, err := os.OpenFile(e.messagePath(), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return fmt.Errorf("%w: reopen after compact: %v", domain.ErrPersistenceFailed, err)
	}
	e.messageFile = f
	reclaimed := e.writeOffset - outOffset
	e.writeOffset = outOffset

	e.indexMu.Lock()
	e.index = rewritten
	e.indexMu.Unlock()

	if err := e.writeIndex(); err != nil {
		logging.Op().Error("index write after compact failed", "error", err)
	}
	logging.Op().Info("message log compacted",
		"live_records", len(live), "bytes_reclaimed", reclaimed)
	return nil
}

// BackupData copies the three data files into the given directory. The
// index and metadata are flushed first so the copy is self-consistent.
func (e *Engine) BackupData(backupDir string) error {
	if !e.initialized.Load() {
		return domain.ErrInvalidState
	}
	if backupDir == "" {
		return fmt.Errorf("%w: empty backup path", domain.ErrInvalidParameter)
	}
	if err := os.MkdirAll(backupDir, 0o755); err != nil {
		return fmt.Errorf("%w: create backup dir: %v", domain.ErrPersistenceFailed, err)
	}
	if err := e.writeIndex(); err != nil {
		return fmt.Errorf("%w: flush index: %v", domain.ErrPersistenceFailed, err)
	}
	if err := e.writeQueueData(); err != nil {
		return fmt.Errorf("%w: flush metadata: %v", domain.ErrPersistenceFailed, err)
	}

	e.fileMu.Lock()
	defer e.fileMu.Unlock()
	for _, name := range []string{QueueDataFileName, MessageDataFileName, IndexFileName} {
		if err := copyFile(filepath.Join(e.cfg.DataDir, name), filepath.Join(backupDir, name)); err != nil {
			return fmt.Errorf("%w: backup %s: %v", domain.ErrPersistenceFailed, name, err)
		}
	}
	logging.Op().Info("data directory backed up", "path", backupDir)
	return nil
}

// RestoreData replaces the data files with a backup. Only valid on a
// shut-down engine; restoring under live traffic would race the log.
func (e *Engine) RestoreData(backupDir string) error {
	if e.initialized.Load() {
		return fmt.Errorf("%w: restore requires a shut-down engine", domain.ErrInvalidState)
	}
	if err := os.MkdirAll(e.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %v", domain.ErrPersistenceFailed, err)
	}
	for _, name := range []string{QueueDataFileName, MessageDataFileName, IndexFileName} {
		if err := copyFile(filepath.Join(backupDir, name), filepath.Join(e.cfg.DataDir, name)); err != nil {
			return fmt.Errorf("%w: restore %s: %v", domain.ErrPersistenceFailed, name, err)
		}
	}
	logging.Op().Info("data directory restored", "path", backupDir)
	return nil
}

// GetDiagnostics returns a human-readable description of the on-disk
// state for support tooling.
func (e *Engine) GetDiagnostics() []string {
	diags := []string{
		fmt.Sprintf("data_dir=%s", e.cfg.DataDir),
		fmt.Sprintf("initialized=%v", e.initialized.Load()),
		fmt.Sprintf("breaker=%s", e.breaker.State()),
	}
	e.fileMu.Lock()
	diags = append(diags, fmt.Sprintf("log_bytes=%d", e.writeOffset))
	e.fileMu.Unlock()

	e.indexMu.RLock()
	totalLive, totalDead := 0, 0
	for _, byID := range e.index {
		for _, entry := range byID {
			if entry.Tombstone {
				totalDead++
			} else {
				totalLive++
			}
		}
	}
	queues := len(e.index)
	e.indexMu.RUnlock()

	diags = append(diags,
		fmt.Sprintf("indexed_queues=%d", queues),
		fmt.Sprintf("live_messages=%d", totalLive),
		fmt.Sprintf("tombstoned_messages=%d", totalDead),
	)
	return diags
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if os.IsNotExist(err) {
		return nil // absent files are legal, e.g. never-flushed index
	}
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
