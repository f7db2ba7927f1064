package persist

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/oriys/quasar/internal/domain"
	"github.com/oriys/quasar/internal/logging"
)

const indexVersion = 1

// writeIndex atomically replaces index.bin with the current in-memory
// index. Written to a temp file first so a crash mid-write never leaves
// a torn index behind.
func (e *Engine) writeIndex() error {
	e.indexMu.RLock()
	enc := encoder{}
	enc.u32(indexVersion)
	enc.u32(uint32(len(e.index)))
	for queue, byID := range e.index {
		enc.str(queue)
		enc.u32(uint32(len(byID)))
		for _, entry := range byID {
			enc.u64(uint64(entry.ID))
			enc.u64(entry.Offset)
			enc.u64(entry.Size)
			enc.u64(entry.Timestamp)
			enc.bool(entry.Tombstone)
		}
	}
	e.indexMu.RUnlock()

	tmp := e.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, enc.buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.indexPath())
}

// loadIndex reads index.bin with bounded validation. A short read stops
// the load and keeps whatever parsed cleanly; oversized counts or names
// are treated as corruption and skip the rest of the file.
func (e *Engine) loadIndex() error {
	data, err := os.ReadFile(e.indexPath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) < 8 {
		logging.Op().Warn("index file too small, skipping", "size", len(data))
		return nil
	}

	d := decoder{buf: data}
	version := d.u32()
	if version != indexVersion {
		logging.Op().Warn("unknown index version, skipping", "version", version)
		return nil
	}
	queueCount := d.u32()
	if queueCount > maxIndexQueues {
		logging.Op().Warn("index queue count exceeds bound, skipping",
			"count", queueCount, "max", maxIndexQueues)
		return nil
	}

	e.indexMu.Lock()
	defer e.indexMu.Unlock()
	for i := uint32(0); i < queueCount; i++ {
		nameLen := d.u32()
		if d.err != nil {
			break
		}
		if nameLen > maxQueueNameLength {
			logging.Op().Warn("index queue name exceeds bound, stopping",
				"queue_index", i, "name_len", nameLen)
			break
		}
		if d.off+int(nameLen) > len(data) {
			logging.Op().Warn("short read in index queue name, stopping", "queue_index", i)
			break
		}
		queue := string(data[d.off : d.off+int(nameLen)])
		d.off += int(nameLen)
		msgCount := d.u32()
		if d.err != nil {
			break
		}
		if msgCount > maxIndexMessages {
			logging.Op().Warn("index message count exceeds bound, stopping",
				"queue", queue, "count", msgCount)
			break
		}
		byID := make(map[domain.MessageID]*indexEntry, msgCount)
		short := false
		for j := uint32(0); j < msgCount; j++ {
			entry := &indexEntry{
				ID:        domain.MessageID(d.u64()),
				Offset:    d.u64(),
				Size:      d.u64(),
				Timestamp: d.u64(),
				Tombstone: d.bool(),
			}
			if d.err != nil {
				short = true
				break
			}
			byID[entry.ID] = entry
		}
		e.index[queue] = byID
		if short {
			logging.Op().Warn("short read in index, keeping partial entries", "queue", queue)
			break
		}
	}
	return nil
}

// writeQueueData rewrites queue_data.bin from the in-memory records.
func (e *Engine) writeQueueData() error {
	e.queueMu.RLock()
	enc := encoder{}
	for _, rec := range e.queues {
		enc.buf = append(enc.buf, encodeQueueRecord(rec)...)
	}
	e.queueMu.RUnlock()

	tmp := e.queuePath() + ".tmp"
	if err := os.WriteFile(tmp, enc.buf, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, e.queuePath())
}

// loadQueueData reads the repeated queue records until the buffer ends.
func (e *Engine) loadQueueData() error {
	data, err := os.ReadFile(e.queuePath())
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	d := decoder{buf: data}
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	for d.off < len(data) {
		rec, err := decodeQueueRecord(&d)
		if err != nil {
			logging.Op().Warn("corrupt queue record, stopping metadata load",
				"offset", d.off, "error", err)
			break
		}
		e.queues[rec.Config.Name] = rec
	}
	return nil
}

// scannedRecord is one log record located by scanLogLocked.
type scannedRecord struct {
	queue string
	entry indexEntry
}

// scanLogLocked walks log records in [start, end) and returns their
// index entries in log order. Records that fail to decode or carry no
// queue attribution are skipped with a warning; a torn record at the
// tail ends the scan cleanly. Caller holds fileMu.
func (e *Engine) scanLogLocked(start, end int64) ([]scannedRecord, error) {
	var records []scannedRecord
	offset := start
	var frame [4]byte

	for offset+4 <= end {
		if _, err := e.messageFile.ReadAt(frame[:], offset); err != nil {
			if err == io.EOF {
				break
			}
			return nil, fmt.Errorf("%w: log scan at %d: %v", domain.ErrPersistenceFailed, offset, err)
		}
		size := binary.LittleEndian.Uint32(frame[:])
		if offset+4+int64(size) > end {
			logging.Op().Warn("torn record at log tail, truncating scan", "offset", offset)
			break
		}
		buf := make([]byte, size)
		if _, err := e.messageFile.ReadAt(buf, offset+4); err != nil {
			return nil, fmt.Errorf("%w: log read at %d: %v", domain.ErrPersistenceFailed, offset, err)
		}
		m, err := decodeMessage(buf)
		if err != nil {
			logging.Op().Warn("undecodable record during log scan, skipping",
				"offset", offset, "error", err)
			offset += 4 + int64(size)
			continue
		}
		queue, ok := m.Property(domain.PropQueue)
		if !ok || queue == "" {
			logging.Op().Warn("record without queue attribution, skipping", "offset", offset)
			offset += 4 + int64(size)
			continue
		}
		records = append(records, scannedRecord{
			queue: queue,
			entry: indexEntry{
				ID:        m.Header.ID,
				Offset:    uint64(offset),
				Size:      uint64(4 + size),
				Timestamp: uint64(m.Header.Timestamp),
			},
		})
		offset += 4 + int64(size)
	}
	return records, nil
}

// RebuildIndex scans messages.bin front to back and reconstructs the
// index from the records themselves. Used when index.bin is corrupt.
// The scan is bounded by the file size.
func (e *Engine) RebuildIndex() error {
	if !e.initialized.Load() {
		return domain.ErrInvalidState
	}

	e.fileMu.Lock()
	records, err := e.scanLogLocked(0, e.writeOffset)
	e.fileMu.Unlock()
	if err != nil {
		return err
	}

	rebuilt := make(map[string]map[domain.MessageID]*indexEntry)
	for i := range records {
		rec := &records[i]
		byID := rebuilt[rec.queue]
		if byID == nil {
			byID = make(map[domain.MessageID]*indexEntry)
			rebuilt[rec.queue] = byID
		}
		entry := rec.entry
		byID[entry.ID] = &entry
	}

	e.indexMu.Lock()
	e.index = rebuilt
	e.indexMu.Unlock()
	logging.Op().Info("index rebuilt from message log", "queues", len(rebuilt))
	return nil
}

// indexHighWater returns the end offset of the furthest record the
// index knows about, tombstoned entries included.
func (e *Engine) indexHighWater() int64 {
	e.indexMu.RLock()
	defer e.indexMu.RUnlock()
	var hw int64
	for _, byID := range e.index {
		for _, entry := range byID {
			if end := int64(entry.Offset + entry.Size); end > hw {
				hw = end
			}
		}
	}
	return hw
}

// reconcileIndexWithLog runs during Initialize, after the index file is
// loaded. The index file is only written at shutdown and compaction, so
// an abrupt kill leaves durably appended records that the loaded index
// has never seen. Records past the index high-water mark are scanned
// out of the log and upserted, which makes a send that returned success
// survive a crash without any host intervention. An index pointing past
// the log end is corrupt and is rebuilt from scratch, dropping its
// tombstones; redelivering an acked message is the at-least-once side
// of that trade.
func (e *Engine) reconcileIndexWithLog() {
	hw := e.indexHighWater()
	e.fileMu.Lock()
	end := e.writeOffset
	if hw > end {
		logging.Op().Warn("index points past log end, rebuilding whole index",
			"high_water", hw, "log_end", end)
		hw = 0
	}
	if hw == end {
		e.fileMu.Unlock()
		return
	}
	records, err := e.scanLogLocked(hw, end)
	e.fileMu.Unlock()
	if err != nil {
		logging.Op().Error("log tail scan failed, index left as loaded", "from", hw, "error", err)
		return
	}

	e.indexMu.Lock()
	if hw == 0 {
		e.index = make(map[string]map[domain.MessageID]*indexEntry)
	}
	for i := range records {
		rec := &records[i]
		byID := e.index[rec.queue]
		if byID == nil {
			byID = make(map[domain.MessageID]*indexEntry)
			e.index[rec.queue] = byID
		}
		// Later records win: a re-append under the same id supersedes
		// the earlier record, matching SaveMessage's index behaviour.
		entry := rec.entry
		byID[entry.ID] = &entry
	}
	e.indexMu.Unlock()

	logging.Op().Info("index reconciled with log tail",
		"from_offset", hw, "log_end", end, "records", len(records))
}
