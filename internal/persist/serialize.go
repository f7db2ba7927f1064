package persist

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/oriys/quasar/internal/domain"
)

// Message records are framed as {u32 payloadLen, payload} where payload
// is the serialized message: header fields in declared order as
// fixed-width little-endian integers, then properties, status, payload.

type encoder struct {
	buf []byte
}

func (e *encoder) u8(v uint8)    { e.buf = append(e.buf, v) }
func (e *encoder) u32(v uint32)  { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }
func (e *encoder) u64(v uint64)  { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }
func (e *encoder) i64(v int64)   { e.u64(uint64(v)) }
func (e *encoder) f64(v float64) { e.u64(math.Float64bits(v)) }
func (e *encoder) str(s string) {
	e.u32(uint32(len(s)))
	e.buf = append(e.buf, s...)
}
func (e *encoder) bytes(b []byte) {
	e.u32(uint32(len(b)))
	e.buf = append(e.buf, b...)
}
func (e *encoder) bool(v bool) {
	if v {
		e.u8(1)
	} else {
		e.u8(0)
	}
}

type decoder struct {
	buf []byte
	off int
	err error
}

func (d *decoder) fail() {
	if d.err == nil {
		d.err = fmt.Errorf("short read at offset %d of %d", d.off, len(d.buf))
	}
}

func (d *decoder) u8() uint8 {
	if d.err != nil || d.off+1 > len(d.buf) {
		d.fail()
		return 0
	}
	v := d.buf[d.off]
	d.off++
	return v
}

func (d *decoder) u32() uint32 {
	if d.err != nil || d.off+4 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.buf[d.off:])
	d.off += 4
	return v
}

func (d *decoder) u64() uint64 {
	if d.err != nil || d.off+8 > len(d.buf) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(d.buf[d.off:])
	d.off += 8
	return v
}

func (d *decoder) i64() int64   { return int64(d.u64()) }
func (d *decoder) f64() float64 { return math.Float64frombits(d.u64()) }

func (d *decoder) str() string {
	n := int(d.u32())
	if d.err != nil || n < 0 || d.off+n > len(d.buf) {
		d.fail()
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}

func (d *decoder) rawBytes() []byte {
	n := int(d.u32())
	if d.err != nil || n < 0 || d.off+n > len(d.buf) {
		d.fail()
		return nil
	}
	b := make([]byte, n)
	copy(b, d.buf[d.off:d.off+n])
	d.off += n
	return b
}

func (d *decoder) bool() bool { return d.u8() != 0 }

// encodeMessage serializes a message without the outer length frame.
func encodeMessage(m *domain.Message) []byte {
	e := encoder{buf: make([]byte, 0, 64+len(m.Payload))}
	e.u64(uint64(m.Header.ID))
	e.u32(uint32(m.Header.Type))
	e.u32(uint32(m.Header.Priority))
	e.u32(uint32(m.Header.Delivery))
	e.i64(m.Header.Timestamp)
	e.i64(m.Header.ExpireTime)
	e.u32(m.Header.RetryCount)
	e.u32(m.Header.MaxRetries)

	// Properties in sorted key order so identical messages serialize
	// identically.
	keys := make([]string, 0, len(m.Header.Properties))
	for k := range m.Header.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.u32(uint32(len(keys)))
	for _, k := range keys {
		e.str(k)
		e.str(m.Header.Properties[k])
	}

	e.u32(uint32(m.Status))
	e.bytes(m.Payload)
	return e.buf
}

// decodeMessage reverses encodeMessage.
func decodeMessage(data []byte) (*domain.Message, error) {
	d := decoder{buf: data}
	m := &domain.Message{}
	m.Header.ID = domain.MessageID(d.u64())
	m.Header.Type = domain.MessageType(d.u32())
	m.Header.Priority = domain.Priority(d.u32())
	m.Header.Delivery = domain.DeliveryMode(d.u32())
	m.Header.Timestamp = d.i64()
	m.Header.ExpireTime = d.i64()
	m.Header.RetryCount = d.u32()
	m.Header.MaxRetries = d.u32()

	propCount := d.u32()
	if propCount > 0 {
		if propCount > uint32(len(data)) {
			return nil, fmt.Errorf("property count %d exceeds record size", propCount)
		}
		m.Header.Properties = make(map[string]string, propCount)
		for i := uint32(0); i < propCount && d.err == nil; i++ {
			k := d.str()
			v := d.str()
			if d.err == nil {
				m.Header.Properties[k] = v
			}
		}
	}

	m.Status = domain.MessageStatus(d.u32())
	m.Payload = d.rawBytes()
	if d.err != nil {
		return nil, d.err
	}
	return m, nil
}

// writeRecord frames data with a u32 length prefix and writes it at the
// given offset. Returns the total bytes written including the frame.
func writeRecord(f *os.File, offset int64, data []byte) (int, error) {
	var frame [4]byte
	binary.LittleEndian.PutUint32(frame[:], uint32(len(data)))
	if _, err := f.WriteAt(frame[:], offset); err != nil {
		return 0, err
	}
	if _, err := f.WriteAt(data, offset+4); err != nil {
		return 0, err
	}
	return 4 + len(data), nil
}

// decodeRecord strips the length frame and decodes the message.
func decodeRecord(buf []byte) (*domain.Message, error) {
	if len(buf) < 4 {
		return nil, fmt.Errorf("record shorter than frame: %d bytes", len(buf))
	}
	n := binary.LittleEndian.Uint32(buf)
	if int(n) > len(buf)-4 {
		return nil, fmt.Errorf("frame length %d exceeds record %d", n, len(buf)-4)
	}
	return decodeMessage(buf[4 : 4+n])
}

// encodeQueueRecord serializes one queue metadata record: name,
// configuration, statistics, dirty flag.
func encodeQueueRecord(rec *queueRecord) []byte {
	e := encoder{}
	e.str(rec.Config.Name)

	e.u32(uint32(rec.Config.Type))
	e.u32(uint32(rec.Config.Persistence))
	e.u32(rec.Config.MaxSize)
	e.u64(rec.Config.MaxSizeBytes)
	e.i64(rec.Config.MessageTTLMs)
	e.i64(rec.Config.VisibilityTimeoutMs)
	e.bool(rec.Config.DeadLetterEnabled)
	e.str(rec.Config.DeadLetterQueue)
	e.i64(rec.Config.DeadLetterTTLMs)
	e.u32(rec.Config.MaxRetries)
	e.i64(rec.Config.RetryDelayMs)
	e.bool(rec.Config.EnableBackoff)
	e.f64(rec.Config.BackoffMultiplier)
	e.i64(rec.Config.MaxRetryDelayMs)
	e.bool(rec.Config.EnableBatching)
	e.u32(rec.Config.BatchSize)

	e.u64(rec.Stats.TotalEnqueued)
	e.u64(rec.Stats.TotalDequeued)
	e.u64(rec.Stats.TotalAcked)
	e.u64(rec.Stats.TotalNacked)
	e.u64(rec.Stats.TotalExpired)
	e.u64(rec.Stats.TotalDeadLettered)
	e.u64(rec.Stats.TotalDropped)
	e.u64(rec.Stats.PendingCount)
	e.u64(rec.Stats.PendingBytes)
	e.u64(rec.Stats.InflightCount)
	e.i64(rec.Stats.CreatedAt)
	e.i64(rec.Stats.UpdatedAt)

	e.bool(rec.Dirty)
	return e.buf
}

// decodeQueueRecord reads one record from d; callers loop until the
// buffer is exhausted.
func decodeQueueRecord(d *decoder) (*queueRecord, error) {
	rec := &queueRecord{}
	rec.Config.Name = d.str()

	rec.Config.Type = domain.QueueType(d.u32())
	rec.Config.Persistence = domain.PersistenceMode(d.u32())
	rec.Config.MaxSize = d.u32()
	rec.Config.MaxSizeBytes = d.u64()
	rec.Config.MessageTTLMs = d.i64()
	rec.Config.VisibilityTimeoutMs = d.i64()
	rec.Config.DeadLetterEnabled = d.bool()
	rec.Config.DeadLetterQueue = d.str()
	rec.Config.DeadLetterTTLMs = d.i64()
	rec.Config.MaxRetries = d.u32()
	rec.Config.RetryDelayMs = d.i64()
	rec.Config.EnableBackoff = d.bool()
	rec.Config.BackoffMultiplier = d.f64()
	rec.Config.MaxRetryDelayMs = d.i64()
	rec.Config.EnableBatching = d.bool()
	rec.Config.BatchSize = d.u32()

	rec.Stats.TotalEnqueued = d.u64()
	rec.Stats.TotalDequeued = d.u64()
	rec.Stats.TotalAcked = d.u64()
	rec.Stats.TotalNacked = d.u64()
	rec.Stats.TotalExpired = d.u64()
	rec.Stats.TotalDeadLettered = d.u64()
	rec.Stats.TotalDropped = d.u64()
	rec.Stats.PendingCount = d.u64()
	rec.Stats.PendingBytes = d.u64()
	rec.Stats.InflightCount = d.u64()
	rec.Stats.CreatedAt = d.i64()
	rec.Stats.UpdatedAt = d.i64()

	rec.Dirty = d.bool()
	if d.err != nil {
		return nil, d.err
	}
	return rec, nil
}
