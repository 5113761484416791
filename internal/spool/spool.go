// Package spool implements the agent's durable local buffer (C1): the
// single synchronization point between the Receiver (producer) and the
// Shipper (consumer), plus the per-sensor SensorStorage blobs (C2) that
// share the same on-disk file.
//
// spec.md describes the Spool as "a local, durable, single-file
// relational store" with sensordata(stamp, config_id, stream, result)
// indexed on config_id, and sensorstorage(key UNIQUE, value). This is
// implemented on go.etcd.io/bbolt — the storage engine this codebase
// already uses throughout internal/store/bolt.go — rather than a SQL
// engine; see DESIGN.md for why bbolt was kept over introducing a sqlite
// driver. The sensordata table's composite-key ordering and a secondary
// index bucket reproduce the needed "ORDER BY stamp DESC" scan and
// "(config_id, stamp) IN (...)" delete operations.
package spool

import (
	"encoding/binary"
	"fmt"
	"sync/atomic"
	"time"

	"go.etcd.io/bbolt"
)

var (
	bucketData    = []byte("sensordata")
	bucketIndex   = []byte("sensordata_by_pair")
	bucketStorage = []byte("sensorstorage")
)

// Record is one buffered telemetry row, as read back out of the spool.
type Record struct {
	Stamp    int64 // epoch millis
	ConfigID string
	Stream   string
	Result   []byte // framed payload, see internal/telemetry
}

// Pair identifies a shipped row for acknowledgement/deletion purposes
// (§4.1, §4.7, I5).
type Pair struct {
	ConfigID string
	Stamp    int64
}

// Spool is a handle to the on-disk durable store. Safe for concurrent use
// by multiple goroutines; bbolt serializes writers internally.
type Spool struct {
	db  *bbolt.DB
	seq uint64 // disambiguates same-millisecond inserts; monotonic per-process
}

// Open creates or opens the spool file at path, creating buckets
// idempotently, matching internal/store/bolt.go's Open shape including its
// lock-contention timeout.
func Open(path string) (*Spool, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 60 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open spool %s: %w", path, err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range [][]byte{bucketData, bucketIndex, bucketStorage} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Spool{db: db}, nil
}

// Close flushes and closes the underlying database file.
func (s *Spool) Close() error {
	return s.db.Close()
}

// primaryKey orders entries by stamp ascending (for forward scans) with a
// per-process sequence number to disambiguate rows sharing a millisecond.
func primaryKey(stamp int64, seq uint64) []byte {
	k := make([]byte, 16)
	binary.BigEndian.PutUint64(k[0:8], uint64(stamp))
	binary.BigEndian.PutUint64(k[8:16], seq)
	return k
}

// indexKey groups entries by config_id then stamp then seq, so that
// DeleteMany can prefix-scan for an exact (config_id, stamp) pair without
// touching unrelated rows.
func indexKey(configID string, stamp int64, seq uint64) []byte {
	k := make([]byte, len(configID)+1+8+8)
	n := copy(k, configID)
	k[n] = 0x1f // unit separator, never legal in a config_id
	n++
	binary.BigEndian.PutUint64(k[n:n+8], uint64(stamp))
	binary.BigEndian.PutUint64(k[n+8:n+16], seq)
	return k
}

func indexPrefix(configID string, stamp int64) []byte {
	k := make([]byte, len(configID)+1+8)
	n := copy(k, configID)
	k[n] = 0x1f
	n++
	binary.BigEndian.PutUint64(k[n:n+8], uint64(stamp))
	return k
}

// Insert persists one buffered record. Failure here means the DataPoint is
// lost (spec.md §4.1: "bounded loss on local disk failure") — callers log
// and move on rather than retrying indefinitely.
func (s *Spool) Insert(r Record) error {
	seq := atomic.AddUint64(&s.seq, 1)
	pk := primaryKey(r.Stamp, seq)
	ik := indexKey(r.ConfigID, r.Stamp, seq)

	return s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketData)
		value := encodeRecord(r)
		if err := data.Put(pk, value); err != nil {
			return err
		}
		idx := tx.Bucket(bucketIndex)
		return idx.Put(ik, pk)
	})
}

// ReadBatch returns up to limit rows. newestFirst selects the ORDER BY
// stamp DESC scan the Shipper uses (§4.7); false scans oldest-first. The
// Shipper always passes true; no configuration setting selects the order.
func (s *Spool) ReadBatch(limit int, newestFirst bool) ([]Record, error) {
	var out []Record
	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket(bucketData).Cursor()
		var k, v []byte
		if newestFirst {
			k, v = c.Last()
		} else {
			k, v = c.First()
		}
		for ; k != nil && len(out) < limit; {
			r, err := decodeRecord(k, v)
			if err != nil {
				return err
			}
			out = append(out, r)
			if newestFirst {
				k, v = c.Prev()
			} else {
				k, v = c.Next()
			}
		}
		return nil
	})
	return out, err
}

// DeleteMany removes exactly the rows matching the given (config_id,
// stamp) pairs — never a cross-product of independent config_id and
// stamp sets (§9 Design Notes, the corrected form).
func (s *Spool) DeleteMany(pairs []Pair) error {
	if len(pairs) == 0 {
		return nil
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		data := tx.Bucket(bucketData)
		idx := tx.Bucket(bucketIndex)
		c := idx.Cursor()

		for _, p := range pairs {
			prefix := indexPrefix(p.ConfigID, p.Stamp)
			var toDelete [][]byte
			for k, pk := c.Seek(prefix); k != nil && hasPrefix(k, prefix); k, pk = c.Next() {
				toDelete = append(toDelete, append([]byte(nil), pk...))
				if err := idx.Delete(k); err != nil {
					return err
				}
			}
			for _, pk := range toDelete {
				if err := data.Delete(pk); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func hasPrefix(b, prefix []byte) bool {
	return len(b) >= len(prefix) && string(b[:len(prefix)]) == string(prefix)
}

func encodeRecord(r Record) []byte {
	buf := make([]byte, 2+len(r.ConfigID)+2+len(r.Stream)+len(r.Result))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(r.ConfigID)))
	off := 2
	off += copy(buf[off:], r.ConfigID)
	binary.BigEndian.PutUint16(buf[off:off+2], uint16(len(r.Stream)))
	off += 2
	off += copy(buf[off:], r.Stream)
	copy(buf[off:], r.Result)
	return buf
}

func decodeRecord(key, value []byte) (Record, error) {
	if len(key) != 16 {
		return Record{}, fmt.Errorf("spool: malformed primary key length %d", len(key))
	}
	stamp := int64(binary.BigEndian.Uint64(key[0:8]))

	if len(value) < 4 {
		return Record{}, fmt.Errorf("spool: malformed record value")
	}
	cidLen := int(binary.BigEndian.Uint16(value[0:2]))
	off := 2
	if len(value) < off+cidLen+2 {
		return Record{}, fmt.Errorf("spool: malformed record value")
	}
	configID := string(value[off : off+cidLen])
	off += cidLen
	streamLen := int(binary.BigEndian.Uint16(value[off : off+2]))
	off += 2
	if len(value) < off+streamLen {
		return Record{}, fmt.Errorf("spool: malformed record value")
	}
	stream := string(value[off : off+streamLen])
	off += streamLen
	result := append([]byte(nil), value[off:]...)

	return Record{Stamp: stamp, ConfigID: configID, Stream: stream, Result: result}, nil
}
