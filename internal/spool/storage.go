package spool

import "go.etcd.io/bbolt"

// GetStorage returns the raw JSON blob stored under key, or nil if absent.
func (s *Spool) GetStorage(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketStorage).Get([]byte(key))
		if v != nil {
			value = append([]byte(nil), v...)
		}
		return nil
	})
	return value, err
}

// UpsertStorage writes (or replaces) the JSON blob stored under key.
func (s *Spool) UpsertStorage(key string, value []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStorage).Put([]byte(key), value)
	})
}

// ForEachStorage iterates every (key, value) pair in the sensorstorage
// bucket. The SensorStorage manager does not call it (entries are loaded
// lazily, one key at a time).
func (s *Spool) ForEachStorage(fn func(key string, value []byte) error) error {
	return s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketStorage).ForEach(func(k, v []byte) error {
			return fn(string(k), append([]byte(nil), v...))
		})
	})
}
