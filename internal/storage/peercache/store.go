package peercache

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

const (
	bMeta      = "meta"
	bEndpoints = "endpoints"
	kLastSeen  = "last_seen"

	defaultTO = 2 * time.Second
)

// Entry is one remote endpoint observed on the broadcast domain. The cache
// is advisory: it survives restarts so the operator can see who was around,
// but it is never fed back into the live registry.
type Entry struct {
	PUuid    string `json:"p_uuid"`
	Topic    string `json:"topic"`
	NUuid    string `json:"n_uuid"`
	Addr     string `json:"addr"`
	Ctrl     string `json:"ctrl"`
	Service  bool   `json:"service"`
	LastSeen int64  `json:"last_seen"` // unix seconds
}

// Store is a BoltDB-backed endpoint cache.
type Store struct {
	db *bolt.DB
}

// Open opens (or creates) the cache database at path.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: defaultTO})
	if err != nil {
		return nil, err
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bMeta)); err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bEndpoints)); err != nil {
			return err
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Put records an endpoint sighting, overwriting any previous one for the
// same (pUuid, topic, nUuid). It reports whether the entry was new.
func (s *Store) Put(e Entry) (bool, error) {
	if e.PUuid == "" || e.Topic == "" || e.NUuid == "" {
		return false, errors.New("missing cache key fields")
	}

	val, err := json.Marshal(e)
	if err != nil {
		return false, err
	}

	var inserted bool
	err = s.db.Update(func(tx *bolt.Tx) error {
		eps := tx.Bucket([]byte(bEndpoints))
		meta := tx.Bucket([]byte(bMeta))

		key := epKey(e.PUuid, e.Topic, e.NUuid)
		inserted = eps.Get(key) == nil
		if err := eps.Put(key, val); err != nil {
			return err
		}

		cur := decodeI64(meta.Get([]byte(kLastSeen)))
		if e.LastSeen > cur {
			return meta.Put([]byte(kLastSeen), encodeI64(e.LastSeen))
		}
		return nil
	})
	return inserted, err
}

// DeleteProc drops every cached endpoint of a process.
func (s *Store) DeleteProc(pUuid string) error {
	prefix := append([]byte(pUuid), 0)
	return s.db.Update(func(tx *bolt.Tx) error {
		eps := tx.Bucket([]byte(bEndpoints))
		c := eps.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
}

// List returns every cached endpoint in key order.
func (s *Store) List() ([]Entry, error) {
	var out []Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		eps := tx.Bucket([]byte(bEndpoints))
		return eps.ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				// Corruption: keep going, the cache is advisory.
				return nil
			}
			out = append(out, e)
			return nil
		})
	})
	return out, err
}

// LastSeen returns the newest sighting timestamp across the whole cache.
func (s *Store) LastSeen() (int64, error) {
	var out int64
	err := s.db.View(func(tx *bolt.Tx) error {
		out = decodeI64(tx.Bucket([]byte(bMeta)).Get([]byte(kLastSeen)))
		return nil
	})
	return out, err
}

func epKey(pUuid, topic, nUuid string) []byte {
	// 0x00 separators keep prefix scans per process exact.
	b := make([]byte, 0, len(pUuid)+len(topic)+len(nUuid)+2)
	b = append(b, pUuid...)
	b = append(b, 0)
	b = append(b, topic...)
	b = append(b, 0)
	b = append(b, nUuid...)
	return b
}

func encodeI64(v int64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, uint64(v))
	return b
}

func decodeI64(b []byte) int64 {
	if len(b) != 8 {
		return 0
	}
	return int64(binary.BigEndian.Uint64(b))
}
