package namespace

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/bbolt"
)

var generationsBucket = []byte("generations")

// MetaStore persists namespace bookkeeping — currently just generation
// IDs — in a bbolt database, independent of the frame logs and snapshots
// the namespaces themselves own, which stay in the flat-file formats the
// wire protocol mandates.
type MetaStore struct {
	db *bbolt.DB
}

// OpenMetaStore opens (creating if necessary) the bbolt-backed registry
// bookkeeping file at path.
func OpenMetaStore(path string) (*MetaStore, error) {
	db, err := bbolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("namespace: open meta store: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(generationsBucket)
		return err
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("namespace: init meta store buckets: %w", err)
	}
	return &MetaStore{db: db}, nil
}

// LoadGenerations returns every persisted namespace -> generation ID
// mapping.
func (m *MetaStore) LoadGenerations() (map[string]uint64, error) {
	out := make(map[string]uint64)
	err := m.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(generationsBucket)
		return b.ForEach(func(k, v []byte) error {
			if len(v) != 8 {
				return fmt.Errorf("namespace: corrupt generation record for %q", k)
			}
			out[string(k)] = binary.LittleEndian.Uint64(v)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("namespace: load generations: %w", err)
	}
	return out, nil
}

// SaveGeneration persists name's generation ID.
func (m *MetaStore) SaveGeneration(name string, generation uint64) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], generation)
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(generationsBucket).Put([]byte(name), buf[:])
	})
	if err != nil {
		return fmt.Errorf("namespace: save generation for %q: %w", name, err)
	}
	return nil
}

// DeleteNamespace removes all persisted bookkeeping for name, used when a
// namespace is destroyed rather than merely closed.
func (m *MetaStore) DeleteNamespace(name string) error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(generationsBucket).Delete([]byte(name))
	})
	if err != nil {
		return fmt.Errorf("namespace: delete bookkeeping for %q: %w", name, err)
	}
	return nil
}

// Close closes the underlying bbolt database.
func (m *MetaStore) Close() error {
	return m.db.Close()
}
