// Package journal keeps a persistent log of shipped batches, so that a
// presentation side can be replayed from the start of the current
// generation.
package journal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/giftline/recon/pkg/logutil"
	"github.com/giftline/recon/pkg/patch"
)

var logger = logutil.GetLogger("[journal] ")

const bucketBatches = "batches"

// ErrCorrupt is returned when a stored key or batch cannot be decoded.
var ErrCorrupt = errors.New("corrupt journal entry")

var initDB = map[string]func(*bolt.Tx) error{
	"initialize batch table": func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucketBatches))
		return err
	},
}

// Journal is a batch log backed by a bbolt database. Batches are keyed by
// generation and sequence number.
type Journal struct {
	db *bolt.DB
}

// Open opens or creates the journal at path.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0o644, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for name, fn := range initDB {
			if err := fn(tx); err != nil {
				return fmt.Errorf("failed to %s: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Journal{db}, nil
}

// Close closes the journal.
func (j *Journal) Close() error { return j.db.Close() }

// Append stores a batch. A batch with the same generation and sequence
// number is overwritten.
func (j *Journal) Append(b *patch.Batch) error {
	data, err := b.MarshalBinary()
	if err != nil {
		return err
	}
	return j.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte(bucketBatches)).Put(marshalKey(b.Generation, b.Seq), data)
	})
}

// Batches returns the batches of generation gen in sequence order.
func (j *Journal) Batches(gen uint64) ([]*patch.Batch, error) {
	var batches []*patch.Batch
	err := j.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketBatches)).Cursor()
		for k, v := c.Seek(marshalKey(gen, 0)); k != nil; k, v = c.Next() {
			g, _, err := unmarshalKey(k)
			if err != nil {
				return err
			}
			if g != gen {
				break
			}
			b := &patch.Batch{}
			if err := b.UnmarshalBinary(v); err != nil {
				return fmt.Errorf("%w: %v", ErrCorrupt, err)
			}
			batches = append(batches, b)
		}
		return nil
	})
	return batches, err
}

// LastGeneration returns the highest stored generation. The second return
// value is false when the journal is empty.
func (j *Journal) LastGeneration() (uint64, bool, error) {
	var (
		gen uint64
		ok  bool
	)
	err := j.db.View(func(tx *bolt.Tx) error {
		k, _ := tx.Bucket([]byte(bucketBatches)).Cursor().Last()
		if k == nil {
			return nil
		}
		var err error
		gen, _, err = unmarshalKey(k)
		ok = err == nil
		return err
	})
	return gen, ok, err
}

// Prune deletes the batches of generations before gen and returns how many
// were deleted.
func (j *Journal) Prune(gen uint64) (int, error) {
	n := 0
	err := j.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket([]byte(bucketBatches)).Cursor()
		for k, _ := c.First(); k != nil; k, _ = c.First() {
			g, _, err := unmarshalKey(k)
			if err != nil {
				return err
			}
			if g >= gen {
				break
			}
			if err := c.Delete(); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if n > 0 {
		logger.Printf("pruned %d batches before generation %d", n, gen)
	}
	return n, err
}

func marshalKey(gen, seq uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b, gen)
	binary.BigEndian.PutUint64(b[8:], seq)
	return b
}

func unmarshalKey(key []byte) (gen, seq uint64, err error) {
	if len(key) != 16 {
		return 0, 0, fmt.Errorf("%w: key of length %d", ErrCorrupt, len(key))
	}
	return binary.BigEndian.Uint64(key), binary.BigEndian.Uint64(key[8:]), nil
}
