package kvstore

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// lastWriteBucket holds a shadow timestamp entry per (bucket, key) pair
// written through Put/Batch, namespaced by a nul byte so keys from
// different buckets never collide. gc's remove-before sweep reads this
// to decide whether an unreachable key is old enough to delete.
const lastWriteBucket = "_lastwrite"

func lastWriteKey(bucket string, key []byte) []byte {
	buf := make([]byte, 0, len(bucket)+1+len(key))
	buf = append(buf, bucket...)
	buf = append(buf, 0)
	buf = append(buf, key...)
	return buf
}

// BoltKV implements KV on top of an embedded bbolt database file: a
// copy-on-write B+tree with ACID transactions and fsync-on-commit, the same
// shape the commit log, vector store, and edge store all persist through.
type BoltKV struct {
	db *bolt.DB
}

// OpenBolt opens (creating if necessary) a bbolt database at path.
func OpenBolt(path string) (*BoltKV, error) {
	db, err := bolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("kvstore: open bbolt at %s: %w", path, err)
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) EnsureBucket(_ context.Context, bucket string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	})
}

func (b *BoltKV) Get(_ context.Context, bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return ErrNotFound
		}
		v := bkt.Get(key)
		if v == nil {
			return ErrNotFound
		}
		// bbolt's Get returns a slice valid only for the transaction's
		// lifetime; copy it out before the view closes.
		out = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (b *BoltKV) Put(_ context.Context, bucket string, key, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(bucket))
		if err != nil {
			return err
		}
		if err := bkt.Put(key, value); err != nil {
			return err
		}
		return stampLastWrite(tx, bucket, key)
	})
}

func stampLastWrite(tx *bolt.Tx, bucket string, key []byte) error {
	tsBkt, err := tx.CreateBucketIfNotExists([]byte(lastWriteBucket))
	if err != nil {
		return err
	}
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(time.Now().UnixNano()))
	return tsBkt.Put(lastWriteKey(bucket, key), buf)
}

func (b *BoltKV) Delete(_ context.Context, bucket string, key []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		return bkt.Delete(key)
	})
}

func (b *BoltKV) Scan(_ context.Context, bucket string, from []byte, fn func(key, value []byte) bool) error {
	return b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(bucket))
		if bkt == nil {
			return nil
		}
		c := bkt.Cursor()
		var k, v []byte
		if len(from) == 0 {
			k, v = c.First()
		} else {
			k, v = c.Seek(from)
		}
		for ; k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

func (b *BoltKV) Batch(_ context.Context, ops []BatchOp) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		for _, op := range ops {
			bkt, err := tx.CreateBucketIfNotExists([]byte(op.Bucket))
			if err != nil {
				return err
			}
			if op.Value == nil {
				if err := bkt.Delete(op.Key); err != nil {
					return err
				}
				continue
			}
			if err := bkt.Put(op.Key, op.Value); err != nil {
				return err
			}
			if err := stampLastWrite(tx, op.Bucket, op.Key); err != nil {
				return err
			}
		}
		return nil
	})
}

func (b *BoltKV) LastWriteTime(_ context.Context, bucket string, key []byte) (int64, bool, error) {
	var ts int64
	var ok bool
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(lastWriteBucket))
		if bkt == nil {
			return nil
		}
		v := bkt.Get(lastWriteKey(bucket, key))
		if v == nil {
			return nil
		}
		ts = int64(binary.BigEndian.Uint64(v))
		ok = true
		return nil
	})
	return ts, ok, err
}

func (b *BoltKV) Close() error {
	return b.db.Close()
}
