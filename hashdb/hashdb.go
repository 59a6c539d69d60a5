/*
 * Author: Markus Stenberg <fingon@iki.fi>
 *
 * Copyright (c) 2019 Markus Stenberg
 *
 * Created:       Wed Jun 12 09:40:55 2019 mstenber
 * Last modified: Wed Jun 12 11:28:30 2019 mstenber
 * Edit time:     41 min
 *
 */

// hashdb persists file content digests between builds in a bolt
// database keyed by (path, size, mtime), so re-building a mostly
// unchanged tree skips re-reading unchanged files.
package hashdb

import (
	"encoding/binary"

	bolt "go.etcd.io/bbolt"

	"github.com/fingon/go-dwarfs/mlog"
)

var digestBucket = []byte("digest")

type DB struct {
	db *bolt.DB

	// algorithm guards against mixing digests from different
	// hash functions in one database.
	algorithm string
}

func Open(path, algorithm string) (*DB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(digestBucket)
		return err
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db: db, algorithm: algorithm}, nil
}

func (self *DB) key(path string, size uint64, mtime int64) []byte {
	k := make([]byte, 0, len(self.algorithm)+1+len(path)+1+16)
	k = append(k, self.algorithm...)
	k = append(k, 0)
	k = append(k, path...)
	k = append(k, 0)
	k = binary.LittleEndian.AppendUint64(k, size)
	k = binary.LittleEndian.AppendUint64(k, uint64(mtime))
	return k
}

func (self *DB) Get(path string, size uint64, mtime int64) (digest []byte, ok bool) {
	err := self.db.View(func(tx *bolt.Tx) error {
		if v := tx.Bucket(digestBucket).Get(self.key(path, size, mtime)); v != nil {
			digest = append([]byte(nil), v...)
			ok = true
		}
		return nil
	})
	if err != nil {
		return nil, false
	}
	if ok {
		mlog.Printf2("hashdb/hashdb", "digest cache hit for %q", path)
	}
	return
}

func (self *DB) Put(path string, size uint64, mtime int64, digest []byte) {
	err := self.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(digestBucket).Put(self.key(path, size, mtime), digest)
	})
	if err != nil {
		mlog.Printf2("hashdb/hashdb", "digest cache put failed: %v", err)
	}
}

func (self *DB) Close() error {
	return self.db.Close()
}
