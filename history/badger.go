// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package history

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/zkyvette425/windroute/codec"
	"github.com/zkyvette425/windroute/routing"
)

// historyPrefix namespaces history keys. Keys are the prefix followed
// by a big-endian sequence number so iteration order equals append
// order.
var historyPrefix = []byte("h/")

// BadgerStore persists message history in BadgerDB, surviving router
// restarts. Values use the envelope wire encoding.
type BadgerStore struct {
	db       *badger.DB
	capacity int

	mu      sync.Mutex
	nextSeq uint64
	size    int
	closed  bool

	gcStopCh chan struct{}
	gcDone   chan struct{}
}

var _ Store = (*BadgerStore)(nil)

// NewBadgerStore opens a BadgerDB-backed history store at dir.
func NewBadgerStore(dir string, capacity int) (*BadgerStore, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	// History is advisory replay state; async writes trade durability
	// of the last few entries for write throughput.
	opts.SyncWrites = false
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open history store: %w", err)
	}

	s := &BadgerStore{
		db:       db,
		capacity: capacity,
		gcStopCh: make(chan struct{}),
		gcDone:   make(chan struct{}),
	}
	if err := s.recover(); err != nil {
		db.Close()
		return nil, err
	}

	go s.runGC()
	return s, nil
}

// recover scans existing keys to restore the sequence counter and size.
func (s *BadgerStore) recover() error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			s.size++
			seq := binary.BigEndian.Uint64(it.Item().Key()[len(historyPrefix):])
			if seq >= s.nextSeq {
				s.nextSeq = seq + 1
			}
		}
		return nil
	})
}

// Append persists a message and evicts the oldest entry past capacity.
func (s *BadgerStore) Append(_ context.Context, env *routing.Envelope[[]byte]) error {
	data, err := codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode history entry: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seq := s.nextSeq
	s.nextSeq++

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(key(seq), data); err != nil {
			return err
		}
		if s.size < s.capacity {
			return nil
		}

		// Evict the oldest live entry.
		opts := badger.DefaultIteratorOptions
		opts.Prefix = historyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		it.Rewind()
		if it.Valid() {
			return txn.Delete(it.Item().KeyCopy(nil))
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history entry: %w", err)
	}

	if s.size < s.capacity {
		s.size++
	}
	return nil
}

// Recent returns up to limit messages, oldest first.
func (s *BadgerStore) Recent(_ context.Context, limit int) ([]*routing.Envelope[[]byte], error) {
	var out []*routing.Envelope[[]byte]

	err := s.db.View(func(txn *badger.Txn) error {
		// Iterate newest-first so the limit applies to the most recent
		// entries, then reverse into chronological order.
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		// Reverse iteration needs a seek past the last possible key.
		seek := append(append([]byte{}, historyPrefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
		for it.Seek(seek); it.ValidForPrefix(historyPrefix); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				env, err := codec.Unmarshal(val)
				if err != nil {
					return err
				}
				out = append(out, env)
				return nil
			})
			if err != nil {
				return fmt.Errorf("decode history entry: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// Len returns the number of retained messages.
func (s *BadgerStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Close stops value log GC and closes the database.
func (s *BadgerStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.gcStopCh)
	<-s.gcDone
	return s.db.Close()
}

func (s *BadgerStore) runGC() {
	defer close(s.gcDone)

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			_ = s.db.RunValueLogGC(0.5)
		case <-s.gcStopCh:
			return
		}
	}
}

func key(seq uint64) []byte {
	k := make([]byte, len(historyPrefix)+8)
	copy(k, historyPrefix)
	binary.BigEndian.PutUint64(k[len(historyPrefix):], seq)
	return k
}
