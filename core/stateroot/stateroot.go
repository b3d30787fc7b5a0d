// Copyright (c) 2018 XDPoSChain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

// Package stateroot persists the mapping between state roots declared in
// remote block headers and the roots this client computes for the same
// blocks. Reward application order at checkpoint blocks is not fixed by the
// protocol, so once the first reward distribution runs, checkpoint roots
// computed here legitimately diverge from the ones the network canonicalized.
// Each divergence recurs identically on every re-validation of that block, so
// it is recorded once and re-affirmed from then on. The mapping must survive
// restarts or a resync would reject every checkpoint again.
package stateroot

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/syndtr/goleveldb/leveldb"
	ldberrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	// maxCacheEntries bounds the in-memory map. Smaller caches cause
	// eviction churn on long resyncs, so the bound is generous.
	maxCacheEntries = 10000000

	// persistInterval is how many blocks may pass between batched flushes.
	persistInterval = 100

	// backwardScanRange is how far FindValidRoot walks back by default when
	// recovering a usable root after a restart.
	backwardScanRange = 10000
)

var (
	rootPrefix  = []byte("xdc-root-")  // rootPrefix + headerRoot -> number ++ localRoot
	blockPrefix = []byte("xdc-block-") // blockPrefix + number -> headerRoot ++ localRoot
)

// Cache maps header-declared state roots to locally computed ones, backed by
// a leveldb instance. Lookups are concurrent, inserts are serialized, and
// persistence happens in periodic batches rather than on every insert.
type Cache struct {
	db *leveldb.DB

	remoteToLocal map[common.Hash]common.Hash
	blockRoots    map[uint64]common.Hash
	blockToRemote map[uint64]common.Hash

	maxEntries    int
	lastPersisted uint64
	pending       *leveldb.Batch

	lock sync.RWMutex
}

// New opens (or creates) a reconciliation cache persisted at path and loads
// all previously recorded mappings.
func New(path string) (*Cache, error) {
	db, err := leveldb.OpenFile(path, nil)
	if _, corrupted := err.(*ldberrors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return newCache(db)
}

// NewMemory creates a reconciliation cache on top of an in-memory database.
// Contents do not survive Close, which makes it only suitable for tests.
func NewMemory() (*Cache, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, err
	}
	return newCache(db)
}

func newCache(db *leveldb.DB) (*Cache, error) {
	c := &Cache{
		db:            db,
		remoteToLocal: make(map[common.Hash]common.Hash),
		blockRoots:    make(map[uint64]common.Hash),
		blockToRemote: make(map[uint64]common.Hash),
		maxEntries:    maxCacheEntries,
		pending:       new(leveldb.Batch),
	}
	if err := c.load(); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

// load replays the persisted block index into the in-memory maps.
func (c *Cache) load() error {
	it := c.db.NewIterator(util.BytesPrefix(blockPrefix), nil)
	defer it.Release()

	for it.Next() {
		key, value := it.Key(), it.Value()
		if len(key) != len(blockPrefix)+8 || len(value) != 2*common.HashLength {
			continue
		}
		number := binary.BigEndian.Uint64(key[len(blockPrefix):])
		var headerRoot, localRoot common.Hash
		copy(headerRoot[:], value[:common.HashLength])
		copy(localRoot[:], value[common.HashLength:])

		c.remoteToLocal[headerRoot] = localRoot
		c.blockRoots[number] = localRoot
		c.blockToRemote[number] = headerRoot
		if number > c.lastPersisted {
			c.lastPersisted = number
		}
	}
	if err := it.Error(); err != nil {
		return err
	}
	if len(c.blockRoots) > 0 {
		log.Info("Loaded state root reconciliation cache", "entries", len(c.blockRoots), "head", c.lastPersisted)
	}
	return nil
}

// Reconcile resolves a computed state root against the root a header
// declares. Equal roots pass straight through. A divergence is only
// acceptable at checkpoint blocks: a previously recorded divergence is
// re-affirmed by returning the recorded local root, a new one is recorded and
// the computed root returned. Divergence anywhere else rejects the block.
func (c *Cache) Reconcile(number uint64, checkpoint bool, headerRoot, computedRoot common.Hash) (common.Hash, error) {
	if headerRoot == computedRoot {
		return headerRoot, nil
	}
	if !checkpoint {
		return common.Hash{}, fmt.Errorf("invalid state root at block %d (remote: %x local: %x)", number, headerRoot, computedRoot)
	}
	if local, ok := c.LocalRoot(headerRoot); ok {
		return local, nil
	}
	c.Insert(number, headerRoot, computedRoot)
	log.Info("Recorded diverged checkpoint state root", "number", number, "remote", headerRoot, "local", computedRoot)
	return computedRoot, nil
}

// Insert records a header root to local root mapping. Identical roots are not
// recorded since there is nothing to reconcile. The batch is flushed to disk
// every persistInterval blocks.
func (c *Cache) Insert(number uint64, headerRoot, localRoot common.Hash) {
	if headerRoot == localRoot {
		return
	}
	c.lock.Lock()

	c.remoteToLocal[headerRoot] = localRoot
	c.blockRoots[number] = localRoot
	c.blockToRemote[number] = headerRoot

	c.pending.Put(rootKey(headerRoot), rootValue(number, localRoot))
	c.pending.Put(blockKey(number), blockValue(headerRoot, localRoot))

	if len(c.blockRoots) > c.maxEntries {
		c.evict(c.maxEntries / 10)
	}
	flush := number >= c.lastPersisted+persistInterval
	if flush {
		c.lastPersisted = number
	}
	c.lock.Unlock()

	if flush {
		if err := c.Flush(); err != nil {
			log.Warn("Failed to persist state root reconciliation cache", "err", err)
		}
	}
}

// LocalRoot returns the locally computed root recorded for a header-declared
// root, if any.
func (c *Cache) LocalRoot(headerRoot common.Hash) (common.Hash, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	local, ok := c.remoteToLocal[headerRoot]
	return local, ok
}

// RootByBlock returns the locally computed root recorded at a block number,
// if any.
func (c *Cache) RootByBlock(number uint64) (common.Hash, bool) {
	c.lock.RLock()
	defer c.lock.RUnlock()
	root, ok := c.blockRoots[number]
	return root, ok
}

// FindValidRoot walks backwards from a block number looking for the nearest
// recorded local root. It is used after a restart to pick a pivot the chain
// can resume from instead of rewinding to genesis. A scanRange of 0 uses the
// default range.
func (c *Cache) FindValidRoot(from, scanRange uint64) (uint64, common.Hash, bool) {
	if scanRange == 0 {
		scanRange = backwardScanRange
	}
	start := uint64(0)
	if from > scanRange {
		start = from - scanRange
	}
	c.lock.RLock()
	defer c.lock.RUnlock()

	for number := from; ; number-- {
		if root, ok := c.blockRoots[number]; ok {
			return number, root, true
		}
		if number == start {
			break
		}
	}
	return 0, common.Hash{}, false
}

// Flush writes any pending mappings to disk in one batch.
func (c *Cache) Flush() error {
	c.lock.Lock()
	batch := c.pending
	c.pending = new(leveldb.Batch)
	c.lock.Unlock()

	if batch.Len() == 0 {
		return nil
	}
	return c.db.Write(batch, nil)
}

// Close flushes pending mappings and releases the backing database.
func (c *Cache) Close() error {
	if err := c.Flush(); err != nil {
		return err
	}
	return c.db.Close()
}

// Len returns the number of recorded mappings.
func (c *Cache) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.blockRoots)
}

// evict drops the oldest count mappings. Caller holds the write lock.
func (c *Cache) evict(count int) {
	numbers := make([]uint64, 0, len(c.blockRoots))
	for number := range c.blockRoots {
		numbers = append(numbers, number)
	}
	sort.Slice(numbers, func(i, j int) bool { return numbers[i] < numbers[j] })
	if count > len(numbers) {
		count = len(numbers)
	}
	for _, number := range numbers[:count] {
		if remote, ok := c.blockToRemote[number]; ok {
			delete(c.remoteToLocal, remote)
			c.pending.Delete(rootKey(remote))
		}
		delete(c.blockToRemote, number)
		delete(c.blockRoots, number)
		c.pending.Delete(blockKey(number))
	}
	log.Debug("Evicted state root reconciliation entries", "count", count)
}

func rootKey(headerRoot common.Hash) []byte {
	return append(append([]byte{}, rootPrefix...), headerRoot[:]...)
}

func blockKey(number uint64) []byte {
	key := make([]byte, len(blockPrefix)+8)
	copy(key, blockPrefix)
	binary.BigEndian.PutUint64(key[len(blockPrefix):], number)
	return key
}

func rootValue(number uint64, localRoot common.Hash) []byte {
	value := make([]byte, 8+common.HashLength)
	binary.BigEndian.PutUint64(value, number)
	copy(value[8:], localRoot[:])
	return value
}

func blockValue(headerRoot, localRoot common.Hash) []byte {
	value := make([]byte, 2*common.HashLength)
	copy(value, headerRoot[:])
	copy(value[common.HashLength:], localRoot[:])
	return value
}
