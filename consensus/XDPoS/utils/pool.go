package utils

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// Pool holds BFT messages keyed first by their pool key (round, gap number and
// the likes) and then by their hash, so duplicates collapse onto themselves.
type Pool struct {
	objList map[string]map[common.Hash]types.PoolObj
	lock    sync.RWMutex
}

func NewPool() *Pool {
	return &Pool{
		objList: make(map[string]map[common.Hash]types.PoolObj),
	}
}

// Add adds obj into pool and returns the number of objs amassed under the same
// pool key together with the pooled objs themselves. Thresholds are up to the
// caller, the pool only counts.
func (p *Pool) Add(obj types.PoolObj) (int, map[common.Hash]types.PoolObj) {
	p.lock.Lock()
	defer p.lock.Unlock()

	poolKey := obj.PoolKey()
	objListKeyed, ok := p.objList[poolKey]
	if !ok {
		objListKeyed = make(map[common.Hash]types.PoolObj)
		p.objList[poolKey] = objListKeyed
	}
	objListKeyed[obj.Hash()] = obj
	return len(objListKeyed), objListKeyed
}

func (p *Pool) Size(obj types.PoolObj) int {
	p.lock.RLock()
	defer p.lock.RUnlock()
	return len(p.objList[obj.PoolKey()])
}

// PoolObjKeysList returns all the pool keys currently held.
func (p *Pool) PoolObjKeysList() []string {
	p.lock.RLock()
	defer p.lock.RUnlock()
	keyList := make([]string, 0, len(p.objList))
	for key := range p.objList {
		keyList = append(keyList, key)
	}
	return keyList
}

func (p *Pool) GetObjsByKey(poolKey string) []types.PoolObj {
	p.lock.RLock()
	defer p.lock.RUnlock()
	objs := make([]types.PoolObj, 0, len(p.objList[poolKey]))
	for _, obj := range p.objList[poolKey] {
		objs = append(objs, obj)
	}
	return objs
}

// ClearPoolKeyByObj clears all objs pooled under the same key as obj.
func (p *Pool) ClearPoolKeyByObj(obj types.PoolObj) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.objList, obj.PoolKey())
}

func (p *Pool) ClearByPoolKey(poolKey string) {
	p.lock.Lock()
	defer p.lock.Unlock()
	delete(p.objList, poolKey)
}

func (p *Pool) Clear() {
	p.lock.Lock()
	defer p.lock.Unlock()
	p.objList = make(map[string]map[common.Hash]types.PoolObj)
}
