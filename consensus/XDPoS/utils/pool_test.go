package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/XinFinOrg/xdpos-engine/core/types"
)

func TestPoolAdd(t *testing.T) {
	assert := assert.New(t)

	pool := NewPool()
	timeout1 := types.Timeout{Round: 1, Signature: []byte{1}, GapNumber: 450}
	timeout2 := types.Timeout{Round: 1, Signature: []byte{2}, GapNumber: 450}
	timeout3 := types.Timeout{Round: 1, Signature: []byte{3}, GapNumber: 450}
	timeout4 := types.Timeout{Round: 1, Signature: []byte{4}, GapNumber: 450}
	numOfItems, pooledTimeouts := pool.Add(&timeout1)
	assert.NotNil(pooledTimeouts)
	assert.Equal(1, numOfItems)
	numOfItems, pooledTimeouts = pool.Add(&timeout1)
	assert.NotNil(pooledTimeouts)
	// Duplicates should not be added
	assert.Equal(1, numOfItems)

	// Should add the one that is not a duplicate
	numOfItems, pooledTimeouts = pool.Add(&timeout2)
	assert.NotNil(pooledTimeouts)
	assert.Equal(2, numOfItems)

	numOfItems, pooledTimeouts = pool.Add(&timeout3)
	assert.NotNil(pooledTimeouts)
	assert.Equal(3, numOfItems)

	// Only after manually cleared the pool at its objKey, we shall not have any value for this particular key
	pool.ClearPoolKeyByObj(&timeout3)
	numOfItems, pooledTimeouts = pool.Add(&timeout4)
	assert.NotNil(pooledTimeouts)
	assert.Equal(1, numOfItems)

	pool.Clear()

	// Pool has been cleared. Start from 0 again
	numOfItems, pooledTimeouts = pool.Add(&timeout3)
	assert.NotNil(pooledTimeouts)
	assert.Equal(1, numOfItems)

	// A different gap number shall pool under a different key
	timeout5 := types.Timeout{Round: 1, Signature: []byte{5}, GapNumber: 1350}
	numOfItems, pooledTimeouts = pool.Add(&timeout5)
	assert.NotNil(pooledTimeouts)
	assert.Equal(1, numOfItems)
	assert.Equal(2, len(pool.PoolObjKeysList()))
	assert.Equal(1, pool.Size(&timeout3))

	pool.ClearByPoolKey(timeout5.PoolKey())
	assert.Equal(0, pool.Size(&timeout5))
	assert.Equal(1, len(pool.GetObjsByKey(timeout3.PoolKey())))
}
