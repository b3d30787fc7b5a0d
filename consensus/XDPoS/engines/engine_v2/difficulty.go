package engine_v2

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// Fork choice among v2 blocks is decided by certificates, not by accumulated
// difficulty, so every v2 block weighs the same.
func (x *XDPoS_v2) calcDifficulty(chain consensus.ChainReader, parent *types.Header, signer common.Address) *big.Int {
	return big.NewInt(1)
}

// CalcDifficulty implements consensus.Engine.
func (x *XDPoS_v2) CalcDifficulty(chain consensus.ChainReader, time uint64, parent *types.Header) *big.Int {
	x.signLock.RLock()
	signer := x.signer
	x.signLock.RUnlock()
	return x.calcDifficulty(chain, parent, signer)
}
