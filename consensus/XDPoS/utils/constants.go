package utils

import (
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/XinFinOrg/xdpos-engine/core/types"
)

var (
	NonceAuthVote = hexutil.MustDecode("0xffffffffffffffff") // Magic nonce number to vote on adding a new master node
	NonceDropVote = hexutil.MustDecode("0x0000000000000000") // Magic nonce number to vote on removing a master node

	UncleHash = types.CalcUncleHash(nil) // Always Keccak256(RLP([])) as uncles are meaningless outside of PoW
)

const (
	// PoolHygieneRound is how many rounds a vote or timeout message may lag
	// behind the current round before the pool janitor drops it.
	PoolHygieneRound = 10
)
