package params

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

const (
	RewardMasterPercent       = 90
	RewardVoterPercent        = 0
	RewardFoundationPercent   = 10
	HexSignMethod             = "e341eaa4"
	MaxMasternodes            = 18
	MaxMasternodesV2          = 108 // Last v1 masternodes
	LimitPenaltyEpoch         = 4
	LimitPenaltyEpochV2       = 0
	MergeSignRange            = 15
	RangeReturnSigner         = 150
	MinimunMinerBlockPerEpoch = 1

	InitialBaseFee uint64 = 12500000000 // Base fee stays pinned at 12.5 gwei, XDPoS does not float it
)

var TIP2019Block = big.NewInt(1)
var TIPSigning = big.NewInt(3000000)

// StoreRewardFolder, when set, makes the engine dump the reward breakdown of
// every checkpoint to one JSON file per block.
var StoreRewardFolder string

var TIPV2SwitchBlock = big.NewInt(80370000)        // Target 2nd Oct 2024
var TIPV2SwitchBlockTestnet = big.NewInt(56828700) // Apothem

var Eip1559Block = big.NewInt(9999999999)

// BlockSigners is the sign-transaction collector contract. Masternodes send
// their checkpoint signing transactions to it and the reward scan reads them
// back out of block bodies.
var BlockSigners = common.HexToAddress("0x0000000000000000000000000000000000000089")

// MasternodeVotingSMC holds candidate stakes and owners.
var MasternodeVotingSMC = common.HexToAddress("0x0000000000000000000000000000000000000088")

// IgnoreSignerCheckBlockArray lists historical checkpoints that are exempt
// from the signer-list check.
var IgnoreSignerCheckBlockArray = map[uint64]bool{
	uint64(1032300):  true,
	uint64(1033200):  true,
	uint64(27307800): true,
	uint64(28270800): true,
}
