package engine_v2

import (
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// checkYourturnWithinFinalisedMasternodes resolves the masternode list the
// block on top of parent will be verified against, penalties applied, and
// checks the signer is the leader of the given round within it.
func (x *XDPoS_v2) checkYourturnWithinFinalisedMasternodes(chain consensus.ChainReader, round types.Round, parent *types.Header, signer common.Address) (bool, error) {
	isEpochSwitch, _ := x.isEpochSwitchAtBlock(parent)

	var masterNodes []common.Address
	var err error
	if isEpochSwitch {
		masterNodes, _, err = x.calcMasternodes(chain, big.NewInt(0).Add(parent.Number, big.NewInt(1)), parent.Hash(), round)
		if err != nil {
			log.Error("[checkYourturnWithinFinalisedMasternodes] Cannot calcMasternodes for the epoch switch block", "err", err, "parentNumber", parent.Number)
			return false, err
		}
	} else {
		// This block and its parent belong to the same epoch
		masterNodes = x.GetMasternodes(chain, parent)
	}

	if len(masterNodes) == 0 {
		log.Error("[checkYourturnWithinFinalisedMasternodes] Fail to find any master nodes from the parent block's epoch", "Hash", parent.Hash(), "CurrentRound", round, "Number", parent.Number)
		return false, errors.New("masternodes not found")
	}

	curIndex := utils.Position(masterNodes, signer)
	if curIndex == -1 {
		log.Debug("[checkYourturnWithinFinalisedMasternodes] Not an authorised signer", "Hash", parent.Hash(), "signer", signer)
		return false, nil
	}

	for i, s := range masterNodes {
		log.Debug("[checkYourturnWithinFinalisedMasternodes] Masternode:", "index", i, "address", s.String(), "parentBlockNum", parent.Number)
	}

	leaderIndex := uint64(round) % uint64(len(masterNodes))
	if masterNodes[leaderIndex] != signer {
		log.Debug("[checkYourturnWithinFinalisedMasternodes] Not my turn", "curIndex", curIndex, "leaderIndex", leaderIndex, "Hash", parent.Hash().Hex(), "masterNodes[leaderIndex]", masterNodes[leaderIndex], "signer", signer)
		return false, nil
	}

	log.Debug("[checkYourturnWithinFinalisedMasternodes] Yes, it's my turn based on parent block", "ParentHash", parent.Hash().Hex(), "ParentBlockNumber", parent.Number.Uint64())
	return true, nil
}
