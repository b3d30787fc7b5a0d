package engine_v2

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// IsEpochSwitch reports whether the header opens a new epoch, and the epoch
// index it opens. The era switch lands on a checkpoint boundary, so epoch
// switches stay on multiples of the epoch length across both engine eras and
// the decision needs nothing but the block number.
func (x *XDPoS_v2) IsEpochSwitch(header *types.Header) (bool, uint64) {
	number := header.Number.Uint64()
	return number%x.config.Epoch == 0, number / x.config.Epoch
}

// isEpochSwitchAtBlock reports whether the block a proposer would build on
// top of the given parent opens a new epoch, and the epoch index it opens.
func (x *XDPoS_v2) isEpochSwitchAtBlock(parentHeader *types.Header) (bool, uint64) {
	number := parentHeader.Number.Uint64() + 1
	return number%x.config.Epoch == 0, number / x.config.Epoch
}

// getEpochSwitchInfo returns the epoch switch info of the epoch the given
// block belongs to. The header may be nil, it is then resolved from the hash.
// Results are cached under every block hash walked on the way up.
func (x *XDPoS_v2) getEpochSwitchInfo(chain consensus.ChainReader, header *types.Header, hash common.Hash) (*types.EpochSwitchInfo, error) {
	e, ok := x.epochSwitches.Get(hash)
	if ok {
		epochSwitchInfo := e.(*types.EpochSwitchInfo)
		log.Debug("[getEpochSwitchInfo] cache hit", "number", epochSwitchInfo.EpochSwitchBlockInfo.Number, "hash", hash.Hex())
		return epochSwitchInfo, nil
	}
	h := header
	if h == nil {
		log.Debug("[getEpochSwitchInfo] header missing, get header", "hash", hash.Hex())
		h = chain.GetHeaderByHash(hash)
		if h == nil {
			log.Warn("[getEpochSwitchInfo] can not find header from db", "hash", hash.Hex())
			return nil, fmt.Errorf("[getEpochSwitchInfo] can not find header from db hash %v", hash.Hex())
		}
	}
	if isEpochSwitch, _ := x.IsEpochSwitch(h); isEpochSwitch {
		log.Debug("[getEpochSwitchInfo] header is epoch switch", "hash", hash.Hex(), "number", h.Number.Uint64())
		quorumCert, round, masternodes, err := x.getExtraFields(h)
		if err != nil {
			return nil, err
		}
		var penalties []common.Address
		if h.Number.Cmp(x.config.V2.SwitchBlock) == 0 {
			// The first v2 epoch inherits the v1 checkpoint signers, capped
			// at the masternode limit of the initial config.
			maxMasternodes := x.config.V2.Config(0).MaxMasternodes
			if len(masternodes) > maxMasternodes {
				masternodes = masternodes[:maxMasternodes]
			}
		} else {
			penalties = utils.ExtractAddressFromBytes(h.Penalties)
		}
		epochSwitchInfo := &types.EpochSwitchInfo{
			Penalties:   penalties,
			Masternodes: masternodes,
			EpochSwitchBlockInfo: &types.BlockInfo{
				Hash:   hash,
				Number: h.Number,
				Round:  round,
			},
		}
		if quorumCert != nil {
			epochSwitchInfo.EpochSwitchParentBlockInfo = quorumCert.ProposedBlockInfo
		}

		x.epochSwitches.Add(hash, epochSwitchInfo)
		return epochSwitchInfo, nil
	}
	epochSwitchInfo, err := x.getEpochSwitchInfo(chain, nil, h.ParentHash)
	if err != nil {
		log.Error("[getEpochSwitchInfo] recursive error", "err", err, "hash", hash.Hex(), "number", h.Number.Uint64())
		return nil, err
	}
	log.Debug("[getEpochSwitchInfo] get epoch switch info recursively", "hash", hash.Hex(), "number", h.Number.Uint64())
	x.epochSwitches.Add(hash, epochSwitchInfo)
	return epochSwitchInfo, nil
}

// getPreviousEpochSwitchInfoByHash walks back the given number of epoch
// switches starting from the epoch the hash belongs to.
func (x *XDPoS_v2) getPreviousEpochSwitchInfoByHash(chain consensus.ChainReader, hash common.Hash, limit int) (*types.EpochSwitchInfo, error) {
	epochSwitchInfo, err := x.getEpochSwitchInfo(chain, nil, hash)
	if err != nil {
		log.Error("[getPreviousEpochSwitchInfoByHash] getEpochSwitchInfo has error, potentially bug", "err", err)
		return nil, err
	}
	for i := 0; i < limit; i++ {
		if epochSwitchInfo.EpochSwitchParentBlockInfo == nil {
			// walked past the era switch, there is nothing before it
			return nil, fmt.Errorf("no epoch switch block %d epochs before hash %v", limit, hash.Hex())
		}
		epochSwitchInfo, err = x.getEpochSwitchInfo(chain, nil, epochSwitchInfo.EpochSwitchParentBlockInfo.Hash)
		if err != nil {
			log.Error("[getPreviousEpochSwitchInfoByHash] getEpochSwitchInfo has error, potentially bug", "err", err)
			return nil, err
		}
	}
	return epochSwitchInfo, nil
}

// GetCurrentEpochSwitchBlock returns the block number of the epoch switch
// block of the epoch the given block belongs to.
func (x *XDPoS_v2) GetCurrentEpochSwitchBlock(chain consensus.ChainReader, blockNum *big.Int) (uint64, error) {
	header := chain.GetHeaderByNumber(blockNum.Uint64())
	if header == nil {
		return 0, fmt.Errorf("can not find header at number %v", blockNum)
	}
	epochSwitchInfo, err := x.getEpochSwitchInfo(chain, header, header.Hash())
	if err != nil {
		log.Error("[GetCurrentEpochSwitchBlock] Fail to get epoch switch info", "Num", blockNum, "Error", err)
		return 0, err
	}
	return epochSwitchInfo.EpochSwitchBlockInfo.Number.Uint64(), nil
}
