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

// Package hooks wires the chain facing callbacks of both consensus engines.
// The engines validate and assemble blocks on their own, the hooks supply
// what needs whole chain context, the penalty scan over a closing epoch and
// the reward distribution of a checkpoint.
package hooks

import (
	"errors"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/contracts"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

func AttachConsensusV1Hooks(adaptor *XDPoS.XDPoS, chainConfig *params.ChainConfig) {
	// Hook scans for bad masternodes and decide to penalty them
	adaptor.EngineV1.HookPenalty = func(chain consensus.ChainReader, number uint64) ([]common.Address, error) {
		start := time.Now()
		epoch := chain.Config().XDPoS.Epoch

		prevCheckpoint := chain.GetHeaderByNumber(number - epoch)
		if prevCheckpoint == nil {
			log.Error("[HookPenalty] previous checkpoint header is missing", "number", number-epoch)
			return []common.Address{}, errors.New("previous checkpoint header is missing")
		}
		masternodes := adaptor.EngineV1.GetMasternodesFromCheckpointHeader(prevCheckpoint, number, epoch)

		// stats total created block per sealer over the closing epoch; the
		// coinbase of a v1 header is the vote target, the sealer has to be
		// recovered from the seal signature
		statMiners := make(map[common.Address]int)
		for i := number - epoch + 1; i < number; i++ {
			header := chain.GetHeaderByNumber(i)
			if header == nil {
				log.Error("[HookPenalty] header is nil", "number", i)
				return []common.Address{}, errors.New("header is nil")
			}
			miner, err := adaptor.EngineV1.RecoverSigner(header)
			if err != nil {
				log.Error("[HookPenalty] Fail to recover block sealer", "number", i, "err", err)
				return []common.Address{}, err
			}
			statMiners[miner]++
		}

		// add list not miner to penalties; the masternode list keeps the
		// output order stable so checkpoint verification can compare bytes
		penalties := []common.Address{}
		for _, addr := range masternodes {
			total := statMiners[addr]
			if total == 0 {
				log.Info("[HookPenalty] Find a node do not create any block", "addr", addr.Hex())
				penalties = append(penalties, addr)
			} else if total < params.MinimunMinerBlockPerEpoch {
				log.Info("[HookPenalty] Find a node does not create enough block", "addr", addr.Hex(), "total", total, "require", params.MinimunMinerBlockPerEpoch)
				penalties = append(penalties, addr)
			}
		}

		// a node penalised at one of the recent checkpoints stays out unless
		// it proved liveness by signing blocks since
		penComebacks := []common.Address{}
		if number > (params.LimitPenaltyEpoch+1)*epoch {
			seen := map[common.Address]bool{}
			for i := 1; i <= params.LimitPenaltyEpoch; i++ {
				checkpoint := chain.GetHeaderByNumber(number - uint64(i)*epoch)
				if checkpoint == nil || len(checkpoint.Penalties) == 0 {
					continue
				}
				for _, addr := range utils.ExtractAddressFromBytes(checkpoint.Penalties) {
					if !seen[addr] {
						seen[addr] = true
						log.Info("[HookPenalty] get previous penalty node and add into comeback list", "addr", addr)
						penComebacks = append(penComebacks, addr)
					}
				}
			}
		}

		// Loop for each block to check missing sign. with comeback nodes
		if len(penComebacks) > 0 {
			mapBlockHash := map[common.Hash]bool{}
			begin := uint64(1)
			if number > params.RangeReturnSigner {
				begin = number - params.RangeReturnSigner
			}
			for i := begin; i < number; i++ {
				if len(penComebacks) == 0 {
					break
				}
				header := chain.GetHeaderByNumber(i)
				if header == nil {
					log.Error("[HookPenalty] header is nil", "number", i)
					return []common.Address{}, errors.New("header is nil")
				}
				bhash := header.Hash()
				if i%params.MergeSignRange == 0 {
					mapBlockHash[bhash] = true
				}
				signingTxs, ok := adaptor.GetCachedSigningTxs(bhash)
				if !ok {
					block := chain.GetBlock(bhash, i)
					if block == nil {
						log.Error("[HookPenalty] missing block body", "number", i, "hash", bhash.Hex())
						return []common.Address{}, errors.New("block body is missing")
					}
					signingTxs = adaptor.CacheSigningTxs(bhash, block.Transactions())
				}
				// Check signer signed?
				eip155 := types.MakeSigner(chain.Config(), header.Number)
				for _, tx := range signingTxs {
					blkHash := common.BytesToHash(tx.Data()[len(tx.Data())-32:])
					from, err := types.Sender(eip155, tx)
					if err != nil {
						log.Error("[HookPenalty] Fail to recover signing transaction sender", "tx", tx.Hash().Hex(), "err", err)
						return []common.Address{}, err
					}
					if mapBlockHash[blkHash] {
						for j, addr := range penComebacks {
							if from == addr {
								// Remove it from comebacks.
								penComebacks = append(penComebacks[:j], penComebacks[j+1:]...)
								break
							}
						}
					}
				}
			}
		}

		for _, comeback := range penComebacks {
			ok := true
			for _, p := range penalties {
				if p == comeback {
					ok = false
					break
				}
			}
			if ok {
				penalties = append(penalties, comeback)
			}
		}

		for i, p := range penalties {
			log.Info("[HookPenalty] Final penalty list", "index", i, "addr", p)
		}
		log.Info("[HookPenalty] Time Calculated HookPenalty ", "block", number, "time", common.PrettyDuration(time.Since(start)))
		return penalties, nil
	}

	// Hook calculates reward for masternodes
	adaptor.EngineV1.HookReward = func(chain consensus.ChainReader, stateBlock *state.StateDB, parentState *state.StateDB, header *types.Header) (map[string]interface{}, error) {
		number := header.Number.Uint64()
		rCheckpoint := chain.Config().XDPoS.RewardCheckpoint
		foudationWalletAddr := chain.Config().XDPoS.FoudationWalletAddr
		if foudationWalletAddr == (common.Address{}) {
			log.Error("Foundation Wallet Address is empty", "error", foudationWalletAddr)
			return nil, errors.New("foundation wallet address is empty")
		}
		rewards := make(map[string]interface{})
		if number > 0 && number-rCheckpoint > 0 {
			start := time.Now()
			totalSigner := new(uint64)
			signers, err := contracts.GetRewardForCheckpoint(adaptor, chain, header, rCheckpoint, totalSigner)
			log.Debug("Time Get Signers", "block", number, "time", common.PrettyDuration(time.Since(start)))
			if err != nil {
				log.Error("[HookReward] Fail to get signers count for reward checkpoint", "error", err)
				return nil, err
			}
			rewards["signers"] = signers

			chainReward := new(big.Int).Mul(new(big.Int).SetUint64(chain.Config().XDPoS.Reward), new(big.Int).SetUint64(params.Ether))
			rewardSigners, err := contracts.CalculateRewardForSigner(chainReward, signers, *totalSigner)
			if err != nil {
				log.Error("[HookReward] Fail to calculate reward for signers", "error", err)
				return nil, err
			}
			// Add reward for coin holders.
			voterResults := make(map[common.Address]interface{})
			if len(signers) > 0 {
				for signer, calcReward := range rewardSigners {
					holders, err := contracts.CalculateRewardForHolders(foudationWalletAddr, parentState, stateBlock, signer, calcReward)
					if err != nil {
						log.Error("[HookReward] Fail to calculate reward for holders.", "error", err)
						return nil, err
					}
					voterResults[signer] = holders
				}
			}
			rewards["rewards"] = voterResults
			log.Debug("Time Calculated HookReward ", "block", number, "time", common.PrettyDuration(time.Since(start)))
		}
		return rewards, nil
	}
}
