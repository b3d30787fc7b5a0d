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

package contracts

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"golang.org/x/sync/errgroup"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

type rewardLog struct {
	Sign   uint64   `json:"sign"`
	Reward *big.Int `json:"reward"`
}

// RewardEngine is the slice of the consensus engine the checkpoint reward
// scan needs. Signing transactions are expensive to refilter out of block
// bodies so the engine keeps them in an LRU keyed by block hash, and the
// masternode list of a checkpoint header is decoded differently before and
// after the v2 switch.
type RewardEngine interface {
	GetCachedSigningTxs(hash common.Hash) (types.Transactions, bool)
	CacheSigningTxs(hash common.Hash, txs types.Transactions) types.Transactions
	GetMasternodesFromCheckpointHeader(header *types.Header) []common.Address
}

// TxPool is the subset of the transaction pool used to queue this node's own
// signing transactions.
type TxPool interface {
	Nonce(addr common.Address) uint64
	AddLocal(tx *types.Transaction) error
}

// CreateTransactionSign builds the signing transaction for the given block,
// signs it with the first unlocked wallet account and queues it into the
// local pool.
func CreateTransactionSign(chainConfig *params.ChainConfig, pool TxPool, manager *accounts.Manager, block *types.Block) error {
	if chainConfig.XDPoS == nil {
		return nil
	}
	// Find active account.
	account := accounts.Account{}
	var wallet accounts.Wallet
	if wallets := manager.Wallets(); len(wallets) > 0 {
		wallet = wallets[0]
		if accts := wallets[0].Accounts(); len(accts) > 0 {
			account = accts[0]
		}
	}
	if wallet == nil {
		return errors.New("no wallet found to sign the signing transaction with")
	}

	// Create and send tx to smart contract for sign validate block.
	nonce := pool.Nonce(account.Address)
	tx := CreateTxSign(block.Number(), block.Hash(), nonce, params.BlockSigners)
	txSigned, err := wallet.SignTx(account, tx, chainConfig.ChainId)
	if err != nil {
		log.Error("Fail to create tx sign", "error", err)
		return err
	}
	// Add tx signed to local tx pool.
	if err := pool.AddLocal(txSigned); err != nil {
		log.Error("Fail to add tx sign to local pool", "error", err)
		return err
	}

	return nil
}

// CreateTxSign builds the raw signing transaction: the sign method selector
// followed by the signed block's number and hash, both left padded to a word.
func CreateTxSign(blockNumber *big.Int, blockHash common.Hash, nonce uint64, blockSigner common.Address) *types.Transaction {
	data := common.Hex2Bytes(params.HexSignMethod)
	inputData := append(data, common.LeftPadBytes(blockNumber.Bytes(), 32)...)
	inputData = append(inputData, common.LeftPadBytes(blockHash.Bytes(), 32)...)
	tx := types.NewTransaction(nonce, blockSigner, big.NewInt(0), 200000, big.NewInt(0), inputData)

	return tx
}

// IsSigningTransaction reports whether tx is a signing transaction, meaning
// it is addressed to the block signer contract and carries the sign method
// selector plus a block number and a block hash.
func IsSigningTransaction(tx *types.Transaction) bool {
	to := tx.To()
	if to == nil || *to != params.BlockSigners {
		return false
	}
	data := tx.Data()
	if len(data) != 4+32*2 {
		return false
	}

	return bytes.Equal(data[:4], common.Hex2Bytes(params.HexSignMethod))
}

// GetRewardForCheckpoint counts the signing transactions of the finished
// signing window, the rCheckpoint blocks following the checkpoint before the
// previous one. The scan walks the parent linkage of the given checkpoint
// header so it stays on the checkpoint's own chain even when competing forks
// are known, then pulls the signing transactions of every scanned block in
// parallel. A signer is counted at most once per signed block and only while
// it is a member of the masternode list of the previous checkpoint.
func GetRewardForCheckpoint(c RewardEngine, chain consensus.ChainReader, header *types.Header, rCheckpoint uint64, totalSigner *uint64) (map[common.Address]*rewardLog, error) {
	// No reward for the signers of the genesis block, the first window only
	// closes once two checkpoints exist.
	number := header.Number.Uint64()
	if number < rCheckpoint*2 {
		return nil, fmt.Errorf("checkpoint %d has no closed signing window yet", number)
	}
	prevCheckpoint := number - rCheckpoint*2
	startBlockNumber := prevCheckpoint + 1
	endBlockNumber := startBlockNumber + rCheckpoint - 1
	signers := make(map[common.Address]*rewardLog)
	mapBlkHash := map[uint64]common.Hash{}

	scanned := make([]*types.Header, 0, rCheckpoint*2-1)
	for i := number - 1; i >= startBlockNumber; i-- {
		header = chain.GetHeader(header.ParentHash, i)
		if header == nil {
			return nil, fmt.Errorf("ancestor %d of checkpoint %d is missing", i, number)
		}
		mapBlkHash[i] = header.Hash()
		scanned = append(scanned, header)
	}

	// Signing transactions land in the blocks after the one they sign, so
	// every scanned block body is inspected. The per block extraction only
	// touches its own slot and can fan out.
	type signedBy struct {
		blkHashes []common.Hash
		senders   []common.Address
	}
	extracted := make([]signedBy, len(scanned))
	var g errgroup.Group
	for i, h := range scanned {
		i, h := i, h
		g.Go(func() error {
			signingTxs, ok := c.GetCachedSigningTxs(h.Hash())
			if !ok {
				log.Debug("Failed get from cached", "hash", h.Hash().String(), "number", h.Number.Uint64())
				block := chain.GetBlock(h.Hash(), h.Number.Uint64())
				if block == nil {
					return fmt.Errorf("body of block %d %s is missing", h.Number.Uint64(), h.Hash().Hex())
				}
				signingTxs = c.CacheSigningTxs(h.Hash(), block.Transactions())
			}
			eip155 := types.MakeSigner(chain.Config(), h.Number)
			res := signedBy{}
			for _, tx := range signingTxs {
				from, err := types.Sender(eip155, tx)
				if err != nil {
					return fmt.Errorf("recover sender of signing tx %s: %v", tx.Hash().Hex(), err)
				}
				txData := tx.Data()
				res.blkHashes = append(res.blkHashes, common.BytesToHash(txData[len(txData)-32:]))
				res.senders = append(res.senders, from)
			}
			extracted[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	data := make(map[common.Hash][]common.Address)
	for _, res := range extracted {
		for i, blkHash := range res.blkHashes {
			data[blkHash] = append(data[blkHash], res.senders[i])
		}
	}

	header = chain.GetHeader(header.ParentHash, prevCheckpoint)
	if header == nil {
		return nil, fmt.Errorf("previous checkpoint %d of %d is missing", prevCheckpoint, number)
	}
	masternodes := c.GetMasternodesFromCheckpointHeader(header)

	for i := startBlockNumber; i <= endBlockNumber; i++ {
		if i%params.MergeSignRange == 0 || !chain.Config().IsTIPSigning(new(big.Int).SetUint64(i)) {
			addrs := data[mapBlkHash[i]]
			// Filter duplicate address.
			if len(addrs) > 0 {
				addrSigners := make(map[common.Address]bool)
				for _, masternode := range masternodes {
					for _, addr := range addrs {
						if addr == masternode {
							if _, ok := addrSigners[addr]; !ok {
								addrSigners[addr] = true
							}
							break
						}
					}
				}

				for addr := range addrSigners {
					_, exist := signers[addr]
					if exist {
						signers[addr].Sign++
					} else {
						signers[addr] = &rewardLog{1, new(big.Int)}
					}
					*totalSigner++
				}
			}
		}
	}

	log.Info("Calculate reward at checkpoint", "startBlock", startBlockNumber, "endBlock", endBlockNumber)

	return signers, nil
}

// CalculateRewardForSigner splits the checkpoint reward between the signers,
// proportional to how many blocks each one signed.
func CalculateRewardForSigner(chainReward *big.Int, signers map[common.Address]*rewardLog, totalSigner uint64) (map[common.Address]*big.Int, error) {
	resultSigners := make(map[common.Address]*big.Int)
	// Add reward for signers.
	if totalSigner > 0 {
		for signer, rLog := range signers {
			// Add reward for signer.
			calcReward := new(big.Int)
			calcReward.Div(chainReward, new(big.Int).SetUint64(totalSigner))
			calcReward.Mul(calcReward, new(big.Int).SetUint64(rLog.Sign))
			rLog.Reward = calcReward

			resultSigners[signer] = calcReward
		}
	}
	jsonSigners, err := json.Marshal(signers)
	if err != nil {
		log.Error("Fail to parse json signers", "error", err)
		return nil, err
	}
	log.Info("Signers data", "signers", string(jsonSigners), "totalSigner", totalSigner, "totalReward", chainReward)

	return resultSigners, nil
}

// CalculateRewardForHolders credits the signer's share of the checkpoint
// reward into the balances of its beneficiaries. Ownership and voter stakes
// are read from the parent state so that registry changes inside the
// checkpoint block itself cannot influence the split.
func CalculateRewardForHolders(foudationWalletAddr common.Address, parentState RewardState, state RewardState, signer common.Address, calcReward *big.Int) (map[common.Address]*big.Int, error) {
	rewards, err := GetRewardBalancesRate(foudationWalletAddr, parentState, signer, calcReward)
	if err != nil {
		return nil, err
	}
	for holder, reward := range rewards {
		state.AddBalance(holder, reward)
	}

	return rewards, nil
}

// GetRewardBalancesRate splits a signer's reward between the candidate owner,
// the voters and the foundation. The voter share is currently zero rated but
// keeps its pro rata split by stake.
func GetRewardBalancesRate(foudationWalletAddr common.Address, state RewardState, masterAddr common.Address, totalReward *big.Int) (map[common.Address]*big.Int, error) {
	owner := GetCandidateOwner(state, masterAddr)
	balances := make(map[common.Address]*big.Int)
	rewardMaster := new(big.Int).Mul(totalReward, new(big.Int).SetInt64(params.RewardMasterPercent))
	rewardMaster = new(big.Int).Div(rewardMaster, new(big.Int).SetInt64(100))
	balances[owner] = rewardMaster
	// Get voters for masternode.
	voters := GetVoters(state, masterAddr)
	if len(voters) > 0 {
		totalVoterReward := new(big.Int).Mul(totalReward, new(big.Int).SetUint64(params.RewardVoterPercent))
		totalVoterReward = new(big.Int).Div(totalVoterReward, new(big.Int).SetUint64(100))
		totalCap := new(big.Int)
		// Get voters capacities.
		voterCaps := make(map[common.Address]*big.Int)
		for _, voteAddr := range voters {
			voterCap := GetVoterCap(state, masterAddr, voteAddr)
			totalCap.Add(totalCap, voterCap)
			voterCaps[voteAddr] = voterCap
		}
		if totalCap.Cmp(new(big.Int).SetInt64(0)) > 0 {
			for addr, voteCap := range voterCaps {
				// Only valid voter has cap > 0.
				if voteCap.Cmp(new(big.Int).SetInt64(0)) > 0 {
					rcap := new(big.Int).Mul(totalVoterReward, voteCap)
					rcap = new(big.Int).Div(rcap, totalCap)
					if balances[addr] != nil {
						balances[addr].Add(balances[addr], rcap)
					} else {
						balances[addr] = rcap
					}
				}
			}
		}
	}

	foudationReward := new(big.Int).Mul(totalReward, new(big.Int).SetInt64(params.RewardFoundationPercent))
	foudationReward = new(big.Int).Div(foudationReward, new(big.Int).SetInt64(100))
	balances[foudationWalletAddr] = foudationReward

	jsonHolders, err := json.Marshal(balances)
	if err != nil {
		log.Error("Fail to parse json holders", "error", err)
		return nil, err
	}
	log.Info("Holders reward", "holders", string(jsonHolders), "master node", masterAddr.String())

	return balances, nil
}
