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

// Package XDPoS is the adaptor between the chain and the two consensus eras.
// Every engine operation is routed to the round robin era (v1) or the round
// based BFT era (v2) owning the block in question, the switch being a fixed
// block number that is crossed exactly once.
package XDPoS

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rpc"
	lru "github.com/hashicorp/golang-lru"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/engines/engine_v1"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/engines/engine_v2"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/contracts"
	"github.com/XinFinOrg/xdpos-engine/core/stateroot"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

// Number of blocks worth of scanned signing transactions kept in memory. The
// reward hooks re-scan ten epochs at every checkpoint, so the cache has to
// cover at least that.
const signingTxsCacheLimit = 9000

// XDPoS is the multi era delegated proof of stake engine. It owns the caches
// shared between both eras and dispatches every consensus.Engine call to the
// engine in charge of the target block.
type XDPoS struct {
	config *params.XDPoSConfig // Consensus engine configuration parameters
	db     ethdb.Database      // Database to store and retrieve snapshot checkpoints

	// Transactions reporting block signatures, keyed by the hash of the block
	// that carried them. Shared across eras by the reward hooks.
	signingTxsCache *lru.Cache

	// Mapping from header declared state roots to locally computed ones,
	// consulted before rejecting a checkpoint block on a root mismatch.
	rootCache *stateroot.Cache

	EngineV1 *engine_v1.XDPoS_v1
	EngineV2 *engine_v2.XDPoS_v2
}

// New creates an XDPoS consensus engine for the given chain configuration.
func New(chainConfig *params.ChainConfig, db ethdb.Database) *XDPoS {
	config := chainConfig.XDPoS

	signingTxsCache, _ := lru.New(signingTxsCacheLimit)
	rootCache, err := stateroot.NewMemory()
	if err != nil {
		log.Crit("Failed to allocate the state root reconciliation cache", "err", err)
	}
	return &XDPoS{
		config:          config,
		db:              db,
		signingTxsCache: signingTxsCache,
		rootCache:       rootCache,
		EngineV1:        engine_v1.New(config, db),
		EngineV2:        engine_v2.New(chainConfig, db),
	}
}

// OpenStateRootCache swaps the in-memory reconciliation cache for one
// persisted at path, so recorded checkpoint divergences survive restarts.
// Call it before the first block is finalized.
func (x *XDPoS) OpenStateRootCache(path string) error {
	cache, err := stateroot.New(path)
	if err != nil {
		return err
	}
	old := x.rootCache
	x.rootCache = cache
	return old.Close()
}

// StateRootCache exposes the reconciliation cache, mainly so a node can pick
// a resumable pivot after a restart.
func (x *XDPoS) StateRootCache() *stateroot.Cache {
	return x.rootCache
}

// GetDb returns the database the engine stores its snapshots in.
func (x *XDPoS) GetDb() ethdb.Database {
	return x.db
}

// Close flushes the reconciliation cache to disk and releases it.
func (x *XDPoS) Close() error {
	return x.rootCache.Close()
}

// Author implements consensus.Engine, returning the address recovered from
// the seal of the era owning the header.
func (x *XDPoS) Author(header *types.Header) (common.Address, error) {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.Author(header)
	default: // Default "v1"
		return x.EngineV1.Author(header)
	}
}

// VerifyHeader checks whether a header conforms to the consensus rules of the
// era owning it.
func (x *XDPoS) VerifyHeader(chain consensus.ChainReader, header *types.Header, fullVerify bool) error {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.VerifyHeader(chain, header, fullVerify)
	default: // Default "v1"
		return x.EngineV1.VerifyHeader(chain, header, fullVerify)
	}
}

// VerifyHeaders is similar to VerifyHeader, but verifies a batch of headers
// concurrently. A batch crossing the era switch is cut in two so each engine
// only ever sees headers it owns; the two result streams are re-joined in
// input order.
func (x *XDPoS) VerifyHeaders(chain consensus.ChainReader, headers []*types.Header, fullVerifies []bool) (chan<- struct{}, <-chan error) {
	if len(headers) == 0 {
		abort := make(chan struct{})
		results := make(chan error)
		close(results)
		return abort, results
	}

	split := len(headers)
	if x.config.BlockConsensusVersion(headers[0].Number) == params.ConsensusEngineVersion1 {
		for i, header := range headers {
			if x.config.BlockConsensusVersion(header.Number) == params.ConsensusEngineVersion2 {
				split = i
				break
			}
		}
	} else {
		split = 0
	}
	if split == len(headers) {
		return x.EngineV1.VerifyHeaders(chain, headers, fullVerifies)
	}
	if split == 0 {
		return x.EngineV2.VerifyHeaders(chain, headers, fullVerifies)
	}

	abort := make(chan struct{})
	results := make(chan error, len(headers))
	go func() {
		abortV1, resultsV1 := x.EngineV1.VerifyHeaders(chain, headers[:split], fullVerifies[:split])
		abortV2, resultsV2 := x.EngineV2.VerifyHeaders(chain, headers[split:], fullVerifies[split:])
		defer close(abortV1)
		defer close(abortV2)

		for i := 0; i < len(headers); i++ {
			source := resultsV1
			if i >= split {
				source = resultsV2
			}
			select {
			case <-abort:
				return
			case err := <-source:
				results <- err
			}
		}
	}()
	return abort, results
}

// VerifyUncles rejects any block carrying uncles, they are meaningless in
// proof of stake voting.
func (x *XDPoS) VerifyUncles(chain consensus.ChainReader, block *types.Block) error {
	if len(block.Uncles()) > 0 {
		return utils.ErrInvalidUncleHash
	}
	return nil
}

// VerifySeal checks the seal of a header against the masternode set of its
// era.
func (x *XDPoS) VerifySeal(chain consensus.ChainReader, header *types.Header) error {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.VerifySeal(chain, header)
	default: // Default "v1"
		return x.EngineV1.VerifySeal(chain, header)
	}
}

// Prepare initializes the consensus fields of a block header according to the
// rules of the era owning it.
func (x *XDPoS) Prepare(chain consensus.ChainReader, header *types.Header) error {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.Prepare(chain, header)
	default: // Default "v1"
		return x.EngineV1.Prepare(chain, header)
	}
}

// Finalize runs the checkpoint reward hook of the owning era and assembles
// the block on top of the resulting state. When the incoming header already
// declares a state root that disagrees with the locally computed one, the
// reconciliation cache decides whether the divergence is a recorded
// checkpoint artifact or a reason to reject.
func (x *XDPoS) Finalize(chain consensus.ChainReader, header *types.Header, state *state.StateDB, parentState *state.StateDB, txs []*types.Transaction, uncles []*types.Header, receipts []*types.Receipt) (*types.Block, error) {
	declaredRoot := header.Root

	var (
		block *types.Block
		err   error
	)
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		block, err = x.EngineV2.Finalize(chain, header, state, parentState, txs, uncles, receipts)
	default: // Default "v1"
		block, err = x.EngineV1.Finalize(chain, header, state, parentState, txs, uncles, receipts)
	}
	if err != nil {
		return nil, err
	}

	if declaredRoot != (common.Hash{}) && declaredRoot != block.Root() {
		number := header.Number.Uint64()
		checkpoint := x.config.RewardCheckpoint > 0 && number%x.config.RewardCheckpoint == 0
		if _, err := x.rootCache.Reconcile(number, checkpoint, declaredRoot, block.Root()); err != nil {
			return nil, err
		}
	}
	return block, nil
}

// ReconcileStateRoot resolves a state root computed for a block against the
// root its header declares. Divergence is only tolerated at reward
// checkpoints, where the pairing is recorded once and re-affirmed from then
// on.
func (x *XDPoS) ReconcileStateRoot(header *types.Header, computedRoot common.Hash) (common.Hash, error) {
	number := header.Number.Uint64()
	checkpoint := x.config.RewardCheckpoint > 0 && number%x.config.RewardCheckpoint == 0
	return x.rootCache.Reconcile(number, checkpoint, header.Root, computedRoot)
}

// Seal signs the block with the authorised signing key of the owning era.
func (x *XDPoS) Seal(chain consensus.ChainReader, block *types.Block, stop <-chan struct{}) (*types.Block, error) {
	switch x.config.BlockConsensusVersion(block.Number()) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.Seal(chain, block, stop)
	default: // Default "v1"
		return x.EngineV1.Seal(chain, block, stop)
	}
}

// CalcDifficulty returns the difficulty a new block on top of parent should
// carry.
func (x *XDPoS) CalcDifficulty(chain consensus.ChainReader, time uint64, parent *types.Header) *big.Int {
	number := big.NewInt(0).Add(parent.Number, big.NewInt(1))
	switch x.config.BlockConsensusVersion(number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.CalcDifficulty(chain, time, parent)
	default: // Default "v1"
		return x.EngineV1.CalcDifficulty(chain, time, parent)
	}
}

// APIs implements consensus.Engine, returning the user facing RPC API to
// query consensus state.
func (x *XDPoS) APIs(chain consensus.ChainReader) []rpc.API {
	return []rpc.API{{
		Namespace: "XDPoS",
		Version:   "1.0",
		Service:   &API{chain: chain, XDPoS: x},
		Public:    true,
	}}
}

// Authorize injects the private key address and sign function into both era
// engines.
func (x *XDPoS) Authorize(signer common.Address, signFn utils.SignerFn) {
	x.EngineV1.Authorize(signer, signFn)
	x.EngineV2.Authorize(signer, signFn)
}

// YourTurn reports whether the signer is expected to produce the block on top
// of parent.
func (x *XDPoS) YourTurn(chain consensus.ChainReader, parent *types.Header, signer common.Address) (bool, error) {
	number := big.NewInt(0).Add(parent.Number, big.NewInt(1))
	switch x.config.BlockConsensusVersion(number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.YourTurn(chain, parent, signer)
	default: // Default "v1"
		return x.EngineV1.YourTurn(chain, parent, signer)
	}
}

// IsAuthorisedAddress reports whether the address belongs to the masternode
// set in charge of the header's epoch.
func (x *XDPoS) IsAuthorisedAddress(chain consensus.ChainReader, header *types.Header, address common.Address) bool {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.IsAuthorisedAddress(chain, header, address)
	default: // Default "v1"
		for _, masternode := range x.EngineV1.GetMasternodes(chain, header) {
			if masternode == address {
				return true
			}
		}
		return false
	}
}

// GetMasternodes returns the masternode set in charge of the header's epoch.
func (x *XDPoS) GetMasternodes(chain consensus.ChainReader, header *types.Header) []common.Address {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.GetMasternodes(chain, header)
	default: // Default "v1"
		return x.EngineV1.GetMasternodes(chain, header)
	}
}

// GetMasternodesByNumber returns the masternode set in charge of the epoch
// the given block number falls in.
func (x *XDPoS) GetMasternodesByNumber(chain consensus.ChainReader, blockNumber uint64) []common.Address {
	header := chain.GetHeaderByNumber(blockNumber)
	if header == nil {
		log.Warn("[GetMasternodesByNumber] Block not found", "number", blockNumber)
		return []common.Address{}
	}
	return x.GetMasternodes(chain, header)
}

// GetMasternodesFromCheckpointHeader extracts the masternode set recorded in
// a checkpoint or epoch switch header, decoding it with the rules of the era
// that produced the header.
func (x *XDPoS) GetMasternodesFromCheckpointHeader(checkpointHeader *types.Header) []common.Address {
	switch x.config.BlockConsensusVersion(checkpointHeader.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.GetMasternodesFromEpochSwitchHeader(checkpointHeader)
	default: // Default "v1"
		return x.EngineV1.GetMasternodesFromCheckpointHeader(checkpointHeader, checkpointHeader.Number.Uint64(), x.config.Epoch)
	}
}

// UpdateMasternodes records the masternode candidates for the next epoch at
// the gap block. The era owning the upcoming checkpoint decides the snapshot
// format.
func (x *XDPoS) UpdateMasternodes(chain consensus.ChainReader, header *types.Header, ms []utils.Masternode) error {
	number := big.NewInt(0).Add(header.Number, big.NewInt(int64(x.config.Gap)))
	switch x.config.BlockConsensusVersion(number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.UpdateMasternodes(chain, header, ms)
	default: // Default "v1"
		return x.EngineV1.UpdateMasternodes(chain, header, ms)
	}
}

// IsEpochSwitch reports whether the header starts a new epoch, together with
// the epoch number it belongs to.
func (x *XDPoS) IsEpochSwitch(header *types.Header) (bool, uint64) {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.IsEpochSwitch(header)
	default: // Default "v1"
		number := header.Number.Uint64()
		return number%x.config.Epoch == 0, number / x.config.Epoch
	}
}

// GetCurrentEpochSwitchBlock returns the number of the epoch switch block the
// given block number falls under.
func (x *XDPoS) GetCurrentEpochSwitchBlock(chain consensus.ChainReader, blockNumber *big.Int) (uint64, error) {
	switch x.config.BlockConsensusVersion(blockNumber) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.GetCurrentEpochSwitchBlock(chain, blockNumber)
	default: // Default "v1"
		number := blockNumber.Uint64()
		return number - number%x.config.Epoch, nil
	}
}

// GetSnapshot retrieves the consensus state visible at the given header as an
// RPC friendly snapshot.
func (x *XDPoS) GetSnapshot(chain consensus.ChainReader, header *types.Header) (*utils.PublicApiSnapshot, error) {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		snap, err := x.EngineV2.GetSnapshot(chain, header)
		if err != nil {
			return nil, err
		}
		signers := make(map[common.Address]struct{})
		for _, signer := range snap.NextEpochCandidates {
			signers[signer] = struct{}{}
		}
		return &utils.PublicApiSnapshot{
			Number:  snap.Number,
			Hash:    snap.Hash,
			Signers: signers,
		}, nil
	default: // Default "v1"
		snap, err := x.EngineV1.GetSnapshot(chain, header)
		if err != nil {
			return nil, err
		}
		return &utils.PublicApiSnapshot{
			Number:  snap.Number,
			Hash:    snap.Hash,
			Signers: snap.Signers,
			Recents: snap.Recents,
			Votes:   snap.Votes,
			Tally:   snap.Tally,
		}, nil
	}
}

// GetAuthorisedSignersFromSnapshot returns the signers authorised to seal at
// the given header.
func (x *XDPoS) GetAuthorisedSignersFromSnapshot(chain consensus.ChainReader, header *types.Header) ([]common.Address, error) {
	switch x.config.BlockConsensusVersion(header.Number) {
	case params.ConsensusEngineVersion2:
		return x.EngineV2.GetMasternodes(chain, header), nil
	default: // Default "v1"
		snap, err := x.EngineV1.GetSnapshot(chain, header)
		if err != nil {
			return nil, err
		}
		return snap.GetSigners(), nil
	}
}

// CacheSigningTxs records the block signing transactions found in a block
// body, keyed by the block hash, and returns the subset that was cached.
func (x *XDPoS) CacheSigningTxs(hash common.Hash, txs types.Transactions) types.Transactions {
	signingTxs := types.Transactions{}
	for _, tx := range txs {
		if contracts.IsSigningTransaction(tx) {
			signingTxs = append(signingTxs, tx)
		}
	}
	x.signingTxsCache.Add(hash, signingTxs)
	return signingTxs
}

// GetCachedSigningTxs returns the signing transactions previously scanned out
// of the block with the given hash.
func (x *XDPoS) GetCachedSigningTxs(hash common.Hash) (types.Transactions, bool) {
	cached, ok := x.signingTxsCache.Get(hash)
	if !ok {
		return nil, false
	}
	return cached.(types.Transactions), true
}
