// Package engine_v2 implements the round based BFT consensus engine that the
// network switched to after the round robin era. Blocks are finalised by
// quorum certificates, liveness is recovered through timeout certificates.
package engine_v2

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/ioutil"
	"math"
	"math/big"
	"path/filepath"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/sync/errgroup"

	"github.com/XinFinOrg/xdpos-engine/common/countdown"
	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

const (
	inmemorySnapshots  = 128  // Number of recent snapshots to keep in memory
	inmemorySignatures = 4096 // Number of recent block signatures to keep in memory
	inmemoryEpochs     = 45   // Number of epoch switch infos to keep in memory
)

type XDPoS_v2 struct {
	chainConfig *params.ChainConfig // Chain & network configuration
	config      *params.XDPoSConfig // Consensus engine configuration parameters
	db          ethdb.Database      // Database to store and retrieve snapshot checkpoints

	isInitilised bool // Flag to make sure the initialisation logic only runs once

	snapshots       *lru.ARCCache // Snapshots for gap blocks
	signatures      *lru.ARCCache // Signatures of recent blocks to speed up mining
	epochSwitches   *lru.ARCCache // infos of epoch: master nodes, epoch switch block info, parent of that block info
	verifiedHeaders *lru.ARCCache // block hashes that already passed the full header verification

	signer   common.Address // Ethereum address of the signing key
	signFn   utils.SignerFn // Signer function to authorize hashes with
	signLock sync.RWMutex   // Protects the signer fields

	BroadcastCh   chan interface{}
	timeoutWorker *countdown.CountdownTimer // Timer to generate broadcast timeout msg if threshold reached
	timeoutCount  int                       // number of timeouts broadcast since the last round change

	timeoutPool            *utils.Pool
	votePool               *utils.Pool
	currentRound           types.Round
	highestVotedRound      types.Round
	highestQuorumCert      *types.QuorumCert
	lockQuorumCert         *types.QuorumCert
	highestTimeoutCert     *types.TimeoutCert
	highestCommitBlock     *types.BlockInfo
	votePoolCollectionTime time.Time

	lock sync.RWMutex // Protects the BFT state above

	HookReward  func(chain consensus.ChainReader, state *state.StateDB, parentState *state.StateDB, header *types.Header) (map[string]interface{}, error)
	HookPenalty func(chain consensus.ChainReader, number *big.Int, parentHash common.Hash, candidates []common.Address) ([]common.Address, error)

	ForensicsProcessor *Forensics
}

func New(chainConfig *params.ChainConfig, db ethdb.Database) *XDPoS_v2 {
	config := chainConfig.XDPoS
	// Setup timeoutTimer
	duration := time.Duration(config.V2.CurrentConfig.TimeoutPeriod) * time.Second
	timeoutTimer := countdown.NewCountDown(duration)

	snapshots, _ := lru.NewARC(inmemorySnapshots)
	signatures, _ := lru.NewARC(inmemorySignatures)
	epochSwitches, _ := lru.NewARC(inmemoryEpochs)
	verifiedHeaders, _ := lru.NewARC(inmemorySnapshots)

	engine := &XDPoS_v2{
		chainConfig: chainConfig,
		config:      config,
		db:          db,

		snapshots:       snapshots,
		signatures:      signatures,
		epochSwitches:   epochSwitches,
		verifiedHeaders: verifiedHeaders,

		timeoutWorker: timeoutTimer,
		BroadcastCh:   make(chan interface{}),

		timeoutPool: utils.NewPool(),
		votePool:    utils.NewPool(),

		highestTimeoutCert: &types.TimeoutCert{
			Round:      types.Round(0),
			Signatures: []types.Signature{},
		},
		highestQuorumCert: &types.QuorumCert{
			ProposedBlockInfo: &types.BlockInfo{
				Hash:   common.Hash{},
				Round:  types.Round(0),
				Number: big.NewInt(0),
			},
			Signatures: []types.Signature{},
			GapNumber:  0,
		},
		highestVotedRound:  types.Round(0),
		highestCommitBlock: nil,

		ForensicsProcessor: NewForensics(),
	}
	// Add callback to the timer
	timeoutTimer.OnTimeoutFn = engine.OnCountdownTimeout

	config.V2.BuildConfigIndex()
	return engine
}

// NewFaker returns an engine with full block validation switched off, for
// testing the machinery around the engine.
func NewFaker(db ethdb.Database, chainConfig *params.ChainConfig) *XDPoS_v2 {
	fakeEngine := New(chainConfig, db)
	fakeEngine.config.V2.SkipV2Validation = true
	return fakeEngine
}

/*
	Testing tools
*/

func (x *XDPoS_v2) SetNewRoundFaker(blockChainReader consensus.ChainReader, newRound types.Round, resetTimer bool) {
	x.lock.Lock()
	defer x.lock.Unlock()
	// Reset a bunch of things
	if resetTimer {
		x.timeoutWorker.Reset(blockChainReader)
	}
	x.currentRound = newRound
}

// for test only
func (x *XDPoS_v2) SetPropertiesFaker(highestQC *types.QuorumCert, highestTC *types.TimeoutCert) {
	x.lock.Lock()
	defer x.lock.Unlock()
	x.highestQuorumCert = highestQC
	x.highestTimeoutCert = highestTC
}

func (x *XDPoS_v2) GetPropertiesFaker() (types.Round, *types.QuorumCert, *types.QuorumCert, *types.TimeoutCert, types.Round, *types.BlockInfo) {
	x.lock.RLock()
	defer x.lock.RUnlock()
	return x.currentRound, x.lockQuorumCert, x.highestQuorumCert, x.highestTimeoutCert, x.highestVotedRound, x.highestCommitBlock
}

func (x *XDPoS_v2) GetVotePoolSizeFaker(vote *types.Vote) int {
	return x.votePool.Size(vote)
}

func (x *XDPoS_v2) GetTimeoutPoolSizeFaker(timeout *types.Timeout) int {
	return x.timeoutPool.Size(timeout)
}

func (x *XDPoS_v2) GetVotePoolKeyListFaker() []string {
	return x.votePool.PoolObjKeysList()
}

func (x *XDPoS_v2) GetTimeoutPoolKeyListFaker() []string {
	return x.timeoutPool.PoolObjKeysList()
}

func (x *XDPoS_v2) HygieneVotePoolFaker() {
	x.hygieneVotePool()
}

func (x *XDPoS_v2) HygieneTimeoutPoolFaker() {
	x.hygieneTimeoutPool()
}

// Initial function will be called once the engine receives its first v2 block
// or prepares its first v2 block, whichever happens earlier.
func (x *XDPoS_v2) initial(chain consensus.ChainReader, header *types.Header) error {
	log.Warn("[initial] initialising v2 related parameters")

	if x.highestQuorumCert.ProposedBlockInfo.Hash != (common.Hash{}) { // already initialised
		log.Error("[initial] Already initialised")
		return nil
	}

	var quorumCert *types.QuorumCert
	var err error

	if header.Number.Cmp(x.config.V2.SwitchBlock) == 0 { // last v1 block
		log.Info("[initial] highest QC for the v2 era switch block", "number", header.Number, "hash", header.Hash())
		blockInfo := &types.BlockInfo{
			Hash:   header.Hash(),
			Round:  types.Round(0),
			Number: header.Number,
		}
		// can not call processQC because round is equal to default
		quorumCert = &types.QuorumCert{
			ProposedBlockInfo: blockInfo,
			Signatures:        nil,
			GapNumber:         header.Number.Uint64() - x.config.Gap,
		}
		x.currentRound = 1
		x.highestQuorumCert = quorumCert
	} else {
		quorumCert, _, _, err = x.getExtraFields(header)
		if err != nil {
			return err
		}
		err = x.processQC(chain, quorumCert)
		if err != nil {
			return err
		}
	}

	// The first v2 snapshot is not produced by the gap block flow, it is
	// derived from the era switch checkpoint once.
	lastGapNum := x.config.V2.SwitchBlock.Uint64() - x.config.Gap
	lastGapHeader := chain.GetHeaderByNumber(lastGapNum)
	if lastGapHeader == nil {
		return fmt.Errorf("can not find the gap block before the era switch, number: %d", lastGapNum)
	}

	snap, _ := loadSnapshot(x.db, lastGapHeader.Hash())
	if snap == nil {
		checkpointHeader := chain.GetHeaderByNumber(x.config.V2.SwitchBlock.Uint64())
		if checkpointHeader == nil {
			return fmt.Errorf("can not find the era switch block, number: %d", x.config.V2.SwitchBlock.Uint64())
		}
		log.Info("[initial] init first snapshot from the era switch checkpoint", "number", checkpointHeader.Number, "gapNumber", lastGapNum)
		masternodes := decodeMasternodesFromHeader(checkpointHeader)
		snap := newSnapshot(lastGapNum, lastGapHeader.Hash(), masternodes)
		err = storeSnapshot(snap, x.db)
		if err != nil {
			log.Error("[initial] Error while storing the first snapshot", "error", err)
			return err
		}
		x.snapshots.Add(snap.Hash, snap)
	}

	// Kick off the countdown timer
	x.timeoutWorker.Reset(chain)
	x.isInitilised = true

	log.Warn("[initial] finished initialisation")
	return nil
}

// UpdateParams picks the config that activates at the header's round and
// re-arms the timeout worker with its timeout period.
func (x *XDPoS_v2) UpdateParams(header *types.Header) {
	_, round, _, err := x.getExtraFields(header)
	if err != nil {
		log.Error("[UpdateParams] retrieve round failed", "blockNum", header.Number, "hash", header.Hash())
		return
	}
	x.config.V2.UpdateConfig(uint64(round))

	duration := time.Duration(x.config.V2.CurrentConfig.TimeoutPeriod) * time.Second
	x.timeoutWorker.SetTimeoutDuration(duration)
}

// Authorize injects a private key into the consensus engine to mint new blocks with.
func (x *XDPoS_v2) Authorize(signer common.Address, signFn utils.SignerFn) {
	x.signLock.Lock()
	defer x.signLock.Unlock()

	x.signer = signer
	x.signFn = signFn
}

// Author retrieves the Ethereum address of the account that validated the given block.
func (x *XDPoS_v2) Author(header *types.Header) (common.Address, error) {
	return ecrecover(header, x.signatures)
}

// IsAuthorisedAddress checks the given address against the masternode list of
// the epoch the header belongs to.
func (x *XDPoS_v2) IsAuthorisedAddress(chain consensus.ChainReader, header *types.Header, address common.Address) bool {
	masterNodes := x.GetMasternodes(chain, header)
	if len(masterNodes) == 0 {
		log.Error("[IsAuthorisedAddress] Fail to find any master nodes from the header's epoch", "Hash", header.Hash(), "Number", header.Number)
		return false
	}
	for _, mn := range masterNodes {
		if mn == address {
			return true
		}
	}
	return false
}

// YourTurn reports whether it is the signer's turn to seal the block on top of
// the given parent at the engine's current round.
func (x *XDPoS_v2) YourTurn(chain consensus.ChainReader, parent *types.Header, signer common.Address) (bool, error) {
	if !x.isInitilised {
		if err := x.initial(chain, parent); err != nil {
			log.Error("[YourTurn] Error while initialising v2 parameters", "ParentBlockHash", parent.Hash(), "Error", err)
			return false, err
		}
	}

	waitedTime := time.Now().Unix() - parent.Time.Int64()
	minePeriod := int64(x.config.V2.CurrentConfig.MinePeriod)
	if waitedTime < minePeriod {
		log.Trace("[YourTurn] wait after mine period", "minePeriod", minePeriod, "waitedTime", waitedTime)
		return false, nil
	}

	x.lock.RLock()
	round := x.currentRound
	x.lock.RUnlock()

	isMyTurn, err := x.checkYourturnWithinFinalisedMasternodes(chain, round, parent, signer)
	if err != nil {
		log.Warn("[YourTurn] Error while checking if the signer is qualified to mine", "round", round, "error", err)
	}
	return isMyTurn, err
}

// Prepare implements consensus.Engine, preparing all the consensus fields of the
// header for running the transactions on top.
func (x *XDPoS_v2) Prepare(chain consensus.ChainReader, header *types.Header) error {
	x.lock.RLock()
	currentRound := x.currentRound
	highestQC := x.highestQuorumCert
	x.lock.RUnlock()

	if header.ParentHash != highestQC.ProposedBlockInfo.Hash {
		log.Warn("[Prepare] parent hash and highest QC hash does not match", "blockNum", header.Number, "QCNumber", highestQC.ProposedBlockInfo.Number, "blockHash", header.ParentHash, "QCHash", highestQC.ProposedBlockInfo.Hash)
		return utils.ErrNotReadyToPropose
	}

	extra := types.ExtraFields_v2{
		Round:      currentRound,
		QuorumCert: highestQC,
	}
	extraBytes, err := extra.EncodeToBytes()
	if err != nil {
		return err
	}
	header.Extra = extraBytes

	header.Nonce = types.BlockNonce{}

	number := header.Number.Uint64()
	parent := chain.GetHeader(header.ParentHash, number-1)
	if parent == nil {
		return consensus.ErrUnknownAncestor
	}
	header.Difficulty = x.calcDifficulty(chain, parent, x.signer)
	log.Debug("[Prepare] calculate difficulty", "number", header.Number, "difficulty", header.Difficulty)

	if isEpochSwitchBlock, _ := x.IsEpochSwitch(header); isEpochSwitchBlock {
		masterNodes, penalties, err := x.calcMasternodes(chain, header.Number, header.ParentHash, currentRound)
		if err != nil {
			return err
		}
		for _, v := range masterNodes {
			header.Validators = append(header.Validators, v[:]...)
		}
		for _, v := range penalties {
			header.Penalties = append(header.Penalties, v[:]...)
		}
	}

	// Mix digest is reserved for now, set to empty
	header.MixDigest = common.Hash{}

	// The earliest slot this round's block may occupy. Proposals ahead of the
	// wall clock are pulled back so importing peers never see future blocks.
	header.Time = big.NewInt(0).Add(parent.Time, big.NewInt(int64(x.config.V2.Config(uint64(currentRound)).MinePeriod)))
	if header.Time.Int64() < time.Now().Unix() {
		header.Time = big.NewInt(time.Now().Unix())
	}

	return nil
}

// Finalize implements consensus.Engine. On epoch switch blocks it runs the
// reward hook against the previous checkpoint era before sealing the state
// root into the header.
func (x *XDPoS_v2) Finalize(chain consensus.ChainReader, header *types.Header, state *state.StateDB, parentState *state.StateDB, txs []*types.Transaction, uncles []*types.Header, receipts []*types.Receipt) (*types.Block, error) {
	isEpochSwitch, _ := x.IsEpochSwitch(header)
	if x.HookReward != nil && isEpochSwitch {
		rewards, err := x.HookReward(chain, state, parentState, header)
		if err != nil {
			return nil, err
		}
		if len(params.StoreRewardFolder) > 0 {
			data, err := json.Marshal(rewards)
			if err == nil {
				err = ioutil.WriteFile(filepath.Join(params.StoreRewardFolder, header.Number.String()+"."+header.Hash().Hex()), data, 0644)
			}
			if err != nil {
				log.Error("Error when save reward info", "number", header.Number, "hash", header.Hash().Hex(), "err", err)
			}
		}
	}

	// The state remains as is and uncles are dropped
	header.Root = state.IntermediateRoot(chain.Config().IsEIP158(header.Number))
	header.UncleHash = types.CalcUncleHash(nil)

	// Assemble and return the final block for sealing
	return types.NewBlock(header, txs, nil, receipts), nil
}

// Seal signs the block with the authorised signing key.
func (x *XDPoS_v2) Seal(chain consensus.ChainReader, block *types.Block, stop <-chan struct{}) (*types.Block, error) {
	header := block.Header()

	// Sealing the genesis block is not supported
	number := header.Number.Uint64()
	if number == 0 {
		return nil, utils.ErrUnknownBlock
	}

	// Don't hold the signFn for the whole sealing procedure
	x.signLock.RLock()
	signer, signFn := x.signer, x.signFn
	x.signLock.RUnlock()

	signature, err := signFn(accounts.Account{Address: signer}, sigHash(header).Bytes())
	if err != nil {
		return nil, err
	}
	header.Validator = signature

	return block.WithSeal(header), nil
}

// VerifySeal checks the Validator seal belongs to a masternode of the
// header's epoch.
func (x *XDPoS_v2) VerifySeal(chain consensus.ChainReader, header *types.Header) error {
	if len(header.Validator) == 0 {
		return consensus.ErrNoValidatorSignatureV2
	}
	masterNodes := x.GetMasternodes(chain, header)
	verified, _, err := x.verifyMsgSignature(sigHash(header), header.Validator, masterNodes)
	if err != nil {
		return err
	}
	if !verified {
		return utils.ErrValidatorNotWithinMasternodes
	}
	return nil
}

/*
	BFT state transitions. All of the functions below are called with x.lock held.
*/

// setNewRound moves the engine to the given round, resets the timeout counter
// and the timeout pool and re-arms the countdown timer. The vote pool is left
// alone: a majority for the new round may already be forming in it, the pool
// hygiene process drops stale entries instead.
func (x *XDPoS_v2) setNewRound(blockChainReader consensus.ChainReader, round types.Round) {
	log.Info("[setNewRound] new round and reset timeout worker and pool", "round", round)
	x.currentRound = round
	x.timeoutCount = 0
	x.timeoutWorker.Reset(blockChainReader)
	x.timeoutPool.Clear()
}

/*
	processQC:
	1. Update highestQuorumCert
	2. Update lockQuorumCert from the QC of the proposed block
	3. Update commit block info
	4. Check QC round >= node's currentRound. If yes, call setNewRound
*/
func (x *XDPoS_v2) processQC(blockChainReader consensus.ChainReader, incomingQuorumCert *types.QuorumCert) error {
	log.Trace("[processQC] process QC", "QCRound", incomingQuorumCert.ProposedBlockInfo.Round, "QCNumber", incomingQuorumCert.ProposedBlockInfo.Number)
	if incomingQuorumCert.ProposedBlockInfo.Round > x.highestQuorumCert.ProposedBlockInfo.Round {
		x.highestQuorumCert = incomingQuorumCert
	}

	proposedBlockHeader := blockChainReader.GetHeaderByHash(incomingQuorumCert.ProposedBlockInfo.Hash)
	if proposedBlockHeader == nil {
		log.Error("[processQC] Block not found using the QC", "QCHash", incomingQuorumCert.ProposedBlockInfo.Hash, "QCNumber", incomingQuorumCert.ProposedBlockInfo.Number)
		return fmt.Errorf("block not found, number: %v, hash: %v", incomingQuorumCert.ProposedBlockInfo.Number, incomingQuorumCert.ProposedBlockInfo.Hash)
	}
	if proposedBlockHeader.Number.Cmp(x.config.V2.SwitchBlock) > 0 {
		// Extract the QC the proposed block carries and use it as the lock
		proposedBlockQuorumCert, round, _, err := x.getExtraFields(proposedBlockHeader)
		if err != nil {
			return err
		}
		if x.lockQuorumCert == nil || proposedBlockQuorumCert.ProposedBlockInfo.Round > x.lockQuorumCert.ProposedBlockInfo.Round {
			x.lockQuorumCert = proposedBlockQuorumCert
		}

		proposedBlockRound := &round
		_, err = x.commitBlocks(blockChainReader, proposedBlockHeader, proposedBlockRound, incomingQuorumCert)
		if err != nil {
			log.Error("[processQC] Fail to commitBlocks", "proposedBlockRound", proposedBlockRound)
			return err
		}
	}
	if incomingQuorumCert.ProposedBlockInfo.Round >= x.currentRound {
		x.setNewRound(blockChainReader, incomingQuorumCert.ProposedBlockInfo.Round+1)
	}
	return nil
}

// Once a TC is formed or received, the engine jumps to the round after it.
func (x *XDPoS_v2) processTC(blockChainReader consensus.ChainReader, timeoutCert *types.TimeoutCert) error {
	if timeoutCert.Round > x.highestTimeoutCert.Round {
		x.highestTimeoutCert = timeoutCert
	}
	if timeoutCert.Round >= x.currentRound {
		x.setNewRound(blockChainReader, timeoutCert.Round+1)
	}
	return nil
}

// commitBlocks applies the three chain commit rule: when the proposed block,
// its parent and its grandparent sit on consecutive rounds, the grandparent is
// final. Returns true if a new commit block was set.
func (x *XDPoS_v2) commitBlocks(blockChainReader consensus.ChainReader, proposedBlockHeader *types.Header, proposedBlockRound *types.Round, incomingQc *types.QuorumCert) (bool, error) {
	// Blocks too close to the era switch don't have two v2 ancestors to check
	if big.NewInt(0).Sub(proposedBlockHeader.Number, big.NewInt(2)).Cmp(x.config.V2.SwitchBlock) <= 0 {
		return false, nil
	}
	// Find the last two ancestors and check their rounds are continuous
	parentBlock := blockChainReader.GetHeaderByHash(proposedBlockHeader.ParentHash)
	if parentBlock == nil {
		return false, fmt.Errorf("parent block not found, hash: %v", proposedBlockHeader.ParentHash)
	}
	_, round, _, err := x.getExtraFields(parentBlock)
	if err != nil {
		log.Error("[commitBlocks] Fail to decode parent extra fields", "ProposedBlockHash", proposedBlockHeader.Hash())
		return false, err
	}
	if *proposedBlockRound-1 != round {
		log.Debug("[commitBlocks] Rounds not continuous(parent)", "proposedBlockRound", proposedBlockRound, "parentRound", round, "proposedBlockHeaderHash", proposedBlockHeader.Hash())
		return false, nil
	}

	grandParentBlock := blockChainReader.GetHeaderByHash(parentBlock.ParentHash)
	if grandParentBlock == nil {
		return false, fmt.Errorf("grand parent block not found, hash: %v", parentBlock.ParentHash)
	}
	_, round, _, err = x.getExtraFields(grandParentBlock)
	if err != nil {
		log.Error("[commitBlocks] Fail to decode grand parent extra fields", "parentBlockHash", parentBlock.Hash())
		return false, err
	}
	if *proposedBlockRound-2 != round {
		log.Debug("[commitBlocks] Rounds not continuous(grand parent)", "proposedBlockRound", proposedBlockRound, "grandParentRound", round, "proposedBlockHeaderHash", proposedBlockHeader.Hash())
		return false, nil
	}

	if x.highestCommitBlock == nil || (x.highestCommitBlock.Round < round && x.highestCommitBlock.Number.Cmp(grandParentBlock.Number) == -1) {
		x.highestCommitBlock = &types.BlockInfo{
			Number: grandParentBlock.Number,
			Hash:   grandParentBlock.Hash(),
			Round:  round,
		}
		log.Debug("Successfully committed block", "committedBlockHash", x.highestCommitBlock.Hash, "committedRound", x.highestCommitBlock.Round)
		// Perform forensics related operation
		headerQcToBeCommitted := []types.Header{*parentBlock, *proposedBlockHeader}
		go x.ForensicsProcessor.ForensicsMonitoring(blockChainReader, x, headerQcToBeCommitted, *incomingQc)
		return true, nil
	}
	// Everything else, fail to commit
	return false, nil
}

// OnCountdownTimeout is the callback the countdown timer fires when a round
// lasts longer than the timeout period. It signs and pools a timeout message,
// and every TimeoutSyncThreshold consecutive timeouts broadcasts a syncInfo
// so lagging peers can catch up with the certificates this node holds.
func (x *XDPoS_v2) OnCountdownTimeout(time time.Time, i interface{}) error {
	x.lock.Lock()
	defer x.lock.Unlock()

	chain := i.(consensus.ChainReader)

	// Check if we are within the master node list
	if !x.allowedToSend(chain, chain.CurrentHeader(), "timeout") {
		return nil
	}

	err := x.sendTimeout(chain)
	if err != nil {
		log.Error("Error while sending out timeout message at time: ", "time", time, "err", err)
		return err
	}

	x.timeoutCount++
	if x.timeoutCount%x.config.V2.CurrentConfig.TimeoutSyncThreshold == 0 {
		log.Warn("[OnCountdownTimeout] timeout sync threshold reached, send syncInfo message")
		syncInfo := x.getSyncInfo()
		x.broadcastToBftChannel(syncInfo)
	}

	return nil
}

// ProposedBlockHandler processes a block arriving over the BFT channel: it
// adopts the QC the block carries and, when the block lands on the current
// round, a masternode that hasn't voted this round checks the voting rule and
// votes for it.
func (x *XDPoS_v2) ProposedBlockHandler(chain consensus.ChainReader, blockHeader *types.Header) error {
	x.lock.Lock()
	defer x.lock.Unlock()

	quorumCert, round, _, err := x.getExtraFields(blockHeader)
	if err != nil {
		return err
	}

	blockInfo := &types.BlockInfo{
		Hash:   blockHeader.Hash(),
		Round:  round,
		Number: blockHeader.Number,
	}
	err = x.processQC(chain, quorumCert)
	if err != nil {
		log.Error("[ProposedBlockHandler] Fail to processQC", "QCRound", quorumCert.ProposedBlockInfo.Round, "QCNumber", quorumCert.ProposedBlockInfo.Number)
		return err
	}

	// Skip voting on a block of another round, processQC above already moved
	// the engine past an outdated block.
	if x.currentRound != round {
		log.Debug("[ProposedBlockHandler] Received block round does not match currentRound, not voting", "round", round, "currentRound", x.currentRound)
		return nil
	}

	if !x.allowedToSend(chain, blockHeader, "vote") {
		return nil
	}

	verified, err := x.verifyVotingRule(chain, blockInfo, quorumCert)
	if err != nil {
		return err
	}
	if verified {
		return x.sendVote(chain, blockInfo)
	}
	log.Info("[ProposedBlockHandler] failed to pass the voting rule verification", "ProposedBlockHash", blockInfo.Hash)

	return nil
}

func (x *XDPoS_v2) getSyncInfo() *types.SyncInfo {
	return &types.SyncInfo{
		HighestQuorumCert:  x.highestQuorumCert,
		HighestTimeoutCert: x.highestTimeoutCert,
	}
}

func (x *XDPoS_v2) broadcastToBftChannel(obj interface{}) {
	go func() {
		x.BroadcastCh <- obj
	}()
}

// Only masternodes of the epoch the chain head belongs to produce BFT traffic.
func (x *XDPoS_v2) allowedToSend(chain consensus.ChainReader, blockHeader *types.Header, sendType string) bool {
	x.signLock.RLock()
	signer := x.signer
	x.signLock.RUnlock()

	masterNodes := x.GetMasternodes(chain, blockHeader)
	for i, mn := range masterNodes {
		if signer == mn {
			log.Debug("[allowedToSend] allowed to send", "sendType", sendType, "MyAddress", signer.Hex(), "indexInMasternodeList", i)
			return true
		}
	}
	log.Debug("[allowedToSend] not in the masternode list, not allowed to send", "sendType", sendType, "MyAddress", signer.Hex())
	return false
}

func (x *XDPoS_v2) signSignature(signingHash common.Hash) (types.Signature, error) {
	// Don't hold the signFn for the whole signing operation
	x.signLock.RLock()
	signer, signFn := x.signer, x.signFn
	x.signLock.RUnlock()

	signedHash, err := signFn(accounts.Account{Address: signer}, signingHash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("error %v while signing hash", err)
	}
	return signedHash, nil
}

func (x *XDPoS_v2) verifyMsgSignature(signedHashToBeVerified common.Hash, signature types.Signature, masternodes []common.Address) (bool, common.Address, error) {
	if len(masternodes) == 0 {
		return false, common.Address{}, errors.New("Empty masternode list detected when verifying message signatures")
	}
	signerAddress, err := utils.RecoverAddressFromSignature(signedHashToBeVerified, signature)
	if err != nil {
		return false, common.Address{}, fmt.Errorf("error while verifying message: %v", err)
	}
	for _, mn := range masternodes {
		if mn == signerAddress {
			return true, signerAddress, nil
		}
	}
	return false, signerAddress, nil
}

// signatureThreshold is the number of valid masternode signatures a
// certificate formed at the given round has to carry.
func (x *XDPoS_v2) signatureThreshold(masternodeCount int, round types.Round) int {
	certThreshold := x.config.V2.Config(uint64(round)).CertThreshold
	return int(math.Ceil(float64(masternodeCount) * certThreshold))
}

// verifyCertSignatures recovers every signature of a certificate in parallel
// and counts the ones produced by distinct masternodes. A signature that can
// not be recovered only invalidates itself, a recovered signer outside the
// masternode list or appearing twice invalidates the whole certificate.
func (x *XDPoS_v2) verifyCertSignatures(signedHash common.Hash, signatures []types.Signature, masternodes []common.Address, threshold int, errInvalid error) error {
	if len(masternodes) == 0 {
		return errors.New("empty masternode list detected when verifying certificate signatures")
	}
	if len(signatures) < threshold {
		log.Warn("[verifyCertSignatures] certificate below signature threshold", "have", len(signatures), "need", threshold)
		return errInvalid
	}

	recovered := make([]common.Address, len(signatures))
	valid := make([]bool, len(signatures))

	var g errgroup.Group
	for i, signature := range signatures {
		i, signature := i, signature
		g.Go(func() error {
			signer, err := utils.RecoverAddressFromSignature(signedHash, signature)
			if err != nil {
				log.Warn("[verifyCertSignatures] unrecoverable signature in certificate", "index", i, "err", err)
				return nil
			}
			if utils.Position(masternodes, signer) == -1 {
				log.Warn("[verifyCertSignatures] certificate signer is not a masternode of its epoch", "signer", signer.Hex())
				return errInvalid
			}
			recovered[i] = signer
			valid[i] = true
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	seen := mapset.NewSet[common.Address]()
	count := 0
	for i := range signatures {
		if !valid[i] {
			continue
		}
		if !seen.Add(recovered[i]) {
			log.Warn("[verifyCertSignatures] duplicated signer in certificate", "signer", recovered[i].Hex())
			return errInvalid
		}
		count++
	}
	if count < threshold {
		log.Warn("[verifyCertSignatures] not enough valid certificate signatures", "have", count, "need", threshold)
		return errInvalid
	}
	return nil
}

func (x *XDPoS_v2) verifyQC(blockChainReader consensus.ChainReader, quorumCert *types.QuorumCert, parentHeader *types.Header) error {
	/*
		1. Check the number of signatures against the certificate threshold
		2. Get epoch master node list by hash
		3. Verify the signer of each signature:
			- Use ecRecover to get the masternode address
			- Check it against the master node list from step 2 (of the received QC epoch)
		4. Verify the gap number and blockInfo against the chain
	*/
	if quorumCert == nil || quorumCert.ProposedBlockInfo == nil {
		log.Warn("[verifyQC] QC is Nil")
		return utils.ErrInvalidQC
	}

	epochInfo, err := x.getEpochSwitchInfo(blockChainReader, parentHeader, quorumCert.ProposedBlockInfo.Hash)
	if err != nil {
		log.Error("[verifyQC] Error when getting epoch switch info to verify QC", "Error", err)
		return fmt.Errorf("fail to verify QC due to failure in getting epoch switch info")
	}

	// The era switch certificate is synthesised locally and carries no
	// signatures, round 0 skips the signature checks.
	qcRound := quorumCert.ProposedBlockInfo.Round
	if qcRound > 0 {
		signedHash := types.VoteSigHash(&types.VoteForSign{
			ProposedBlockInfo: quorumCert.ProposedBlockInfo,
			GapNumber:         quorumCert.GapNumber,
		})
		threshold := x.signatureThreshold(len(epochInfo.Masternodes), qcRound)
		if err := x.verifyCertSignatures(signedHash, quorumCert.Signatures, epochInfo.Masternodes, threshold, utils.ErrInvalidQCSignatures); err != nil {
			log.Warn("[verifyQC] fail to verify QC signatures", "QCNumber", quorumCert.ProposedBlockInfo.Number, "QCsigLength", len(quorumCert.Signatures), "err", err)
			return err
		}
	}

	epochSwitchNumber := epochInfo.EpochSwitchBlockInfo.Number.Uint64()
	gapNumber := epochSwitchNumber - epochSwitchNumber%x.config.Epoch - x.config.Gap
	// prevent overflow
	if epochSwitchNumber-epochSwitchNumber%x.config.Epoch < x.config.Gap {
		gapNumber = 0
	}
	if gapNumber != quorumCert.GapNumber {
		log.Error("[verifyQC] QC gap number mismatch", "epochSwitchNumber", epochSwitchNumber, "BlockNum", quorumCert.ProposedBlockInfo.Number, "BlockInfoHash", quorumCert.ProposedBlockInfo.Hash, "Gap", quorumCert.GapNumber, "GapShouldBe", gapNumber)
		return fmt.Errorf("gap number mismatch QC Gap %d, gap number should be %d", quorumCert.GapNumber, gapNumber)
	}

	return x.verifyBlockInfo(blockChainReader, quorumCert.ProposedBlockInfo, parentHeader)
}

func (x *XDPoS_v2) verifyTC(chain consensus.ChainReader, timeoutCert *types.TimeoutCert) error {
	if timeoutCert == nil || timeoutCert.Signatures == nil {
		log.Warn("[verifyTC] TC or TC signatures is Nil")
		return utils.ErrInvalidTC
	}

	snap, err := x.getSnapshot(chain, timeoutCert.GapNumber, true)
	if err != nil {
		log.Error("[verifyTC] Fail to get snapshot when verifying TC", "TCGapNumber", timeoutCert.GapNumber)
		return fmt.Errorf("fail to get snapshot when verifying TC")
	}
	if snap == nil || len(snap.NextEpochCandidates) == 0 {
		log.Error("[verifyTC] Something wrong with the snapshot from gapNumber", "messageGapNumber", timeoutCert.GapNumber, "snapshot", snap)
		return fmt.Errorf("empty master node lists from snapshot")
	}

	signedHash := types.TimeoutSigHash(&types.TimeoutForSign{
		Round:     timeoutCert.Round,
		GapNumber: timeoutCert.GapNumber,
	})
	threshold := x.signatureThreshold(len(snap.NextEpochCandidates), timeoutCert.Round)
	if err := x.verifyCertSignatures(signedHash, timeoutCert.Signatures, snap.NextEpochCandidates, threshold, utils.ErrInvalidTCSignatures); err != nil {
		log.Warn("[verifyTC] fail to verify TC signatures", "TCRound", timeoutCert.Round, "TCsigLength", len(timeoutCert.Signatures), "err", err)
		return err
	}
	return nil
}

// The block info of a certificate must point at a block the chain already
// holds, with matching number and round.
func (x *XDPoS_v2) verifyBlockInfo(blockChainReader consensus.ChainReader, blockInfo *types.BlockInfo, blockHeader *types.Header) error {
	if blockHeader == nil {
		blockHeader = blockChainReader.GetHeaderByHash(blockInfo.Hash)
		if blockHeader == nil {
			log.Warn("[verifyBlockInfo] No such header in the chain", "BlockInfoHash", blockInfo.Hash.Hex(), "BlockInfoNum", blockInfo.Number, "BlockInfoRound", blockInfo.Round, "currentHeaderNum", blockChainReader.CurrentHeader().Number)
			return fmt.Errorf("[verifyBlockInfo] header doesn't exist for the received blockInfo at hash: %v", blockInfo.Hash.Hex())
		}
	} else {
		// If blockHeader is provided, it shall be consistent with the blockInfo
		if blockInfo.Hash != blockHeader.Hash() {
			log.Warn("[verifyBlockInfo] blockHeader and blockInfo mismatch", "blockInfoHash", blockInfo.Hash.Hex(), "blockHeaderHash", blockHeader.Hash().Hex())
			return fmt.Errorf("[verifyBlockInfo] provided block header does not match what's in the blockInfo")
		}
	}
	if blockHeader.Number.Cmp(blockInfo.Number) != 0 {
		log.Warn("[verifyBlockInfo] block number mismatch", "blockInfoHash", blockInfo.Hash.Hex(), "blockInfoNum", blockInfo.Number, "blockHeaderNum", blockHeader.Number)
		return fmt.Errorf("[verifyBlockInfo] chain header number does not match for the received blockInfo at hash: %v", blockInfo.Hash.Hex())
	}

	// The era switch block is a v1 block, there is no extra field to decode a round from
	if blockInfo.Number.Cmp(x.config.V2.SwitchBlock) == 0 {
		if blockInfo.Round != 0 {
			log.Error("[verifyBlockInfo] era switch block round is not 0", "blockInfoHash", blockInfo.Hash.Hex(), "blockInfoNum", blockInfo.Number, "round", blockInfo.Round)
			return fmt.Errorf("[verifyBlockInfo] era switch block round have to be 0")
		}
		return nil
	}
	_, round, _, err := x.getExtraFields(blockHeader)
	if err != nil {
		log.Error("[verifyBlockInfo] fail to decode extra field", "blockInfoHash", blockInfo.Hash.Hex(), "blockInfoNum", blockInfo.Number, "blockHeaderNum", blockHeader.Number)
		return err
	}
	if round != blockInfo.Round {
		log.Warn("[verifyBlockInfo] round mismatch", "blockInfoHash", blockInfo.Hash.Hex(), "blockInfoNum", blockInfo.Number, "blockInfoRound", blockInfo.Round, "blockHeaderNum", blockHeader.Number, "blockRound", round)
		return fmt.Errorf("[verifyBlockInfo] chain header round does not match for the received blockInfo at hash: %v", blockInfo.Hash.Hex())
	}
	return nil
}
