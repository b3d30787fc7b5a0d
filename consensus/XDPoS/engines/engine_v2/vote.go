package engine_v2

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// VerifyVoteMessage checks a received vote against the candidate snapshot its
// gap number points at and stamps the recovered signer onto the message.
func (x *XDPoS_v2) VerifyVoteMessage(chain consensus.ChainReader, vote *types.Vote) (bool, error) {
	/*
		1. Check vote round against the current round for fast fail
		2. Get the candidate list from the snapshot the vote's gap number points at
		3. Check the signature against that list and stamp the signer on the vote
	*/
	x.lock.RLock()
	currentRound := x.currentRound
	x.lock.RUnlock()
	if vote.ProposedBlockInfo.Round < currentRound {
		log.Debug("[VerifyVoteMessage] vote round is too far in the past", "voteHash", vote.Hash(), "voteProposedBlockInfoRound", vote.ProposedBlockInfo.Round, "currentRound", currentRound)
		return false, nil
	}

	snapshot, err := x.getSnapshot(chain, vote.GapNumber, true)
	if err != nil {
		log.Error("[VerifyVoteMessage] fail to get snapshot for a vote message", "BlockNum", vote.ProposedBlockInfo.Number, "Hash", vote.ProposedBlockInfo.Hash, "Error", err.Error())
		return false, err
	}
	verified, signer, err := x.verifyMsgSignature(types.VoteSigHash(&types.VoteForSign{
		ProposedBlockInfo: vote.ProposedBlockInfo,
		GapNumber:         vote.GapNumber,
	}), vote.Signature, snapshot.NextEpochCandidates)
	if err != nil {
		for i, mn := range snapshot.NextEpochCandidates {
			log.Warn("[VerifyVoteMessage] candidate list item", "index", i, "address", mn.Hex())
		}
		log.Warn("[VerifyVoteMessage] Error while verifying vote message", "votedBlockNum", vote.ProposedBlockInfo.Number.Uint64(), "votedBlockHash", vote.ProposedBlockInfo.Hash.Hex(), "Error", err.Error())
		return false, err
	}
	vote.SetSigner(signer)

	return verified, nil
}

func (x *XDPoS_v2) VoteHandler(chain consensus.ChainReader, voteMsg *types.Vote) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.voteHandler(chain, voteMsg)
}

func (x *XDPoS_v2) voteHandler(chain consensus.ChainReader, voteMsg *types.Vote) error {
	// Votes are collected for the current round and the one ahead of it, a
	// vote for the next round may beat its proposed block to this node.
	if voteMsg.ProposedBlockInfo.Round != x.currentRound && voteMsg.ProposedBlockInfo.Round != x.currentRound+1 {
		return &utils.ErrIncomingMessageRoundTooFarFromCurrentRound{
			Type:          "vote",
			IncomingRound: voteMsg.ProposedBlockInfo.Round,
			CurrentRound:  x.currentRound,
		}
	}

	if x.votePoolCollectionTime.IsZero() {
		x.votePoolCollectionTime = time.Now()
	}

	// Collect the vote
	numberOfVotesInPool, pooledVotes := x.votePool.Add(voteMsg)
	log.Debug("[voteHandler] collect votes", "number", numberOfVotesInPool)
	go x.ForensicsProcessor.DetectEquivocationInVotePool(voteMsg, x.votePool)
	go x.ForensicsProcessor.ProcessVoteEquivocation(chain, x, voteMsg)

	epochInfo, err := x.getEpochSwitchInfo(chain, nil, voteMsg.ProposedBlockInfo.Hash)
	if err != nil {
		log.Error("[voteHandler] Error when getting epoch switch info", "error", err)
		return fmt.Errorf("fail on voteHandler due to failure in getting epoch switch info")
	}

	certThreshold := x.signatureThreshold(len(epochInfo.Masternodes), voteMsg.ProposedBlockInfo.Round)
	if numberOfVotesInPool >= certThreshold {
		log.Info("Vote pool threshold reached, forming a QC", "voteCount", numberOfVotesInPool, "certThreshold", certThreshold)
		err := x.onVotePoolThresholdReached(chain, pooledVotes, voteMsg, epochInfo.Masternodes, certThreshold)
		if err != nil {
			return err
		}
		elapsed := time.Since(x.votePoolCollectionTime)
		log.Info("[voteHandler] time from the first collected vote to the QC", "elapsed", elapsed)
		x.votePoolCollectionTime = time.Time{}
	}

	return nil
}

// onVotePoolThresholdReached assembles a QC out of the pooled votes once
// their number passes the certificate threshold. Votes from signers that did
// not make it from the candidate snapshot into the epoch's masternode list
// are filtered out here, which may postpone the QC to a later vote.
func (x *XDPoS_v2) onVotePoolThresholdReached(chain consensus.ChainReader, pooledVotes map[common.Hash]types.PoolObj, currentVoteMsg types.PoolObj, masternodes []common.Address, certThreshold int) error {
	signatures := []types.Signature{}
	for h, vote := range pooledVotes {
		v := vote.(*types.Vote)
		if utils.Position(masternodes, v.GetSigner()) != -1 {
			signatures = append(signatures, v.Signature)
		} else {
			log.Warn("[onVotePoolThresholdReached] vote signer is not a masternode of the voted epoch", "voteHash", h.Hex(), "signer", v.GetSigner().Hex())
		}
	}
	// Skip and wait for the next vote to process again if the valid votes are less than what we need
	if len(signatures) < certThreshold {
		log.Warn("[onVotePoolThresholdReached] not enough valid signatures to generate QC", "validSignatures", len(signatures), "certThreshold", certThreshold)
		return nil
	}
	// Generate QC
	vote := currentVoteMsg.(*types.Vote)
	quorumCert := &types.QuorumCert{
		ProposedBlockInfo: vote.ProposedBlockInfo,
		Signatures:        signatures,
		GapNumber:         vote.GapNumber,
	}
	err := x.processQC(chain, quorumCert)
	if err != nil {
		log.Error("Error while processing QC in the vote handler after reaching pool threshold", "error", err.Error())
		return err
	}
	log.Info("🗳 Successfully processed the vote and produced QC", "QcRound", quorumCert.ProposedBlockInfo.Round, "QcNumOfSig", len(quorumCert.Signatures), "QcHash", quorumCert.ProposedBlockInfo.Hash, "QcNumber", quorumCert.ProposedBlockInfo.Number.Uint64())
	return nil
}

/*
	Voting rule, as in HotStuff:
	The block's round equals the local current round, and one of:
	1. the block extends the block the lockQuorumCert points at
	2. the block's QC is for a higher round than the lockQuorumCert's
*/
func (x *XDPoS_v2) verifyVotingRule(blockChainReader consensus.ChainReader, blockInfo *types.BlockInfo, quorumCert *types.QuorumCert) (bool, error) {
	// Make sure this node has not voted for this round
	if x.currentRound <= x.highestVotedRound {
		log.Info("[verifyVotingRule] currentRound is not larger than highestVotedRound", "currentRound", x.currentRound, "highestVotedRound", x.highestVotedRound)
		return false, nil
	}
	if blockInfo.Round != x.currentRound {
		log.Info("[verifyVotingRule] block round does not equal currentRound", "currentRound", x.currentRound, "blockRound", blockInfo.Round)
		return false, nil
	}
	// The beginning of the BFT process, nothing is locked yet
	if x.lockQuorumCert == nil {
		return true, nil
	}

	isExtendedFromAncestor, err := x.isExtendingFromAncestor(blockChainReader, blockInfo, x.lockQuorumCert.ProposedBlockInfo)
	if err != nil {
		return false, err
	}
	if isExtendedFromAncestor || quorumCert.ProposedBlockInfo.Round > x.lockQuorumCert.ProposedBlockInfo.Round {
		return true, nil
	}

	log.Info("[verifyVotingRule] failed to pass the voting rule verification", "lockQuorumCertRound", x.lockQuorumCert.ProposedBlockInfo.Round, "blockInfo", blockInfo)
	return false, nil
}

// sendVote signs a vote for the given block and hands it to the local vote
// handler as well as the broadcast channel.
func (x *XDPoS_v2) sendVote(chainReader consensus.ChainReader, blockInfo *types.BlockInfo) error {
	// 1. Get the gap number the voted block's epoch is served by
	// 2. Sign the vote
	// 3. Update the highest voted round so this round is not voted twice
	// 4. Process the vote locally and broadcast it
	epochSwitchInfo, err := x.getEpochSwitchInfo(chainReader, nil, blockInfo.Hash)
	if err != nil {
		log.Error("[sendVote] getEpochSwitchInfo when sending out vote", "BlockInfoHash", blockInfo.Hash, "Error", err)
		return err
	}

	epochSwitchNumber := epochSwitchInfo.EpochSwitchBlockInfo.Number.Uint64()
	gapNumber := epochSwitchNumber - epochSwitchNumber%x.config.Epoch - x.config.Gap
	// prevent overflow
	if epochSwitchNumber-epochSwitchNumber%x.config.Epoch < x.config.Gap {
		gapNumber = 0
	}

	signedHash, err := x.signSignature(types.VoteSigHash(&types.VoteForSign{
		ProposedBlockInfo: blockInfo,
		GapNumber:         gapNumber,
	}))
	if err != nil {
		log.Error("[sendVote] signSignature when sending out vote", "BlockInfoHash", blockInfo.Hash, "Error", err)
		return err
	}

	x.highestVotedRound = x.currentRound
	voteMsg := &types.Vote{
		ProposedBlockInfo: blockInfo,
		Signature:         signedHash,
		GapNumber:         gapNumber,
	}

	err = x.voteHandler(chainReader, voteMsg)
	if err != nil {
		log.Error("[sendVote] vote handler error", "BlockInfoHash", blockInfo.Hash, "Error", err)
		return err
	}
	x.broadcastToBftChannel(voteMsg)
	return nil
}

// hygieneVotePool drops votes that fell too many rounds behind the current
// round. Runs on its own schedule, not on round changes.
func (x *XDPoS_v2) hygieneVotePool() {
	x.lock.RLock()
	currentRound := x.currentRound
	x.lock.RUnlock()
	votePoolKeys := x.votePool.PoolObjKeysList()

	// Extract the round number from the pool key
	for _, k := range votePoolKeys {
		keyedRound, err := strconv.ParseInt(strings.Split(k, ":")[0], 10, 64)
		if err != nil {
			log.Error("[hygieneVotePool] Error while trying to get keyedRound inside pool", "Error", err)
			continue
		}
		if keyedRound < int64(currentRound)-utils.PoolHygieneRound {
			log.Debug("[hygieneVotePool] cleaned vote pool at round", "Round", keyedRound, "currentRound", currentRound)
			x.votePool.ClearByPoolKey(k)
		}
	}
}
