package engine_v2

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"reflect"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

const (
	NUM_OF_FORENSICS_QC = 3
)

// Forensics tracks the three most recently committed quorum certs and checks
// every incoming QC and vote against them. Whenever two conflicting QCs or two
// conflicting votes from the same signer are found, a proof is published on the
// forensics feed for subscribers to report.
type Forensics struct {
	HighestCommittedQCs []types.QuorumCert
	forensicsFeed       event.Feed
	scope               event.SubscriptionScope
}

func NewForensics() *Forensics {
	return &Forensics{}
}

// SubscribeForensicsEvent registers a subscription of ForensicsEvent and
// starts sending event to the given channel.
func (f *Forensics) SubscribeForensicsEvent(ch chan<- types.ForensicsEvent) event.Subscription {
	return f.scope.Track(f.forensicsFeed.Subscribe(ch))
}

// ForensicsMonitoring is called on every commit. It first checks the incoming
// QC against the stored committed QCs, then rolls the committed window forward.
func (f *Forensics) ForensicsMonitoring(chain consensus.ChainReader, engine *XDPoS_v2, committedHeaders []types.Header, incomingQC types.QuorumCert) error {
	f.ProcessForensics(chain, engine, incomingQC)
	return f.SetCommittedQCs(committedHeaders, incomingQC)
}

// SetCommittedQCs stores the committed QC window. Headers arrive from
// grandparent to parent, so together with the incoming QC the stored list reads
// [hcqc1, hcqc2, hcqc3] in ascending order.
func (f *Forensics) SetCommittedQCs(headers []types.Header, incomingQC types.QuorumCert) error {
	if len(headers) != NUM_OF_FORENSICS_QC-1 {
		log.Error("[SetCommittedQCs] Received input length not equal to 2", "len", len(headers))
		return errors.New("received headers length not equal to 2")
	}

	var committedQCs []types.QuorumCert
	for i, h := range headers {
		var decodedExtraField types.ExtraFields_v2
		err := utils.DecodeBytesExtraFields(h.Extra, &decodedExtraField)
		if err != nil {
			log.Error("[SetCommittedQCs] Fail to decode extra when committing QC to forensics", "err", err, "index", i)
			return err
		}
		if i != 0 {
			if decodedExtraField.QuorumCert.ProposedBlockInfo.Hash != headers[i-1].Hash() {
				log.Error("[SetCommittedQCs] Headers shall be on the same chain and in the right order", "parentHash", h.ParentHash.Hex(), "headers[i-1].Hash()", headers[i-1].Hash().Hex())
				return errors.New("headers shall be on the same chain and in the right order")
			} else if i == len(headers)-1 {
				// The last header shall be pointed to by the incoming QC.
				if incomingQC.ProposedBlockInfo.Hash != h.Hash() {
					log.Error("[SetCommittedQCs] incomingQc is not pointing at the last header received", "hash", h.Hash().Hex(), "incomingQC.ProposedBlockInfo.Hash", incomingQC.ProposedBlockInfo.Hash.Hex())
					return errors.New("incomingQc is not pointing at the last header received")
				}
			}
		}

		committedQCs = append(committedQCs, *decodedExtraField.QuorumCert)
	}
	f.HighestCommittedQCs = append(committedQCs, incomingQC)
	return nil
}

// ProcessForensics is the entry point for QC forensics, triggered once a QC is
// processed successfully. It runs in its own goroutine as it is not critical to
// consensus itself.
func (f *Forensics) ProcessForensics(chain consensus.ChainReader, engine *XDPoS_v2, incomingQC types.QuorumCert) error {
	log.Debug("Received a QC in forensics", "QC", incomingQC)
	// Clone the values to a temporary variable
	highestCommittedQCs := f.HighestCommittedQCs
	if len(highestCommittedQCs) != NUM_OF_FORENSICS_QC {
		log.Error("[ProcessForensics] HighestCommittedQCs value not set", "incomingQcProposedBlockHash", incomingQC.ProposedBlockInfo.Hash, "incomingQcProposedBlockNumber", incomingQC.ProposedBlockInfo.Number.Uint64(), "incomingQcProposedBlockRound", incomingQC.ProposedBlockInfo.Round)
		return errors.New("HighestCommittedQCs value not set")
	}
	// Find the QC1 and QC2. We only care about the two parents in front of the
	// incomingQC. The returned value contains QC1, QC2 and QC3 (the incomingQC).
	incomingQuorumCerts, err := f.findAncestorQCs(chain, incomingQC, 2)
	if err != nil {
		return err
	}
	isOnTheChain, err := f.checkQCsOnTheSameChain(chain, highestCommittedQCs, incomingQuorumCerts)
	if err != nil {
		return err
	}
	if isOnTheChain {
		log.Debug("[ProcessForensics] Passed forensics checking, nothing suspicious to be reported", "incomingQcProposedBlockHash", incomingQC.ProposedBlockInfo.Hash, "incomingQcProposedBlockNumber", incomingQC.ProposedBlockInfo.Number.Uint64(), "incomingQcProposedBlockRound", incomingQC.ProposedBlockInfo.Round)
		return nil
	}
	// The incoming QC conflicts with the committed chain. First look for a QC
	// pair sharing the same round, that is the cheapest proof to produce.
	foundSameRoundQC, sameRoundHCQC, sameRoundQC := f.findQCsInSameRound(highestCommittedQCs, incomingQuorumCerts)

	if foundSameRoundQC {
		f.SendForensicProof(chain, engine, sameRoundHCQC, sameRoundQC)
	} else {
		// No same-round pair, walk the higher round set back to the first QC
		// below the lower round set and report that pair.
		ancestorQC, lowerRoundQCs, _, err := f.findAncestorQcThroughRound(chain, highestCommittedQCs, incomingQuorumCerts)
		if err != nil {
			log.Error("[ProcessForensics] Error while trying to find ancestor QC through round number", "err", err)
			return err
		}
		f.SendForensicProof(chain, engine, ancestorQC, lowerRoundQCs[NUM_OF_FORENSICS_QC-1])
	}

	return nil
}

// SendForensicProof assembles the proof for two conflicting QCs and publishes
// it on the forensics feed.
func (f *Forensics) SendForensicProof(chain consensus.ChainReader, engine *XDPoS_v2, firstQc types.QuorumCert, secondQc types.QuorumCert) error {
	// Re-order the QCs by round number to make the function cleaner.
	lowerRoundQC := firstQc
	higherRoundQC := secondQc

	if secondQc.ProposedBlockInfo.Round < firstQc.ProposedBlockInfo.Round {
		lowerRoundQC = secondQc
		higherRoundQC = firstQc
	}

	ancestorHash, ancestorToLowerRoundPath, ancestorToHigherRoundPath, err := f.FindAncestorBlockHash(chain, lowerRoundQC.ProposedBlockInfo, higherRoundQC.ProposedBlockInfo)
	if err != nil {
		log.Error("[SendForensicProof] Error while trying to find ancestor block hash", "err", err)
		return err
	}

	// Check if the two QCs span an epoch switch, an indicator for the scenario
	// most prone to attack.
	lowerRoundQcEpochSwitchInfo, err := engine.getEpochSwitchInfo(chain, nil, lowerRoundQC.ProposedBlockInfo.Hash)
	if err != nil {
		log.Error("[SendForensicProof] Error while trying to find lowerRoundQcEpochSwitchInfo", "lowerRoundQC.ProposedBlockInfo.Hash", lowerRoundQC.ProposedBlockInfo.Hash, "err", err)
		return err
	}
	higherRoundQcEpochSwitchInfo, err := engine.getEpochSwitchInfo(chain, nil, higherRoundQC.ProposedBlockInfo.Hash)
	if err != nil {
		log.Error("[SendForensicProof] Error while trying to find higherRoundQcEpochSwitchInfo", "higherRoundQC.ProposedBlockInfo.Hash", higherRoundQC.ProposedBlockInfo.Hash, "err", err)
		return err
	}
	acrossEpochs := lowerRoundQcEpochSwitchInfo.EpochSwitchBlockInfo.Hash != higherRoundQcEpochSwitchInfo.EpochSwitchBlockInfo.Hash

	ancestorBlock := chain.GetHeaderByHash(ancestorHash)
	if ancestorBlock == nil {
		log.Error("[SendForensicProof] Unable to find the ancestor block by its hash", "Hash", ancestorHash)
		return errors.New("can't find ancestor block via hash")
	}

	content, err := json.Marshal(&types.ForensicsContent{
		DivergingBlockHash:   ancestorHash.Hex(),
		AcrossEpoch:          acrossEpochs,
		DivergingBlockNumber: ancestorBlock.Number.Uint64(),
		SmallerRoundInfo: &types.ForensicsInfo{
			HashPath:        ancestorToLowerRoundPath,
			QuorumCert:      lowerRoundQC,
			SignerAddresses: f.getQcSignerAddresses(lowerRoundQC),
		},
		LargerRoundInfo: &types.ForensicsInfo{
			HashPath:        ancestorToHigherRoundPath,
			QuorumCert:      higherRoundQC,
			SignerAddresses: f.getQcSignerAddresses(higherRoundQC),
		},
	})
	if err != nil {
		log.Error("[SendForensicProof] fail to json stringify forensics content", "err", err)
		return err
	}

	forensicsProof := &types.ForensicProof{
		Id:            generateForensicsId(ancestorHash.Hex(), &lowerRoundQC, &higherRoundQC),
		ForensicsType: "QC",
		Content:       string(content),
	}
	log.Info("Forensics proof report generated, sending to the stats server", "forensicsProof", forensicsProof)
	go f.forensicsFeed.Send(types.ForensicsEvent{ForensicsProof: forensicsProof})
	return nil
}

// findAncestorQCs finds the n-th previous QCs by walking the headers each QC
// points to. It returns the QCs in ascending order with currentQc as the last
// item.
func (f *Forensics) findAncestorQCs(chain consensus.ChainReader, currentQc types.QuorumCert, distanceFromCurrentQc int) ([]types.QuorumCert, error) {
	var quorumCerts []types.QuorumCert
	quorumCertificate := currentQc
	quorumCerts = append(quorumCerts, quorumCertificate)
	for i := 0; i < distanceFromCurrentQc; i++ {
		parentHash := quorumCertificate.ProposedBlockInfo.Hash
		parentHeader := chain.GetHeaderByHash(parentHash)
		if parentHeader == nil {
			log.Error("[findAncestorQCs] Forensics findAncestorQCs unable to find its parent block header", "ParentHash", parentHash.Hex())
			return nil, errors.New("unable to find parent block header in forensics")
		}
		var decodedExtraField types.ExtraFields_v2
		err := utils.DecodeBytesExtraFields(parentHeader.Extra, &decodedExtraField)
		if err != nil {
			log.Error("[findAncestorQCs] Error while trying to decode from parent block extra", "BlockNum", parentHeader.Number.Int64(), "ParentHash", parentHash.Hex())
			return nil, err
		}
		quorumCertificate = *decodedExtraField.QuorumCert
		quorumCerts = append(quorumCerts, quorumCertificate)
	}
	// The quorumCerts are in reverse order, flip them.
	var quorumCertsInAscendingOrder []types.QuorumCert
	for i := len(quorumCerts) - 1; i >= 0; i-- {
		quorumCertsInAscendingOrder = append(quorumCertsInAscendingOrder, quorumCerts[i])
	}
	return quorumCertsInAscendingOrder, nil
}

// checkQCsOnTheSameChain checks whether the two provided QC sets belong to the
// same canonical chain.
func (f *Forensics) checkQCsOnTheSameChain(chain consensus.ChainReader, highestCommittedQCs []types.QuorumCert, incomingQCandItsParents []types.QuorumCert) (bool, error) {
	// Re-order the two sets of QCs by block number.
	lowerBlockNumQCs := highestCommittedQCs
	higherBlockNumQCs := incomingQCandItsParents
	if incomingQCandItsParents[0].ProposedBlockInfo.Number.Cmp(highestCommittedQCs[0].ProposedBlockInfo.Number) == -1 {
		lowerBlockNumQCs = incomingQCandItsParents
		higherBlockNumQCs = highestCommittedQCs
	}

	proposedBlockInfo := higherBlockNumQCs[0].ProposedBlockInfo
	for i := 0; i < int((big.NewInt(0).Sub(higherBlockNumQCs[0].ProposedBlockInfo.Number, lowerBlockNumQCs[0].ProposedBlockInfo.Number)).Int64()); i++ {
		parentHeader := chain.GetHeaderByHash(proposedBlockInfo.Hash)
		if parentHeader == nil {
			log.Error("[checkQCsOnTheSameChain] Unable to find the block by QC hash", "Hash", proposedBlockInfo.Hash)
			return false, errors.New("unable to find block when walking down the QC chain")
		}
		var decodedExtraField types.ExtraFields_v2
		err := utils.DecodeBytesExtraFields(parentHeader.Extra, &decodedExtraField)
		if err != nil {
			log.Error("[checkQCsOnTheSameChain] Fail to decode extra when checking the two QCs set on the same chain", "err", err)
			return false, err
		}
		proposedBlockInfo = decodedExtraField.QuorumCert.ProposedBlockInfo
	}
	// The walk must land on the blockInfo the lower set starts from.
	if reflect.DeepEqual(proposedBlockInfo, lowerBlockNumQCs[0].ProposedBlockInfo) {
		return true, nil
	}

	return false, nil
}

// findQCsInSameRound scans the two QC sets for a pair sharing the same round.
func (f *Forensics) findQCsInSameRound(quorumCerts1 []types.QuorumCert, quorumCerts2 []types.QuorumCert) (bool, types.QuorumCert, types.QuorumCert) {
	for _, quorumCert1 := range quorumCerts1 {
		for _, quorumCert2 := range quorumCerts2 {
			if quorumCert1.ProposedBlockInfo.Round == quorumCert2.ProposedBlockInfo.Round {
				return true, quorumCert1, quorumCert2
			}
		}
	}
	return false, types.QuorumCert{}, types.QuorumCert{}
}

// getQcSignerAddresses recovers the signer list from the QC signatures.
func (f *Forensics) getQcSignerAddresses(quorumCert types.QuorumCert) []string {
	signerList := make([]string, 0, len(quorumCert.Signatures))

	// QC signatures are signed over the vote digest struct.
	quorumCertSignedHash := types.VoteSigHash(&types.VoteForSign{
		ProposedBlockInfo: quorumCert.ProposedBlockInfo,
		GapNumber:         quorumCert.GapNumber,
	})
	for _, signature := range quorumCert.Signatures {
		signerAddress, err := utils.RecoverAddressFromSignature(quorumCertSignedHash, signature)
		if err != nil {
			log.Error("[getQcSignerAddresses] Fail to recover signer from the quorumCertSignedHash", "quorumCert.GapNumber", quorumCert.GapNumber, "quorumCert.ProposedBlockInfo", quorumCert.ProposedBlockInfo)
			continue
		}
		signerList = append(signerList, signerAddress.Hex())
	}
	return signerList
}

// findAncestorQcThroughRound walks the higher round QC set back through rounds
// until it passes below the highest round of the lower set, yielding the QC
// pair that diverged.
func (f *Forensics) findAncestorQcThroughRound(chain consensus.ChainReader, highestCommittedQCs []types.QuorumCert, incomingQCandItsParents []types.QuorumCert) (types.QuorumCert, []types.QuorumCert, []types.QuorumCert, error) {
	// Re-order the two sets of QCs by round number.
	lowerRoundQCs := highestCommittedQCs
	higherRoundQCs := incomingQCandItsParents
	if incomingQCandItsParents[0].ProposedBlockInfo.Round < highestCommittedQCs[0].ProposedBlockInfo.Round {
		lowerRoundQCs = incomingQCandItsParents
		higherRoundQCs = highestCommittedQCs
	}

	// Walk back from higherRoundQCs[0] until the parent QC round drops below
	// the round of lowerRoundQCs3.
	ancestorQC := higherRoundQCs[0]
	for ancestorQC.ProposedBlockInfo.Round >= lowerRoundQCs[NUM_OF_FORENSICS_QC-1].ProposedBlockInfo.Round {
		proposedBlock := chain.GetHeaderByHash(ancestorQC.ProposedBlockInfo.Hash)
		if proposedBlock == nil {
			log.Error("[findAncestorQcThroughRound] Unable to find the block by QC hash", "Hash", ancestorQC.ProposedBlockInfo.Hash)
			return ancestorQC, lowerRoundQCs, higherRoundQCs, errors.New("unable to find block when walking down the QC rounds")
		}
		var decodedExtraField types.ExtraFields_v2
		err := utils.DecodeBytesExtraFields(proposedBlock.Extra, &decodedExtraField)
		if err != nil {
			log.Error("[findAncestorQcThroughRound] Error while trying to decode extra field", "ProposedBlockInfo.Hash", ancestorQC.ProposedBlockInfo.Hash)
			return ancestorQC, lowerRoundQCs, higherRoundQCs, err
		}
		if decodedExtraField.QuorumCert.ProposedBlockInfo.Round < lowerRoundQCs[NUM_OF_FORENSICS_QC-1].ProposedBlockInfo.Round {
			return ancestorQC, lowerRoundQCs, higherRoundQCs, nil
		}
		ancestorQC = *decodedExtraField.QuorumCert
	}
	return ancestorQC, lowerRoundQCs, higherRoundQCs, errors.New("could not find ancestor QC")
}

// FindAncestorBlockHash finds the common ancestor of the two given blocks and
// returns the hash paths from the ancestor to each of them.
func (f *Forensics) FindAncestorBlockHash(chain consensus.ChainReader, firstBlockInfo *types.BlockInfo, secondBlockInfo *types.BlockInfo) (common.Hash, []string, []string, error) {
	// Re-arrange by block number.
	lowerBlockNumHash := firstBlockInfo.Hash
	higherBlockNumberHash := secondBlockInfo.Hash

	var lowerBlockNumToAncestorHashPath []string
	var higherBlockToAncestorNumHashPath []string
	orderSwapped := false

	blockNumberDifference := big.NewInt(0).Sub(secondBlockInfo.Number, firstBlockInfo.Number).Int64()
	if blockNumberDifference < 0 {
		lowerBlockNumHash = secondBlockInfo.Hash
		higherBlockNumberHash = firstBlockInfo.Hash
		blockNumberDifference = -blockNumberDifference
		orderSwapped = true
	}
	lowerBlockNumToAncestorHashPath = append(lowerBlockNumToAncestorHashPath, lowerBlockNumHash.Hex())
	higherBlockToAncestorNumHashPath = append(higherBlockToAncestorNumHashPath, higherBlockNumberHash.Hex())

	// First bring both sides onto the same block number.
	for i := 0; i < int(blockNumberDifference); i++ {
		ph := chain.GetHeaderByHash(higherBlockNumberHash)
		if ph == nil {
			return common.Hash{}, lowerBlockNumToAncestorHashPath, higherBlockToAncestorNumHashPath, fmt.Errorf("unable to find parent block of hash %v", higherBlockNumberHash)
		}
		higherBlockNumberHash = ph.ParentHash
		higherBlockToAncestorNumHashPath = append(higherBlockToAncestorNumHashPath, ph.ParentHash.Hex())
	}

	// Now both sides are level, walk them down together until they meet.
	for lowerBlockNumHash != higherBlockNumberHash {
		lowerBlockHeader := chain.GetHeaderByHash(lowerBlockNumHash)
		higherBlockHeader := chain.GetHeaderByHash(higherBlockNumberHash)
		if lowerBlockHeader == nil || higherBlockHeader == nil {
			return common.Hash{}, lowerBlockNumToAncestorHashPath, higherBlockToAncestorNumHashPath, errors.New("unable to find parent block while walking for the common ancestor")
		}
		lowerBlockNumHash = lowerBlockHeader.ParentHash
		higherBlockNumberHash = higherBlockHeader.ParentHash
		lowerBlockNumToAncestorHashPath = append(lowerBlockNumToAncestorHashPath, lowerBlockNumHash.Hex())
		higherBlockToAncestorNumHashPath = append(higherBlockToAncestorNumHashPath, higherBlockNumberHash.Hex())
	}

	// Reverse the lists, the paths run from the ancestor outwards.
	ancestorToLowerBlockNumHashPath := reverse(lowerBlockNumToAncestorHashPath)
	ancestorToHigherBlockNumHashPath := reverse(higherBlockToAncestorNumHashPath)
	// Swap back so the returned paths match the order of the parameters.
	if orderSwapped {
		return lowerBlockNumHash, ancestorToHigherBlockNumHashPath, ancestorToLowerBlockNumHashPath, nil
	}
	return lowerBlockNumHash, ancestorToLowerBlockNumHashPath, ancestorToHigherBlockNumHashPath, nil
}

func generateForensicsId(divergingHash string, qc1 *types.QuorumCert, qc2 *types.QuorumCert) string {
	keysList := []string{divergingHash, qc1.ProposedBlockInfo.Hash.Hex(), qc2.ProposedBlockInfo.Hash.Hex()}
	return strings.Join(keysList[:], ":")
}

func reverse(ss []string) []string {
	last := len(ss) - 1
	for i := 0; i < len(ss)/2; i++ {
		ss[i], ss[last-i] = ss[last-i], ss[i]
	}
	return ss
}

func generateVoteEquivocationId(signer common.Address, round1, round2 types.Round) string {
	return fmt.Sprintf("%x:%d:%d", signer, round1, round2)
}

// ProcessVoteEquivocation is the entry point for vote equivocation detection,
// triggered once a vote is handled successfully. It runs in its own goroutine
// as it is not critical to consensus itself.
func (f *Forensics) ProcessVoteEquivocation(chain consensus.ChainReader, engine *XDPoS_v2, incomingVote *types.Vote) error {
	log.Debug("Received a vote in forensics", "vote", incomingVote)
	// Clone the values to a temporary variable
	highestCommittedQCs := f.HighestCommittedQCs
	if len(highestCommittedQCs) != NUM_OF_FORENSICS_QC {
		log.Error("[ProcessVoteEquivocation] HighestCommittedQCs value not set", "incomingVoteProposedBlockHash", incomingVote.ProposedBlockInfo.Hash, "incomingVoteProposedBlockNumber", incomingVote.ProposedBlockInfo.Number.Uint64(), "incomingVoteProposedBlockRound", incomingVote.ProposedBlockInfo.Round)
		return errors.New("HighestCommittedQCs value not set")
	}
	if incomingVote.ProposedBlockInfo.Round < highestCommittedQCs[NUM_OF_FORENSICS_QC-1].ProposedBlockInfo.Round {
		log.Debug("Received a too old vote in forensics", "vote", incomingVote)
		return nil
	}
	// Is the vote extending the committed chain?
	isOnTheChain, err := f.isExtendingFromAncestor(chain, incomingVote.ProposedBlockInfo, highestCommittedQCs[0].ProposedBlockInfo)
	if err != nil {
		return err
	}
	if isOnTheChain {
		log.Debug("[ProcessVoteEquivocation] Passed forensics checking, nothing suspicious to be reported", "incomingVoteProposedBlockHash", incomingVote.ProposedBlockInfo.Hash, "incomingVoteProposedBlockNumber", incomingVote.ProposedBlockInfo.Number.Uint64(), "incomingVoteProposedBlockRound", incomingVote.ProposedBlockInfo.Round)
		return nil
	}
	isVoteBlamed, parentQC, err := f.isVoteBlamed(chain, highestCommittedQCs, incomingVote)
	if err != nil {
		log.Error("[ProcessVoteEquivocation] Error while trying to call isVoteBlamed", "error", err)
		return err
	}
	if isVoteBlamed {
		signer, err := GetVoteSignerAddresses(incomingVote)
		if err != nil {
			log.Error("[ProcessVoteEquivocation] GetVoteSignerAddresses", "error", err)
			return err
		}
		// Look for a committed vote by the same signer, the pair is the proof.
		qc := highestCommittedQCs[NUM_OF_FORENSICS_QC-1]
		for _, signature := range qc.Signatures {
			voteFromQC := &types.Vote{ProposedBlockInfo: qc.ProposedBlockInfo, Signature: signature, GapNumber: qc.GapNumber}
			signerFromQC, err := GetVoteSignerAddresses(voteFromQC)
			if err != nil {
				log.Error("[ProcessVoteEquivocation] GetVoteSignerAddresses", "error", err)
				return err
			}
			if signerFromQC == signer {
				f.SendVoteEquivocationProof(incomingVote, voteFromQC, signer)
				break
			}
		}
		// If no same-signer vote is found there is nothing to report.
	} else {
		// Not blamable on its own, run QC forensics on its parent QC instead.
		f.ProcessForensics(chain, engine, *parentQC)
	}

	return nil
}

func (f *Forensics) isExtendingFromAncestor(blockChainReader consensus.ChainReader, currentBlock *types.BlockInfo, ancestorBlock *types.BlockInfo) (bool, error) {
	blockNumDiff := int(big.NewInt(0).Sub(currentBlock.Number, ancestorBlock.Number).Int64())

	nextBlockHash := currentBlock.Hash
	for i := 0; i < blockNumDiff; i++ {
		parentBlock := blockChainReader.GetHeaderByHash(nextBlockHash)
		if parentBlock == nil {
			return false, fmt.Errorf("could not find its parent block when checking whether currentBlock %v with hash %v is extending from the ancestorBlock %v", currentBlock.Number, currentBlock.Hash, ancestorBlock.Number)
		} else {
			nextBlockHash = parentBlock.ParentHash
		}
		log.Debug("[isExtendingFromAncestor] Found parent block", "CurrentBlockHash", currentBlock.Hash, "ParentHash", nextBlockHash)
	}

	if nextBlockHash == ancestorBlock.Hash {
		return true, nil
	}
	return false, nil
}

// isVoteBlamed checks whether the vote's proposed block carries a QC older than
// the latest committed QC, in which case the vote itself is the offence.
func (f *Forensics) isVoteBlamed(chain consensus.ChainReader, highestCommittedQCs []types.QuorumCert, incomingVote *types.Vote) (bool, *types.QuorumCert, error) {
	proposedBlock := chain.GetHeaderByHash(incomingVote.ProposedBlockInfo.Hash)
	if proposedBlock == nil {
		log.Error("[isVoteBlamed] Unable to find the voted block by its hash", "Hash", incomingVote.ProposedBlockInfo.Hash)
		return false, nil, errors.New("unable to find the voted block")
	}
	var decodedExtraField types.ExtraFields_v2
	err := utils.DecodeBytesExtraFields(proposedBlock.Extra, &decodedExtraField)
	if err != nil {
		log.Error("[isVoteBlamed] Error while trying to decode extra field", "ProposedBlockInfo.Hash", incomingVote.ProposedBlockInfo.Hash)
		return false, nil, err
	}
	if decodedExtraField.QuorumCert.ProposedBlockInfo.Round < highestCommittedQCs[NUM_OF_FORENSICS_QC-1].ProposedBlockInfo.Round {
		return true, decodedExtraField.QuorumCert, nil
	}
	return false, decodedExtraField.QuorumCert, nil
}

// DetectEquivocationInVotePool scans the vote pool for a second vote by the
// same signer in the same round and reports the pair when found.
func (f *Forensics) DetectEquivocationInVotePool(vote *types.Vote, votePool *utils.Pool) {
	poolKey := vote.PoolKey()
	votePoolKeys := votePool.PoolObjKeysList()
	signer, err := GetVoteSignerAddresses(vote)
	if err != nil {
		log.Error("[DetectEquivocationInVotePool]", "err", err)
		return
	}

	for _, k := range votePoolKeys {
		if k == poolKey {
			continue
		}
		keyedRound, err := strconv.ParseInt(strings.Split(k, ":")[0], 10, 64)
		if err != nil {
			log.Error("[DetectEquivocationInVotePool] Error while trying to get keyedRound inside pool", "Error", err)
			continue
		}
		if types.Round(keyedRound) == vote.ProposedBlockInfo.Round {
			votes := votePool.GetObjsByKey(k)
			for _, v := range votes {
				voteTransfered, ok := v.(*types.Vote)
				if !ok {
					log.Warn("[DetectEquivocationInVotePool] obj type is not vote, potential a bug in votePool")
					continue
				}
				signer2, err := GetVoteSignerAddresses(voteTransfered)
				if err != nil {
					log.Warn("[DetectEquivocationInVotePool]", "err", err)
					continue
				}
				if signer == signer2 {
					f.SendVoteEquivocationProof(vote, voteTransfered, signer)
				}
			}
		}
	}
}

// SendVoteEquivocationProof publishes the proof for two conflicting votes by
// the same signer on the forensics feed.
func (f *Forensics) SendVoteEquivocationProof(vote1, vote2 *types.Vote, signer common.Address) error {
	smallerRoundVote := vote1
	largerRoundVote := vote2
	if vote1.ProposedBlockInfo.Round > vote2.ProposedBlockInfo.Round {
		smallerRoundVote = vote2
		largerRoundVote = vote1
	}
	content, err := json.Marshal(&types.VoteEquivocationContent{
		SmallerRoundVote: smallerRoundVote,
		LargerRoundVote:  largerRoundVote,
		Signer:           signer,
	})
	if err != nil {
		log.Error("[SendVoteEquivocationProof] fail to json stringify forensics content", "err", err)
		return err
	}
	forensicsProof := &types.ForensicProof{
		Id:            generateVoteEquivocationId(signer, smallerRoundVote.ProposedBlockInfo.Round, largerRoundVote.ProposedBlockInfo.Round),
		ForensicsType: "Vote",
		Content:       string(content),
	}
	log.Info("Forensics proof report generated, sending to the stats server", "forensicsProof", forensicsProof)
	go f.forensicsFeed.Send(types.ForensicsEvent{ForensicsProof: forensicsProof})
	return nil
}

// GetVoteSignerAddresses recovers the signer address from a vote signature.
func GetVoteSignerAddresses(vote *types.Vote) (common.Address, error) {
	// The vote signature is signed over the vote digest struct.
	signHash := types.VoteSigHash(&types.VoteForSign{
		ProposedBlockInfo: vote.ProposedBlockInfo,
		GapNumber:         vote.GapNumber,
	})
	signerAddress, err := utils.RecoverAddressFromSignature(signHash, vote.Signature)
	if err != nil {
		return signerAddress, fmt.Errorf("fail to recover signer from the vote: %v", vote)
	}
	return signerAddress, nil
}
