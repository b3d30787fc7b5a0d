package engine_v2

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// VerifyTimeoutMessage checks a received timeout against the candidate
// snapshot its gap number points at and stamps the recovered signer onto it.
func (x *XDPoS_v2) VerifyTimeoutMessage(chain consensus.ChainReader, timeoutMsg *types.Timeout) (bool, error) {
	snap, err := x.getSnapshot(chain, timeoutMsg.GapNumber, true)
	if err != nil || snap == nil {
		log.Error("[VerifyTimeoutMessage] Fail to get snapshot when verifying timeout message", "messageGapNumber", timeoutMsg.GapNumber, "err", err)
		return false, err
	}
	if len(snap.NextEpochCandidates) == 0 {
		log.Error("[VerifyTimeoutMessage] Something wrong with the snapshot from gapNumber", "messageGapNumber", timeoutMsg.GapNumber, "snapshot", snap)
		return false, errors.New("empty master node lists from snapshot")
	}

	verified, signer, err := x.verifyMsgSignature(types.TimeoutSigHash(&types.TimeoutForSign{
		Round:     timeoutMsg.Round,
		GapNumber: timeoutMsg.GapNumber,
	}), timeoutMsg.Signature, snap.NextEpochCandidates)
	if err != nil {
		log.Warn("[VerifyTimeoutMessage] cannot verify timeout signature", "err", err)
		return false, err
	}

	timeoutMsg.SetSigner(signer)
	return verified, nil
}

func (x *XDPoS_v2) TimeoutHandler(blockChainReader consensus.ChainReader, timeout *types.Timeout) error {
	x.lock.Lock()
	defer x.lock.Unlock()
	return x.timeoutHandler(blockChainReader, timeout)
}

/*
	Timeout workflow:
	1. Round number check, drop anything not for the current round
	2. Collect timeout into the pool
	3. Once timeouts pass the certificate threshold, generate a TC and process it
*/
func (x *XDPoS_v2) timeoutHandler(blockChainReader consensus.ChainReader, timeout *types.Timeout) error {
	if timeout.Round != x.currentRound {
		return &utils.ErrIncomingMessageRoundNotEqualCurrentRound{
			Type:          "timeoutMsg",
			IncomingRound: timeout.Round,
			CurrentRound:  x.currentRound,
		}
	}
	numberOfTimeoutsInPool, pooledTimeouts := x.timeoutPool.Add(timeout)
	log.Debug("[timeoutHandler] collect timeout", "number", numberOfTimeoutsInPool)

	epochInfo, err := x.getEpochSwitchInfo(blockChainReader, blockChainReader.CurrentHeader(), blockChainReader.CurrentHeader().Hash())
	if err != nil {
		log.Error("[timeoutHandler] Error when getting epoch switch info", "error", err)
		return fmt.Errorf("fail on timeoutHandler due to failure in getting epoch switch info")
	}

	certThreshold := x.signatureThreshold(len(epochInfo.Masternodes), timeout.Round)
	if numberOfTimeoutsInPool >= certThreshold {
		log.Info("Timeout pool threshold reached, forming a TC", "timeoutCount", numberOfTimeoutsInPool, "certThreshold", certThreshold)
		err := x.onTimeoutPoolThresholdReached(blockChainReader, pooledTimeouts, timeout, timeout.GapNumber)
		if err != nil {
			return err
		}
	}
	return nil
}

// onTimeoutPoolThresholdReached assembles a TC out of the pooled timeouts,
// processes it and immediately shares a syncInfo carrying the new TC.
func (x *XDPoS_v2) onTimeoutPoolThresholdReached(blockChainReader consensus.ChainReader, pooledTimeouts map[common.Hash]types.PoolObj, currentTimeoutMsg types.PoolObj, gapNumber uint64) error {
	signatures := []types.Signature{}
	for _, v := range pooledTimeouts {
		signatures = append(signatures, v.(*types.Timeout).Signature)
	}
	timeoutCert := &types.TimeoutCert{
		Round:      currentTimeoutMsg.(*types.Timeout).Round,
		Signatures: signatures,
		GapNumber:  gapNumber,
	}
	err := x.processTC(blockChainReader, timeoutCert)
	if err != nil {
		log.Error("Error while processing TC in the timeout handler after reaching pool threshold", "tcRound", timeoutCert.Round, "error", err.Error())
		return err
	}
	syncInfo := x.getSyncInfo()
	x.broadcastToBftChannel(syncInfo)

	log.Info("⏰ Successfully processed the timeout message and produced TC & SyncInfo messages", "tcRound", timeoutCert.Round, "numberOfTcSig", len(timeoutCert.Signatures), "gapNumber", gapNumber)
	return nil
}

// sendTimeout signs a timeout for the current round and hands it to the local
// timeout handler as well as the broadcast channel. Caller holds x.lock.
func (x *XDPoS_v2) sendTimeout(chain consensus.ChainReader) error {
	// The timeout carries the gap number serving the epoch of the block the
	// stuck round would produce, which differs from the chain head's epoch
	// when the head sits right before an epoch switch.
	var gapNumber uint64
	currentBlockHeader := chain.CurrentHeader()
	isEpochSwitch, _ := x.isEpochSwitchAtBlock(currentBlockHeader)
	if isEpochSwitch {
		nextBlockNum := currentBlockHeader.Number.Uint64() + 1
		gapNumber = nextBlockNum - nextBlockNum%x.config.Epoch - x.config.Gap
		// prevent overflow
		if nextBlockNum-nextBlockNum%x.config.Epoch < x.config.Gap {
			gapNumber = 0
		}
		log.Debug("[sendTimeout] timeout of the round of an epoch switch block", "currentRound", x.currentRound, "gapNumber", gapNumber)
	} else {
		epochSwitchInfo, err := x.getEpochSwitchInfo(chain, currentBlockHeader, currentBlockHeader.Hash())
		if err != nil {
			log.Error("[sendTimeout] Error when getting epoch switch info", "currentRound", x.currentRound, "currentBlockNum", currentBlockHeader.Number, "currentBlockHash", currentBlockHeader.Hash(), "error", err)
			return err
		}
		epochSwitchNumber := epochSwitchInfo.EpochSwitchBlockInfo.Number.Uint64()
		gapNumber = epochSwitchNumber - epochSwitchNumber%x.config.Epoch - x.config.Gap
		// prevent overflow
		if epochSwitchNumber-epochSwitchNumber%x.config.Epoch < x.config.Gap {
			gapNumber = 0
		}
	}

	signedHash, err := x.signSignature(types.TimeoutSigHash(&types.TimeoutForSign{
		Round:     x.currentRound,
		GapNumber: gapNumber,
	}))
	if err != nil {
		log.Error("[sendTimeout] signSignature when sending out timeout", "Error", err, "round", x.currentRound, "gap", gapNumber)
		return err
	}

	timeoutMsg := &types.Timeout{
		Round:     x.currentRound,
		Signature: signedHash,
		GapNumber: gapNumber,
	}
	log.Warn("[sendTimeout] timeout message generated, ready to send", "timeoutMsgRound", timeoutMsg.Round, "timeoutMsgGapNumber", timeoutMsg.GapNumber)
	err = x.timeoutHandler(chain, timeoutMsg)
	if err != nil {
		log.Error("[sendTimeout] timeout handler error", "TimeoutRound", timeoutMsg.Round, "Error", err)
		return err
	}
	x.broadcastToBftChannel(timeoutMsg)
	return nil
}

// hygieneTimeoutPool drops timeouts that fell too many rounds behind the
// current round. Runs on its own schedule, not on round changes.
func (x *XDPoS_v2) hygieneTimeoutPool() {
	x.lock.RLock()
	currentRound := x.currentRound
	x.lock.RUnlock()
	timeoutPoolKeys := x.timeoutPool.PoolObjKeysList()

	// Extract the round number from the pool key
	for _, k := range timeoutPoolKeys {
		keyedRound, err := strconv.ParseInt(strings.Split(k, ":")[0], 10, 64)
		if err != nil {
			log.Error("[hygieneTimeoutPool] Error while trying to get keyedRound inside pool", "Error", err)
			continue
		}
		if keyedRound < int64(currentRound)-utils.PoolHygieneRound {
			log.Debug("[hygieneTimeoutPool] cleaned timeout pool at round", "Round", keyedRound, "currentRound", currentRound)
			x.timeoutPool.ClearByPoolKey(k)
		}
	}
}
