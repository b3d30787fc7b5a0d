package engine_v2

import (
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// VerifySyncInfoMessage checks a received syncInfo message. A message whose
// certificates are both older than what this node already holds is dropped
// without the expensive certificate verification.
func (x *XDPoS_v2) VerifySyncInfoMessage(chain consensus.ChainReader, syncInfo *types.SyncInfo) (bool, error) {
	x.lock.RLock()
	highestQCRound := x.highestQuorumCert.ProposedBlockInfo.Round
	highestTCRound := x.highestTimeoutCert.Round
	x.lock.RUnlock()

	if highestQCRound >= syncInfo.HighestQuorumCert.ProposedBlockInfo.Round && highestTCRound >= syncInfo.HighestTimeoutCert.Round {
		log.Debug("[VerifySyncInfoMessage] syncInfo message is old news", "highestQCRound", highestQCRound, "incomingQCRound", syncInfo.HighestQuorumCert.ProposedBlockInfo.Round, "highestTCRound", highestTCRound, "incomingTCRound", syncInfo.HighestTimeoutCert.Round)
		return false, nil
	}

	if err := x.verifyQC(chain, syncInfo.HighestQuorumCert, nil); err != nil {
		log.Warn("[VerifySyncInfoMessage] fail to verify the QC of the syncInfo message", "error", err)
		return false, err
	}
	if err := x.verifyTC(chain, syncInfo.HighestTimeoutCert); err != nil {
		log.Warn("[VerifySyncInfoMessage] fail to verify the TC of the syncInfo message", "error", err)
		return false, err
	}
	return true, nil
}

// SyncInfoHandler adopts the certificates of a verified syncInfo message,
// which moves the round forward if either certificate is ahead of it.
func (x *XDPoS_v2) SyncInfoHandler(chain consensus.ChainReader, syncInfo *types.SyncInfo) error {
	x.lock.Lock()
	defer x.lock.Unlock()

	err := x.processQC(chain, syncInfo.HighestQuorumCert)
	if err != nil {
		return err
	}
	return x.processTC(chain, syncInfo.HighestTimeoutCert)
}
