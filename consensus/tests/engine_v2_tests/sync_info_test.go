package engine_v2_tests

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// buildTC assembles a fully signed timeout certificate for the given round.
func buildTC(t *testing.T, round types.Round, gapNumber uint64) *types.TimeoutCert {
	tc := &types.TimeoutCert{Round: round, GapNumber: gapNumber, Signatures: []types.Signature{}}
	for _, key := range masternodeKeys {
		tc.Signatures = append(tc.Signatures, signTimeout(t, key, round, gapNumber))
	}
	return tc
}

// qcOfHeader decodes the quorum certificate a header carries in its extra.
func qcOfHeader(t *testing.T, header *types.Header) *types.QuorumCert {
	var extraField types.ExtraFields_v2
	err := utils.DecodeBytesExtraFields(header.Extra, &extraField)
	assert.Nil(t, err)
	return extraField.QuorumCert
}

// Certificates not ahead of what the node holds are old news, dropped without
// the expensive verification.
func TestSyncInfoStaleMessage(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 905, config, nil)
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))

	syncInfo := &types.SyncInfo{
		HighestQuorumCert:  qcOfHeader(t, chain.GetHeaderByNumber(901)),
		HighestTimeoutCert: &types.TimeoutCert{Round: types.Round(0), GapNumber: 450},
	}
	verified, err := adaptor.EngineV2.VerifySyncInfoMessage(chain, syncInfo)
	assert.Nil(t, err)
	assert.False(t, verified)
}

func TestSyncInfoVerifiedAndAdopted(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 910, config, nil)
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))
	engineV2 := adaptor.EngineV2

	// The certificate block 906 carries for block 905, plus a TC of the same round
	syncInfo := &types.SyncInfo{
		HighestQuorumCert:  qcOfHeader(t, chain.GetHeaderByNumber(906)),
		HighestTimeoutCert: buildTC(t, types.Round(5), 450),
	}
	verified, err := engineV2.VerifySyncInfoMessage(chain, syncInfo)
	assert.Nil(t, err)
	assert.True(t, verified)

	err = engineV2.SyncInfoHandler(chain, syncInfo)
	assert.Nil(t, err)

	currentRound, lockQC, highestQC, highestTC, _, commitBlock := engineV2.GetPropertiesFaker()
	assert.Equal(t, types.Round(6), currentRound)
	assert.Equal(t, types.Round(5), highestQC.ProposedBlockInfo.Round)
	assert.Equal(t, chain.GetHeaderByNumber(905).Hash(), highestQC.ProposedBlockInfo.Hash)
	// The QC of the certificated block itself becomes the lock
	assert.Equal(t, types.Round(4), lockQC.ProposedBlockInfo.Round)
	// Three chain rule: round 5 certificate commits the round 3 ancestor
	assert.Equal(t, types.Round(5), highestTC.Round)
	assert.NotNil(t, commitBlock)
	assert.Equal(t, uint64(903), commitBlock.Number.Uint64())
}

func TestSyncInfoInvalidTCSignatures(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 910, config, nil)
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))

	tc := &types.TimeoutCert{
		Round:      types.Round(5),
		GapNumber:  450,
		Signatures: []types.Signature{signTimeout(t, acc1Key, types.Round(5), 450)},
	}
	syncInfo := &types.SyncInfo{
		HighestQuorumCert:  qcOfHeader(t, chain.GetHeaderByNumber(906)),
		HighestTimeoutCert: tc,
	}
	verified, err := adaptor.EngineV2.VerifySyncInfoMessage(chain, syncInfo)
	assert.Equal(t, utils.ErrInvalidTCSignatures, err)
	assert.False(t, verified)
}
