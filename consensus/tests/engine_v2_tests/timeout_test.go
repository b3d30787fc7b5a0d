package engine_v2_tests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

func TestVerifyTimeoutMessage(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 905, config, nil)
	// Verifying a header initialises the engine, which stores the gap block
	// snapshot the timeout verification reads.
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))

	// Signed by a masternode over the round and gap number
	timeout := &types.Timeout{
		Round:     types.Round(5),
		GapNumber: 450,
		Signature: signTimeout(t, acc1Key, types.Round(5), 450),
	}
	verified, err := adaptor.EngineV2.VerifyTimeoutMessage(chain, timeout)
	assert.Nil(t, err)
	assert.True(t, verified)
	assert.Equal(t, acc1Addr, timeout.GetSigner())

	// Signed by a key outside the candidate list
	timeout = &types.Timeout{
		Round:     types.Round(5),
		GapNumber: 450,
		Signature: signTimeout(t, outsiderKey, types.Round(5), 450),
	}
	verified, err = adaptor.EngineV2.VerifyTimeoutMessage(chain, timeout)
	assert.Nil(t, err)
	assert.False(t, verified)

	// A gap number no snapshot was ever taken at
	timeout = &types.Timeout{
		Round:     types.Round(5),
		GapNumber: 451,
		Signature: signTimeout(t, acc1Key, types.Round(5), 451),
	}
	verified, err = adaptor.EngineV2.VerifyTimeoutMessage(chain, timeout)
	assert.NotNil(t, err)
	assert.False(t, verified)
}

func TestTimeoutMessageHandlerRoundMismatch(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 905, config, nil)
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))

	timeout := &types.Timeout{
		Round:     types.Round(5),
		GapNumber: 450,
		Signature: signTimeout(t, acc1Key, types.Round(5), 450),
	}
	err := adaptor.EngineV2.TimeoutHandler(chain, timeout)
	assert.NotNil(t, err)
	roundErr, ok := err.(*utils.ErrIncomingMessageRoundNotEqualCurrentRound)
	assert.True(t, ok)
	assert.Equal(t, types.Round(5), roundErr.IncomingRound)
	assert.Equal(t, types.Round(1), roundErr.CurrentRound)
}

func TestTimeoutPoolThresholdFormsTCAndSyncInfo(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 905, config, nil)
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))
	engineV2 := adaptor.EngineV2

	engineV2.SetNewRoundFaker(chain, types.Round(5), false)

	// First timeout only pools, two of three masternodes are the threshold
	timeout1 := &types.Timeout{
		Round:     types.Round(5),
		GapNumber: 450,
		Signature: signTimeout(t, acc1Key, types.Round(5), 450),
	}
	err := engineV2.TimeoutHandler(chain, timeout1)
	assert.Nil(t, err)
	assert.Equal(t, 1, engineV2.GetTimeoutPoolSizeFaker(timeout1))

	currentRound, _, _, highestTC, _, _ := engineV2.GetPropertiesFaker()
	assert.Equal(t, types.Round(5), currentRound)
	assert.Equal(t, types.Round(0), highestTC.Round)

	// The second one tips the threshold: a TC forms, the round advances and a
	// syncInfo carrying the TC goes out on the broadcast channel
	timeout2 := &types.Timeout{
		Round:     types.Round(5),
		GapNumber: 450,
		Signature: signTimeout(t, acc2Key, types.Round(5), 450),
	}
	err = engineV2.TimeoutHandler(chain, timeout2)
	assert.Nil(t, err)

	currentRound, _, _, highestTC, _, _ = engineV2.GetPropertiesFaker()
	assert.Equal(t, types.Round(6), currentRound)
	assert.Equal(t, types.Round(5), highestTC.Round)
	assert.Equal(t, uint64(450), highestTC.GapNumber)
	assert.Equal(t, 2, len(highestTC.Signatures))

	select {
	case msg := <-engineV2.BroadcastCh:
		syncInfo, ok := msg.(*types.SyncInfo)
		assert.True(t, ok)
		assert.Equal(t, types.Round(5), syncInfo.HighestTimeoutCert.Round)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the syncInfo broadcast")
	}
}

func TestCountdownTimeoutSendsTimeoutMessage(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 905, config, nil)
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))
	engineV2 := adaptor.EngineV2

	signer, signFn, err := getSignerAndSignFn(acc1Key)
	assert.Nil(t, err)
	adaptor.Authorize(signer, signFn)

	err = engineV2.OnCountdownTimeout(time.Now(), chain)
	assert.Nil(t, err)

	select {
	case msg := <-engineV2.BroadcastCh:
		timeout, ok := msg.(*types.Timeout)
		assert.True(t, ok)
		assert.Equal(t, types.Round(1), timeout.Round)
		assert.Equal(t, uint64(450), timeout.GapNumber)
		assert.Equal(t, 1, engineV2.GetTimeoutPoolSizeFaker(timeout))
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the timeout broadcast")
	}
}

// A signer outside the masternode list stays silent on countdown timeouts.
func TestCountdownTimeoutNotAllowedToSend(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 905, config, nil)
	assert.Nil(t, adaptor.VerifyHeader(chain, chain.GetHeaderByNumber(901), true))
	engineV2 := adaptor.EngineV2

	signer, signFn, err := getSignerAndSignFn(outsiderKey)
	assert.Nil(t, err)
	adaptor.Authorize(signer, signFn)

	err = engineV2.OnCountdownTimeout(time.Now(), chain)
	assert.Nil(t, err)

	probe := &types.Timeout{Round: types.Round(1), GapNumber: 450}
	assert.Equal(t, 0, engineV2.GetTimeoutPoolSizeFaker(probe))
}
