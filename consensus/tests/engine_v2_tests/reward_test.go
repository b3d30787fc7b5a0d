package engine_v2_tests

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/core/state"
	"github.com/stretchr/testify/assert"

	"github.com/XinFinOrg/xdpos-engine/contracts"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/eth/hooks"
	"github.com/XinFinOrg/xdpos-engine/params"
)

var (
	owner1 = common.HexToAddress("0x0000000000000000000000000000000000000101")
	owner2 = common.HexToAddress("0x0000000000000000000000000000000000000102")
	owner3 = common.HexToAddress("0x0000000000000000000000000000000000000103")
)

// setCandidateOwner plants validatorsState[candidate].owner into the voting
// contract storage the way the registry contract lays it out.
func setCandidateOwner(statedb *state.StateDB, candidate, owner common.Address) {
	loc := contracts.GetLocMappingAtKey(candidate.Hash(), 1)
	statedb.SetState(params.MasternodeVotingSMC, common.BigToHash(loc), owner.Hash())
}

// ownerShare is the 90% masternode cut of a signer's reward slice.
func ownerShare(unitReward *big.Int, signCount uint64) *big.Int {
	reward := new(big.Int).Mul(unitReward, new(big.Int).SetUint64(signCount))
	reward.Mul(reward, big.NewInt(params.RewardMasterPercent))
	return reward.Div(reward, big.NewInt(100))
}

// foundationShare is the 10% foundation cut of a signer's reward slice.
func foundationShare(unitReward *big.Int, signCount uint64) *big.Int {
	reward := new(big.Int).Mul(unitReward, new(big.Int).SetUint64(signCount))
	reward.Mul(reward, big.NewInt(params.RewardFoundationPercent))
	return reward.Div(reward, big.NewInt(100))
}

func TestHookRewardV2(t *testing.T) {
	config := deepCopyConfig(t)

	// Sign every block of the first signing window: the first masternode signs
	// all of them, the second every other one and the third every third one.
	// Signing transactions always land in the block after the one they sign.
	nonces := map[common.Address]uint64{}
	txsFor := func(chain *testChain, number uint64) []*types.Transaction {
		if number < 2 || number > 901 {
			return nil
		}
		signedNumber := number - 1
		signedHash := chain.GetHeaderByNumber(signedNumber).Hash()
		signer := types.MakeSigner(config, new(big.Int).SetUint64(number))

		txs := []*types.Transaction{}
		for i, key := range masternodeKeys {
			switch i {
			case 1:
				if signedNumber%2 != 0 {
					continue
				}
			case 2:
				if signedNumber%3 != 0 {
					continue
				}
			}
			addr := masternodeAddrs[i]
			tx := contracts.CreateTxSign(new(big.Int).SetUint64(signedNumber), signedHash, nonces[addr], params.BlockSigners)
			signedTx, err := types.SignTx(tx, signer, key)
			assert.Nil(t, err)
			nonces[addr]++
			txs = append(txs, signedTx)
		}
		return txs
	}

	chain, adaptor := PrepareTestChain(t, 1802, config, txsFor)
	hooks.AttachConsensusV2Hooks(adaptor, config)

	statedb, err := state.New(common.Hash{}, state.NewDatabase(rawdb.NewMemoryDatabase()))
	assert.Nil(t, err)
	setCandidateOwner(statedb, acc1Addr, owner1)
	setCandidateOwner(statedb, acc2Addr, owner2)
	setCandidateOwner(statedb, acc3Addr, owner3)

	rewards, err := adaptor.EngineV2.HookReward(chain, statedb, statedb, chain.GetHeaderByNumber(1800))
	assert.Nil(t, err)

	voterResults, ok := rewards["rewards"].(map[common.Address]interface{})
	assert.True(t, ok)
	assert.Equal(t, 3, len(voterResults))

	// 900 + 450 + 300 signed blocks share the checkpoint reward
	chainReward := new(big.Int).Mul(new(big.Int).SetUint64(config.XDPoS.Reward), new(big.Int).SetUint64(params.Ether))
	unitReward := new(big.Int).Div(chainReward, big.NewInt(1650))

	assert.Equal(t, ownerShare(unitReward, 900), statedb.GetBalance(owner1))
	assert.Equal(t, ownerShare(unitReward, 450), statedb.GetBalance(owner2))
	assert.Equal(t, ownerShare(unitReward, 300), statedb.GetBalance(owner3))

	foundationTotal := new(big.Int).Add(foundationShare(unitReward, 900), foundationShare(unitReward, 450))
	foundationTotal.Add(foundationTotal, foundationShare(unitReward, 300))
	assert.Equal(t, foundationTotal, statedb.GetBalance(config.XDPoS.FoudationWalletAddr))
}

// The first checkpoint has no closed signing window behind it yet.
func TestHookRewardV2BeforeFirstWindowCloses(t *testing.T) {
	config := deepCopyConfig(t)
	chain, adaptor := PrepareTestChain(t, 905, config, nil)
	hooks.AttachConsensusV2Hooks(adaptor, config)

	statedb, err := state.New(common.Hash{}, state.NewDatabase(rawdb.NewMemoryDatabase()))
	assert.Nil(t, err)

	rewards, err := adaptor.EngineV2.HookReward(chain, statedb, statedb, chain.GetHeaderByNumber(900))
	assert.Nil(t, err)
	assert.Equal(t, 0, len(rewards))
}
