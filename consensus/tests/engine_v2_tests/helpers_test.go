// Package engine_v2_tests exercises the adaptor and the round based BFT
// engine against a synthetic chain: a round robin era up to the switch block,
// then properly sealed and certificated v2 blocks across epoch switches.
package engine_v2_tests

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/rawdb"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"

	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/engines/engine_v1"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/engines/engine_v2"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

const (
	extraVanity  = 32
	extraSeal    = 65
	testGasLimit = 84000000
)

var (
	acc1Key, _ = crypto.HexToECDSA("8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a")
	acc2Key, _ = crypto.HexToECDSA("49a7b37aa6f6645917e7b807e9d1c00d4fa71f18343b0d4122a4d2df64dd6fee")
	acc3Key, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	acc1Addr   = crypto.PubkeyToAddress(acc1Key.PublicKey)
	acc2Addr   = crypto.PubkeyToAddress(acc2Key.PublicKey)
	acc3Addr   = crypto.PubkeyToAddress(acc3Key.PublicKey)

	// The masternode set of the whole synthetic chain, in the order it is
	// recorded on the checkpoints and in the gap block snapshots.
	masternodeKeys  = []*ecdsa.PrivateKey{acc1Key, acc2Key, acc3Key}
	masternodeAddrs = []common.Address{acc1Addr, acc2Addr, acc3Addr}

	outsiderKey, _ = crypto.HexToECDSA("b2ab40d549e6bce544252a8c455cdf7329d3887532299cd136062b91638c1c65")
	outsiderAddr   = crypto.PubkeyToAddress(outsiderKey.PublicKey)
)

// deepCopyConfig clones the shared unit test chain config with validation
// switched on, so no test mutates the global.
func deepCopyConfig(t *testing.T) *params.ChainConfig {
	b, err := json.Marshal(params.TestXDPoSMockChainConfig)
	assert.Nil(t, err)
	var config params.ChainConfig
	err = json.Unmarshal(b, &config)
	assert.Nil(t, err)
	config.XDPoS.V2.SkipV2Validation = false
	return &config
}

// testChain is a ChainReader backed by plain maps, enough chain for header
// verification, BFT message handling and the checkpoint reward scan.
type testChain struct {
	config          *params.ChainConfig
	headersByNumber map[uint64]*types.Header
	headersByHash   map[common.Hash]*types.Header
	blocksByHash    map[common.Hash]*types.Block
	head            *types.Header
}

func newTestChain(config *params.ChainConfig) *testChain {
	return &testChain{
		config:          config,
		headersByNumber: make(map[uint64]*types.Header),
		headersByHash:   make(map[common.Hash]*types.Header),
		blocksByHash:    make(map[common.Hash]*types.Block),
	}
}

func (c *testChain) addBlock(block *types.Block) {
	header := block.Header()
	c.headersByNumber[header.Number.Uint64()] = header
	c.headersByHash[header.Hash()] = header
	c.blocksByHash[header.Hash()] = block
	c.head = header
}

func (c *testChain) Config() *params.ChainConfig  { return c.config }
func (c *testChain) CurrentHeader() *types.Header { return c.head }
func (c *testChain) GetHeaderByNumber(number uint64) *types.Header {
	return c.headersByNumber[number]
}
func (c *testChain) GetHeader(hash common.Hash, number uint64) *types.Header {
	return c.headersByHash[hash]
}
func (c *testChain) GetHeaderByHash(hash common.Hash) *types.Header {
	return c.headersByHash[hash]
}
func (c *testChain) GetBlock(hash common.Hash, number uint64) *types.Block {
	return c.blocksByHash[hash]
}

// v1CheckpointExtra packs the signer list into a round robin era checkpoint
// extra: vanity, addresses, seal.
func v1CheckpointExtra(signers []common.Address) []byte {
	extra := make([]byte, extraVanity)
	for _, s := range signers {
		extra = append(extra, s.Bytes()...)
	}
	return append(extra, make([]byte, extraSeal)...)
}

// sealV2Header stamps the validator seal onto a fully populated v2 header.
func sealV2Header(t *testing.T, header *types.Header, key *ecdsa.PrivateKey) {
	sig, err := crypto.Sign(engine_v2.SigHash(header).Bytes(), key)
	assert.Nil(t, err)
	header.Validator = sig
}

// signVote produces a certificate signature of the given key over the vote
// digest binding blockInfo and gapNumber.
func signVote(t *testing.T, key *ecdsa.PrivateKey, blockInfo *types.BlockInfo, gapNumber uint64) types.Signature {
	signedHash := types.VoteSigHash(&types.VoteForSign{
		ProposedBlockInfo: blockInfo,
		GapNumber:         gapNumber,
	})
	sig, err := crypto.Sign(signedHash.Bytes(), key)
	assert.Nil(t, err)
	return sig
}

// signTimeout produces a timeout signature of the given key over the timeout
// digest binding round and gapNumber.
func signTimeout(t *testing.T, key *ecdsa.PrivateKey, round types.Round, gapNumber uint64) types.Signature {
	signedHash := types.TimeoutSigHash(&types.TimeoutForSign{
		Round:     round,
		GapNumber: gapNumber,
	})
	sig, err := crypto.Sign(signedHash.Bytes(), key)
	assert.Nil(t, err)
	return sig
}

// gapNumberForParent returns the gap number serving the epoch the given block
// number belongs to. Only meaningful at or past the era switch.
func gapNumberForParent(config *params.ChainConfig, number uint64) uint64 {
	epochSwitchNumber := number - number%config.XDPoS.Epoch
	return epochSwitchNumber - config.XDPoS.Gap
}

// buildQCForParent assembles the quorum certificate a child block carries for
// its parent. The certificate of the era switch block is the synthesised one,
// it travels without signatures.
func buildQCForParent(t *testing.T, config *params.ChainConfig, parent *types.Header) *types.QuorumCert {
	parentNumber := parent.Number.Uint64()
	parentRound := types.Round(parentNumber - config.XDPoS.V2.SwitchBlock.Uint64())
	gapNumber := gapNumberForParent(config, parentNumber)

	blockInfo := &types.BlockInfo{
		Hash:   parent.Hash(),
		Round:  parentRound,
		Number: new(big.Int).Set(parent.Number),
	}
	qc := &types.QuorumCert{ProposedBlockInfo: blockInfo, GapNumber: gapNumber}
	if parentRound == 0 {
		return qc
	}
	for _, key := range masternodeKeys {
		qc.Signatures = append(qc.Signatures, signVote(t, key, blockInfo, gapNumber))
	}
	return qc
}

// PrepareTestChain builds a chain of numBlocks blocks through the era switch:
// round robin blocks up to the switch checkpoint, then sealed v2 blocks with
// one round per block. txsFor, when not nil, supplies the transaction body of
// each block, which is how the reward tests plant signing transactions. The
// candidates of every v2 era gap block are recorded on the returned adaptor.
func PrepareTestChain(t *testing.T, numBlocks uint64, config *params.ChainConfig, txsFor func(chain *testChain, number uint64) []*types.Transaction) (*testChain, *XDPoS.XDPoS) {
	adaptor := XDPoS.New(config, rawdb.NewMemoryDatabase())
	chain := newTestChain(config)

	epoch := config.XDPoS.Epoch
	gap := config.XDPoS.Gap
	switchBlock := config.XDPoS.V2.SwitchBlock.Uint64()
	baseTime := time.Now().Unix() - int64(numBlocks+10)*3

	genesis := &types.Header{
		Number:      big.NewInt(0),
		Time:        big.NewInt(baseTime),
		GasLimit:    testGasLimit,
		Difficulty:  big.NewInt(2),
		Extra:       v1CheckpointExtra(masternodeAddrs),
		TxHash:      types.EmptyRootHash,
		ReceiptHash: types.EmptyRootHash,
		UncleHash:   types.EmptyUncleHash,
	}
	chain.addBlock(types.NewBlock(genesis, nil, nil, nil))

	for n := uint64(1); n <= numBlocks; n++ {
		parent := chain.headersByNumber[n-1]
		header := &types.Header{
			ParentHash:  parent.Hash(),
			Number:      new(big.Int).SetUint64(n),
			Time:        new(big.Int).Add(parent.Time, big.NewInt(3)),
			GasLimit:    testGasLimit,
			ReceiptHash: types.EmptyRootHash,
			UncleHash:   types.EmptyUncleHash,
		}

		var txs []*types.Transaction
		if txsFor != nil {
			txs = txsFor(chain, n)
		}
		if len(txs) == 0 {
			header.TxHash = types.EmptyRootHash
		} else {
			header.TxHash = types.DeriveSha(types.Transactions(txs))
		}

		if n <= switchBlock {
			// Round robin era block, the switch checkpoint carries the
			// signer list again.
			header.Difficulty = big.NewInt(2)
			header.Coinbase = masternodeAddrs[n%uint64(len(masternodeAddrs))]
			if n%epoch == 0 {
				header.Extra = v1CheckpointExtra(masternodeAddrs)
			} else {
				header.Extra = make([]byte, extraVanity+extraSeal)
			}
			sig, err := crypto.Sign(engine_v1.SigHash(header).Bytes(), masternodeKeys[n%uint64(len(masternodeKeys))])
			assert.Nil(t, err)
			copy(header.Extra[len(header.Extra)-extraSeal:], sig)
		} else {
			round := types.Round(n - switchBlock)
			extra, err := (&types.ExtraFields_v2{
				Round:      round,
				QuorumCert: buildQCForParent(t, config, parent),
			}).EncodeToBytes()
			assert.Nil(t, err)

			header.Extra = extra
			header.Difficulty = big.NewInt(1)
			if n%epoch == 0 {
				header.Validators = utils.ExtractAddressToBytes(masternodeAddrs)
			}
			leader := uint64(round) % uint64(len(masternodeAddrs))
			header.Coinbase = masternodeAddrs[leader]
			sealV2Header(t, header, masternodeKeys[leader])
		}
		chain.addBlock(types.NewBlock(header, txs, nil, nil))

		// Record the candidates at every v2 era gap block, the way the
		// voting contract sweep would at the end of an election window.
		if n > switchBlock-gap && (n+gap)%epoch == 0 {
			candidates := []utils.Masternode{}
			for _, addr := range masternodeAddrs {
				candidates = append(candidates, utils.Masternode{Address: addr, Stake: big.NewInt(50000)})
			}
			err := adaptor.UpdateMasternodes(chain, chain.headersByNumber[n], candidates)
			assert.Nil(t, err)
		}
	}

	return chain, adaptor
}

// getSignerAndSignFn wraps a raw private key into the account backed signing
// function the engine's Authorize expects.
func getSignerAndSignFn(pk *ecdsa.PrivateKey) (common.Address, utils.SignerFn, error) {
	veryLightScryptN := 2
	veryLightScryptP := 1
	dir, _ := os.MkdirTemp("", fmt.Sprintf("sign-fn-test-%d", time.Now().UnixNano()))
	defer os.RemoveAll(dir)

	ks := keystore.NewKeyStore(dir, veryLightScryptN, veryLightScryptP)
	a1, err := ks.ImportECDSA(pk, "")
	if err != nil {
		return common.Address{}, nil, err
	}
	if err := ks.Unlock(a1, ""); err != nil {
		return a1.Address, nil, err
	}
	return a1.Address, func(account accounts.Account, hash []byte) ([]byte, error) {
		return ks.SignHash(account, hash)
	}, nil
}
