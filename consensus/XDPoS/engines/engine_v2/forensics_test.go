package engine_v2

import (
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"math/big"
	"math/rand"
	"os"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"

	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

// Utils to help mocking the signing of signatures
var (
	signer1, _ = crypto.HexToECDSA("8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a")
	signer2, _ = crypto.HexToECDSA("49a7b37aa6f6645917e7b807e9d1c00d4fa71f18343b0d4122a4d2df64dd6fee")
	signer3, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
)

const letterBytes = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"

func SignHashByPK(pk *ecdsa.PrivateKey, itemToSign []byte) []byte {
	signer, signFn, err := getSignerAndSignFn(pk)
	if err != nil {
		panic(err)
	}
	signedHash, err := signFn(accounts.Account{Address: signer}, itemToSign)
	if err != nil {
		panic(err)
	}
	return signedHash
}

func RandStringBytes(n int) string {
	b := make([]byte, n)
	for i := range b {
		b[i] = letterBytes[rand.Intn(len(letterBytes))]
	}
	return string(b)
}

func getSignerAndSignFn(pk *ecdsa.PrivateKey) (common.Address, func(account accounts.Account, hash []byte) ([]byte, error), error) {
	veryLightScryptN := 2
	veryLightScryptP := 1
	dir, _ := os.MkdirTemp("", fmt.Sprintf("eth-getSignerAndSignFn-test-%v", RandStringBytes(5)))
	defer os.RemoveAll(dir)

	ks := keystore.NewKeyStore(dir, veryLightScryptN, veryLightScryptP)
	pass := "" // not used but required by API
	a1, err := ks.ImportECDSA(pk, pass)
	if err != nil {
		return common.Address{}, nil, err
	}
	if err := ks.Unlock(a1, ""); err != nil {
		return a1.Address, nil, err
	}
	return a1.Address, ks.SignHash, nil
}

// mockChainReader serves headers by hash out of a plain map, enough for the
// ancestry walks the forensics code performs.
type mockChainReader struct {
	headersByHash map[common.Hash]*types.Header
}

func newMockChainReader(headers ...*types.Header) *mockChainReader {
	m := &mockChainReader{headersByHash: make(map[common.Hash]*types.Header)}
	for _, h := range headers {
		m.headersByHash[h.Hash()] = h
	}
	return m
}

func (m *mockChainReader) Config() *params.ChainConfig  { return params.TestXDPoSMockChainConfig }
func (m *mockChainReader) CurrentHeader() *types.Header { return nil }
func (m *mockChainReader) GetHeaderByNumber(number uint64) *types.Header {
	return nil
}
func (m *mockChainReader) GetHeader(hash common.Hash, number uint64) *types.Header {
	return m.headersByHash[hash]
}
func (m *mockChainReader) GetHeaderByHash(hash common.Hash) *types.Header {
	return m.headersByHash[hash]
}
func (m *mockChainReader) GetBlock(hash common.Hash, number uint64) *types.Block {
	return nil
}

func TestFindQCsInSameRound(t *testing.T) {
	forensics := &Forensics{}
	gapNumber := 450

	// If ONE in common
	var sig []types.Signature
	qc1 := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   common.BytesToHash([]byte("qc1")),
			Round:  types.Round(10),
			Number: big.NewInt(910),
		},
		Signatures: sig,
		GapNumber:  uint64(gapNumber),
	}

	qc2 := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   common.BytesToHash([]byte("qc2")),
			Round:  types.Round(12),
			Number: big.NewInt(910),
		},
		Signatures: sig,
		GapNumber:  uint64(gapNumber),
	}

	qc3 := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   common.BytesToHash([]byte("qc3")),
			Round:  types.Round(13),
			Number: big.NewInt(910),
		},
		Signatures: sig,
		GapNumber:  uint64(gapNumber),
	}

	qc4 := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   common.BytesToHash([]byte("qc4")),
			Round:  types.Round(12),
			Number: big.NewInt(910),
		},
		Signatures: sig,
		GapNumber:  uint64(gapNumber),
	}

	qc5 := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   common.BytesToHash([]byte("qc5")),
			Round:  types.Round(13),
			Number: big.NewInt(910),
		},
		Signatures: sig,
		GapNumber:  uint64(gapNumber),
	}

	qc6 := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   common.BytesToHash([]byte("qc6")),
			Round:  types.Round(15),
			Number: big.NewInt(910),
		},
		Signatures: sig,
		GapNumber:  uint64(gapNumber),
	}

	var qcSet1 []types.QuorumCert
	var qcSet2 []types.QuorumCert

	found, first, second := forensics.findQCsInSameRound(append(qcSet1, *qc1, *qc2, *qc3), append(qcSet2, *qc4, *qc5, *qc6))
	assert.True(t, found)
	assert.Equal(t, *qc2, first)
	assert.Equal(t, *qc4, second)
}

// headerWithQC builds a header whose extra carries the given round and QC.
func headerWithQC(t *testing.T, number int64, parentHash common.Hash, round types.Round, qc *types.QuorumCert) *types.Header {
	extra, err := (&types.ExtraFields_v2{Round: round, QuorumCert: qc}).EncodeToBytes()
	assert.Nil(t, err)
	return &types.Header{
		ParentHash: parentHash,
		Number:     big.NewInt(number),
		Difficulty: big.NewInt(1),
		Time:       big.NewInt(int64(number) * 2),
		Extra:      extra,
	}
}

func TestSetCommittedQCs(t *testing.T) {
	forensics := NewForensics()
	gapNumber := uint64(450)

	qcA := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   common.BytesToHash([]byte("block906")),
			Round:  types.Round(7),
			Number: big.NewInt(906),
		},
		GapNumber: gapNumber,
	}
	grandParent := headerWithQC(t, 907, qcA.ProposedBlockInfo.Hash, types.Round(8), qcA)

	qcB := &types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   grandParent.Hash(),
			Round:  types.Round(8),
			Number: big.NewInt(907),
		},
		GapNumber: gapNumber,
	}
	parent := headerWithQC(t, 908, grandParent.Hash(), types.Round(9), qcB)

	incomingQC := types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   parent.Hash(),
			Round:  types.Round(9),
			Number: big.NewInt(908),
		},
		GapNumber: gapNumber,
	}

	// Happy path, the window rolls to [qcA, qcB, incomingQC]
	err := forensics.SetCommittedQCs([]types.Header{*grandParent, *parent}, incomingQC)
	assert.Nil(t, err)
	assert.Equal(t, NUM_OF_FORENSICS_QC, len(forensics.HighestCommittedQCs))
	assert.Equal(t, *qcA, forensics.HighestCommittedQCs[0])
	assert.Equal(t, *qcB, forensics.HighestCommittedQCs[1])
	assert.Equal(t, incomingQC, forensics.HighestCommittedQCs[2])

	// Wrong input length
	err = forensics.SetCommittedQCs([]types.Header{*grandParent}, incomingQC)
	assert.EqualError(t, err, "received headers length not equal to 2")

	// Headers out of order
	err = forensics.SetCommittedQCs([]types.Header{*parent, *grandParent}, incomingQC)
	assert.EqualError(t, err, "headers shall be on the same chain and in the right order")

	// Incoming QC not pointing at the last header
	wrongQC := types.QuorumCert{
		ProposedBlockInfo: &types.BlockInfo{
			Hash:   grandParent.Hash(),
			Round:  types.Round(9),
			Number: big.NewInt(908),
		},
		GapNumber: gapNumber,
	}
	err = forensics.SetCommittedQCs([]types.Header{*grandParent, *parent}, wrongQC)
	assert.EqualError(t, err, "incomingQc is not pointing at the last header received")
}

func TestFindAncestorBlockHash(t *testing.T) {
	forensics := NewForensics()

	// Two branches fork off the same ancestor, branch b is one block longer.
	//   ancestor <- a1 <- a2
	//   ancestor <- b1 <- b2 <- b3
	ancestor := &types.Header{Number: big.NewInt(910), Difficulty: big.NewInt(1), Time: big.NewInt(1820), Extra: []byte("ancestor")}
	a1 := &types.Header{ParentHash: ancestor.Hash(), Number: big.NewInt(911), Difficulty: big.NewInt(1), Time: big.NewInt(1822), Extra: []byte("a1")}
	a2 := &types.Header{ParentHash: a1.Hash(), Number: big.NewInt(912), Difficulty: big.NewInt(1), Time: big.NewInt(1824), Extra: []byte("a2")}
	b1 := &types.Header{ParentHash: ancestor.Hash(), Number: big.NewInt(911), Difficulty: big.NewInt(1), Time: big.NewInt(1822), Extra: []byte("b1")}
	b2 := &types.Header{ParentHash: b1.Hash(), Number: big.NewInt(912), Difficulty: big.NewInt(1), Time: big.NewInt(1824), Extra: []byte("b2")}
	b3 := &types.Header{ParentHash: b2.Hash(), Number: big.NewInt(913), Difficulty: big.NewInt(1), Time: big.NewInt(1826), Extra: []byte("b3")}

	chain := newMockChainReader(ancestor, a1, a2, b1, b2, b3)

	blockInfoA2 := &types.BlockInfo{Hash: a2.Hash(), Round: types.Round(12), Number: big.NewInt(912)}
	blockInfoB3 := &types.BlockInfo{Hash: b3.Hash(), Round: types.Round(14), Number: big.NewInt(913)}

	ancestorHash, pathToA2, pathToB3, err := forensics.FindAncestorBlockHash(chain, blockInfoA2, blockInfoB3)
	assert.Nil(t, err)
	assert.Equal(t, ancestor.Hash(), ancestorHash)
	assert.Equal(t, []string{ancestor.Hash().Hex(), a1.Hash().Hex(), a2.Hash().Hex()}, pathToA2)
	assert.Equal(t, []string{ancestor.Hash().Hex(), b1.Hash().Hex(), b2.Hash().Hex(), b3.Hash().Hex()}, pathToB3)

	// Swapped argument order shall return the paths in matching order.
	ancestorHash, pathToB3, pathToA2, err = forensics.FindAncestorBlockHash(chain, blockInfoB3, blockInfoA2)
	assert.Nil(t, err)
	assert.Equal(t, ancestor.Hash(), ancestorHash)
	assert.Equal(t, []string{ancestor.Hash().Hex(), a1.Hash().Hex(), a2.Hash().Hex()}, pathToA2)
	assert.Equal(t, []string{ancestor.Hash().Hex(), b1.Hash().Hex(), b2.Hash().Hex(), b3.Hash().Hex()}, pathToB3)

	// A hash the chain does not know about
	unknown := &types.BlockInfo{Hash: common.BytesToHash([]byte("unknown")), Round: types.Round(15), Number: big.NewInt(914)}
	_, _, _, err = forensics.FindAncestorBlockHash(chain, blockInfoA2, unknown)
	assert.Error(t, err)
}

func TestGetVoteSignerAddresses(t *testing.T) {
	blockInfo := &types.BlockInfo{
		Hash:   common.BytesToHash([]byte("block920")),
		Round:  types.Round(20),
		Number: big.NewInt(920),
	}
	signedHash := SignHashByPK(signer1, types.VoteSigHash(&types.VoteForSign{
		ProposedBlockInfo: blockInfo,
		GapNumber:         450,
	}).Bytes())
	vote := &types.Vote{ProposedBlockInfo: blockInfo, Signature: signedHash, GapNumber: 450}

	signer, err := GetVoteSignerAddresses(vote)
	assert.Nil(t, err)
	assert.Equal(t, crypto.PubkeyToAddress(signer1.PublicKey), signer)
}

func TestDetectEquivocationInVotePool(t *testing.T) {
	forensics := NewForensics()
	votePool := utils.NewPool()
	gapNumber := uint64(450)

	blockInfo1 := &types.BlockInfo{
		Hash:   common.BytesToHash([]byte("fork1block920")),
		Round:  types.Round(20),
		Number: big.NewInt(920),
	}
	blockInfo2 := &types.BlockInfo{
		Hash:   common.BytesToHash([]byte("fork2block920")),
		Round:  types.Round(20),
		Number: big.NewInt(920),
	}

	signVote := func(pk *ecdsa.PrivateKey, blockInfo *types.BlockInfo) *types.Vote {
		signedHash := SignHashByPK(pk, types.VoteSigHash(&types.VoteForSign{
			ProposedBlockInfo: blockInfo,
			GapNumber:         gapNumber,
		}).Bytes())
		return &types.Vote{ProposedBlockInfo: blockInfo, Signature: signedHash, GapNumber: gapNumber}
	}

	// signer1 and signer2 voted for fork 2 already
	votePool.Add(signVote(signer1, blockInfo2))
	votePool.Add(signVote(signer2, blockInfo2))

	forensicsEventCh := make(chan types.ForensicsEvent, 5)
	sub := forensics.SubscribeForensicsEvent(forensicsEventCh)
	defer sub.Unsubscribe()

	// signer3 voting for fork 1 conflicts with nobody
	forensics.DetectEquivocationInVotePool(signVote(signer3, blockInfo1), votePool)
	select {
	case ev := <-forensicsEventCh:
		t.Fatalf("unexpected forensics proof %v", ev.ForensicsProof)
	case <-time.After(500 * time.Millisecond):
	}

	// signer1 voting for fork 1 in the same round is an equivocation
	vote1 := signVote(signer1, blockInfo1)
	forensics.DetectEquivocationInVotePool(vote1, votePool)
	select {
	case ev := <-forensicsEventCh:
		assert.Equal(t, "Vote", ev.ForensicsProof.ForensicsType)
		var content types.VoteEquivocationContent
		err := json.Unmarshal([]byte(ev.ForensicsProof.Content), &content)
		assert.Nil(t, err)
		assert.Equal(t, crypto.PubkeyToAddress(signer1.PublicKey), content.Signer)
		assert.Equal(t, types.Round(20), content.SmallerRoundVote.ProposedBlockInfo.Round)
		assert.Equal(t, types.Round(20), content.LargerRoundVote.ProposedBlockInfo.Round)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the vote equivocation proof")
	}
}
