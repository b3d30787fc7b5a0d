package types

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestHashAndSigHash(t *testing.T) {
	round := Round(307)
	blockInfo1 := &BlockInfo{Hash: common.BigToHash(big.NewInt(2047)), Round: round - 1, Number: big.NewInt(1)}
	blockInfo2 := &BlockInfo{Hash: common.BigToHash(big.NewInt(4095)), Round: round - 1, Number: big.NewInt(1)}
	signature1 := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	signature2 := []byte{1, 2, 3, 4, 5, 6, 7, 7}
	signatures1 := []Signature{signature1}
	signatures2 := []Signature{signature2}
	quorumCert1 := &QuorumCert{ProposedBlockInfo: blockInfo1, Signatures: signatures1, GapNumber: 450}
	quorumCert2 := &QuorumCert{ProposedBlockInfo: blockInfo1, Signatures: signatures2, GapNumber: 450}
	vote1 := Vote{ProposedBlockInfo: blockInfo1, Signature: signature1, GapNumber: 450}
	vote2 := Vote{ProposedBlockInfo: blockInfo1, Signature: signature2, GapNumber: 450}
	if vote1.Hash() == vote2.Hash() {
		t.Fatalf("Hash of two votes shouldn't equal")
	}
	timeout1 := Timeout{Round: 10, Signature: signature1}
	timeout2 := Timeout{Round: 10, Signature: signature2}
	if timeout1.Hash() == timeout2.Hash() {
		t.Fatalf("Hash of two timeouts shouldn't equal")
	}
	syncInfo1 := SyncInfo{HighestQuorumCert: quorumCert1}
	syncInfo2 := SyncInfo{HighestQuorumCert: quorumCert2}
	if syncInfo1.Hash() == syncInfo2.Hash() {
		t.Fatalf("Hash of two sync info shouldn't equal")
	}
	if VoteSigHash(&VoteForSign{ProposedBlockInfo: blockInfo1, GapNumber: 450}) == VoteSigHash(&VoteForSign{ProposedBlockInfo: blockInfo2, GapNumber: 450}) {
		t.Fatalf("SigHash of two block info shouldn't equal")
	}
	if VoteSigHash(&VoteForSign{ProposedBlockInfo: blockInfo1, GapNumber: 450}) == VoteSigHash(&VoteForSign{ProposedBlockInfo: blockInfo1, GapNumber: 1350}) {
		t.Fatalf("SigHash of two gap numbers shouldn't equal")
	}
	round2 := Round(999)
	if TimeoutSigHash(&TimeoutForSign{Round: round, GapNumber: 450}) == TimeoutSigHash(&TimeoutForSign{Round: round2, GapNumber: 450}) {
		t.Fatalf("SigHash of two round shouldn't equal")
	}
}

func TestPoolKey(t *testing.T) {
	blockInfo := &BlockInfo{Hash: common.BigToHash(big.NewInt(2047)), Round: 10, Number: big.NewInt(910)}
	vote := Vote{ProposedBlockInfo: blockInfo, Signature: []byte{1}, GapNumber: 450}
	if vote.PoolKey() != "10:450:910:"+blockInfo.Hash.Hex() {
		t.Fatalf("Unexpected vote pool key: %s", vote.PoolKey())
	}
	timeout := Timeout{Round: 10, Signature: []byte{1}, GapNumber: 450}
	if timeout.PoolKey() != "10:450" {
		t.Fatalf("Unexpected timeout pool key: %s", timeout.PoolKey())
	}
	signer := common.BytesToAddress([]byte("abc"))
	timeout.SetSigner(signer)
	if timeout.GetSigner() != signer {
		t.Fatalf("Timeout signer roundtrip failed")
	}
}
