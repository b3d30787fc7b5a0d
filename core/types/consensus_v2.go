package types

import (
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

// Round number type in XDPoS 2.0
type Round uint64
type Signature []byte

// Block Info struct in XDPoS 2.0, used for vote message, etc.
type BlockInfo struct {
	Hash   common.Hash `json:"hash"`
	Round  Round       `json:"round"`
	Number *big.Int    `json:"number"`
}

// Vote message in XDPoS 2.0
type Vote struct {
	signer            common.Address //field not exported
	ProposedBlockInfo *BlockInfo     `json:"proposedBlockInfo"`
	Signature         Signature      `json:"signature"`
	GapNumber         uint64         `json:"gapNumber"`
}

func (v *Vote) Hash() common.Hash {
	return rlpHash(v)
}

func (v *Vote) PoolKey() string {
	// return the voted block round:gapNumber:blockNumber:blockHash
	return strconv.FormatInt(int64(v.ProposedBlockInfo.Round), 10) + ":" + strconv.FormatUint(v.GapNumber, 10) + ":" + strconv.FormatInt(v.ProposedBlockInfo.Number.Int64(), 10) + ":" + v.ProposedBlockInfo.Hash.Hex()
}

func (v *Vote) GetSigner() common.Address {
	return v.signer
}

func (v *Vote) SetSigner(signer common.Address) {
	v.signer = signer
}

// Timeout message in XDPoS 2.0
type Timeout struct {
	signer    common.Address
	Round     Round
	Signature Signature
	GapNumber uint64
}

func (t *Timeout) Hash() common.Hash {
	return rlpHash(t)
}

func (t *Timeout) PoolKey() string {
	// timeout pool key is round:gapNumber
	return strconv.FormatInt(int64(t.Round), 10) + ":" + strconv.FormatUint(t.GapNumber, 10)
}

func (t *Timeout) GetSigner() common.Address {
	return t.signer
}

func (t *Timeout) SetSigner(signer common.Address) {
	t.signer = signer
}

// BFT Sync Info message in XDPoS 2.0
type SyncInfo struct {
	HighestQuorumCert  *QuorumCert
	HighestTimeoutCert *TimeoutCert
}

func (s *SyncInfo) Hash() common.Hash {
	return rlpHash(s)
}

// Quorum Certificate struct in XDPoS 2.0
type QuorumCert struct {
	ProposedBlockInfo *BlockInfo  `json:"proposedBlockInfo"`
	Signatures        []Signature `json:"signatures"`
	GapNumber         uint64      `json:"gapNumber"`
}

// Timeout Certificate struct in XDPoS 2.0
type TimeoutCert struct {
	Round      Round
	Signatures []Signature
	GapNumber  uint64
}

// The parsed extra fields in block header in XDPoS 2.0 (excluding the version byte)
// The version byte (consensus version) is the first byte in header's extra and it's only valid with value >= 2
type ExtraFields_v2 struct {
	Round      Round
	QuorumCert *QuorumCert
}

// Encode XDPoS 2.0 extra fields into bytes
func (e *ExtraFields_v2) EncodeToBytes() ([]byte, error) {
	bytes, err := rlp.EncodeToBytes(e)
	if err != nil {
		return nil, err
	}
	versionByte := []byte{2}
	return append(versionByte, bytes...), nil
}

// Vote and Timeout are the messages to be signed. The digest is computed over
// the struct below, not over the raw message, so the gap number is bound into
// every signature.
type VoteForSign struct {
	ProposedBlockInfo *BlockInfo
	GapNumber         uint64
}

func VoteSigHash(m *VoteForSign) common.Hash {
	return rlpHash(m)
}

type TimeoutForSign struct {
	Round     Round
	GapNumber uint64
}

func TimeoutSigHash(m *TimeoutForSign) common.Hash {
	return rlpHash(m)
}

type EpochSwitchInfo struct {
	Penalties                  []common.Address
	Masternodes                []common.Address
	EpochSwitchBlockInfo       *BlockInfo
	EpochSwitchParentBlockInfo *BlockInfo
}

// PoolObj is the interface of BFT messages that can be kept in a message pool,
// vote and timeout messages implement it.
type PoolObj interface {
	Hash() common.Hash
	PoolKey() string
	GetSigner() common.Address
	SetSigner(signer common.Address)
}

type ForensicsInfo struct {
	HashPath        []string
	QuorumCert      QuorumCert
	SignerAddresses []string
}

type ForensicsContent struct {
	DivergingBlockNumber uint64
	DivergingBlockHash   string
	AcrossEpoch          bool
	SmallerRoundInfo     *ForensicsInfo
	LargerRoundInfo      *ForensicsInfo
}

type VoteEquivocationContent struct {
	SmallerRoundVote *Vote
	LargerRoundVote  *Vote
	Signer           common.Address
}

type ForensicProof struct {
	Id            string
	ForensicsType string // QC or VOTE
	Content       string // json string of the forensics data
}

// ForensicsEvent is posted when a forensics proof is generated
type ForensicsEvent struct {
	ForensicsProof *ForensicProof
}
