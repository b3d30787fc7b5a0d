// Copyright (c) 2018 XDPoSChain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with this program. If not, see <http://www.gnu.org/licenses/>.

package engine_v1

import (
	"bytes"
	"crypto/ecdsa"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	lru "github.com/hashicorp/golang-lru"
	"github.com/stretchr/testify/assert"

	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

var (
	sealer1Key, _ = crypto.HexToECDSA("8a1f9a8f95be41cd7ccb6168179afb4504aefe388d1e14474d32c45c72ce7b7a")
	sealer2Key, _ = crypto.HexToECDSA("49a7b37aa6f6645917e7b807e9d1c00d4fa71f18343b0d4122a4d2df64dd6fee")
	sealer3Key, _ = crypto.HexToECDSA("b71c71a67e1177ad4e901695e1b4b9ee17ae16c6668d313eac2f96dbcda3f291")
	sealer1Addr   = crypto.PubkeyToAddress(sealer1Key.PublicKey)
	sealer2Addr   = crypto.PubkeyToAddress(sealer2Key.PublicKey)
	sealer3Addr   = crypto.PubkeyToAddress(sealer3Key.PublicKey)
)

func newTestSnapshot(t *testing.T, number uint64, signers []common.Address) *SnapshotV1 {
	sigcache, err := lru.NewARC(16)
	assert.Nil(t, err)
	config := &params.XDPoSConfig{Epoch: 900, Gap: 450}
	return newSnapshot(config, sigcache, number, common.Hash{}, signers)
}

// voteHeader builds a header casting the given vote, sealed by key. Only the
// fields the snapshot apply path looks at are populated.
func voteHeader(t *testing.T, number uint64, coinbase common.Address, nonce []byte, extraSigners []common.Address, key *ecdsa.PrivateKey) *types.Header {
	extra := make([]byte, extraVanity)
	for _, s := range extraSigners {
		extra = append(extra, s.Bytes()...)
	}
	extra = append(extra, make([]byte, extraSeal)...)

	header := &types.Header{
		Number:     new(big.Int).SetUint64(number),
		Time:       new(big.Int).SetUint64(number * 2),
		Difficulty: big.NewInt(2),
		Coinbase:   coinbase,
		Extra:      extra,
	}
	copy(header.Nonce[:], nonce)

	sig, err := crypto.Sign(sigHash(header).Bytes(), key)
	assert.Nil(t, err)
	copy(header.Extra[len(header.Extra)-extraSeal:], sig)
	return header
}

func TestSnapshotAuthVoteMajority(t *testing.T) {
	newSigner := common.HexToAddress("0x703c4b2bD70c169f5717101CaeE543299Fc946C7")
	snap := newTestSnapshot(t, 0, []common.Address{sealer1Addr, sealer2Addr, sealer3Addr})

	// One vote is not strictly more than half of three signers
	h1 := voteHeader(t, 1, newSigner, utils.NonceAuthVote, nil, sealer1Key)
	snap, err := snap.apply([]*types.Header{h1})
	assert.Nil(t, err)
	_, authorized := snap.Signers[newSigner]
	assert.False(t, authorized)
	assert.Equal(t, 1, len(snap.Votes))
	assert.Equal(t, 1, snap.Tally[newSigner].Votes)

	// The second vote tips the majority, votes and tally are swept
	h2 := voteHeader(t, 2, newSigner, utils.NonceAuthVote, nil, sealer2Key)
	snap, err = snap.apply([]*types.Header{h2})
	assert.Nil(t, err)
	_, authorized = snap.Signers[newSigner]
	assert.True(t, authorized)
	assert.Equal(t, 0, len(snap.Votes))
	assert.Equal(t, 0, len(snap.Tally))
	assert.Equal(t, uint64(2), snap.Number)
	assert.Equal(t, h2.Hash(), snap.Hash)
}

func TestSnapshotDropVoteMajority(t *testing.T) {
	dropped := common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7")
	snap := newTestSnapshot(t, 0, []common.Address{sealer1Addr, sealer2Addr, sealer3Addr, dropped})

	// Four signers, dropping one takes three votes
	headers := []*types.Header{
		voteHeader(t, 1, dropped, utils.NonceDropVote, nil, sealer1Key),
		voteHeader(t, 2, dropped, utils.NonceDropVote, nil, sealer2Key),
	}
	snap, err := snap.apply(headers)
	assert.Nil(t, err)
	_, stillIn := snap.Signers[dropped]
	assert.True(t, stillIn)

	snap, err = snap.apply([]*types.Header{voteHeader(t, 3, dropped, utils.NonceDropVote, nil, sealer3Key)})
	assert.Nil(t, err)
	_, stillIn = snap.Signers[dropped]
	assert.False(t, stillIn)
	assert.Equal(t, 3, len(snap.Signers))
	assert.Equal(t, 0, len(snap.Votes))
	assert.Equal(t, 0, len(snap.Tally))
}

// A signer changing its mind replaces its earlier vote instead of stacking it.
func TestSnapshotRepeatedVoteNotStacked(t *testing.T) {
	newSigner := common.HexToAddress("0x703c4b2bD70c169f5717101CaeE543299Fc946C7")
	snap := newTestSnapshot(t, 0, []common.Address{sealer1Addr, sealer2Addr, sealer3Addr})

	headers := []*types.Header{
		voteHeader(t, 1, newSigner, utils.NonceAuthVote, nil, sealer1Key),
		voteHeader(t, 2, newSigner, utils.NonceAuthVote, nil, sealer1Key),
	}
	snap, err := snap.apply(headers)
	assert.Nil(t, err)
	_, authorized := snap.Signers[newSigner]
	assert.False(t, authorized)
	assert.Equal(t, 1, len(snap.Votes))
	assert.Equal(t, 1, snap.Tally[newSigner].Votes)
}

func TestSnapshotCheckpointReset(t *testing.T) {
	snap := newTestSnapshot(t, 899, []common.Address{sealer1Addr})
	// Pending voting state and a live recents window going into the checkpoint
	pending := common.HexToAddress("0x703c4b2bD70c169f5717101CaeE543299Fc946C7")
	snap.Votes = append(snap.Votes, &utils.Vote{Signer: sealer1Addr, Block: 898, Address: pending, Authorize: true})
	snap.Tally[pending] = utils.Tally{Authorize: true, Votes: 1}
	snap.Recents[898] = sealer1Addr
	snap.Recents[899] = sealer1Addr

	// The checkpoint carries the next masternode list in its extra
	checkpoint := voteHeader(t, 900, common.Address{}, utils.NonceDropVote, []common.Address{sealer2Addr, sealer3Addr}, sealer1Key)
	snap, err := snap.apply([]*types.Header{checkpoint})
	assert.Nil(t, err)

	// Votes and tally reset, the signer list is adopted from the header
	assert.Equal(t, 0, len(snap.Votes))
	assert.Equal(t, 0, len(snap.Tally))
	assert.Equal(t, 2, len(snap.Signers))
	_, ok := snap.Signers[sealer2Addr]
	assert.True(t, ok)
	_, ok = snap.Signers[sealer3Addr]
	assert.True(t, ok)
	_, ok = snap.Signers[sealer1Addr]
	assert.False(t, ok)

	// The recents window survives the reset, trimmed to the new signer count
	assert.Equal(t, sealer1Addr, snap.Recents[900])
	assert.Equal(t, sealer1Addr, snap.Recents[899])
	_, ok = snap.Recents[898]
	assert.False(t, ok)
}

func TestSnapshotRecentsWindowTrim(t *testing.T) {
	snap := newTestSnapshot(t, 0, []common.Address{sealer1Addr, sealer2Addr, sealer3Addr})

	headers := []*types.Header{
		voteHeader(t, 1, common.Address{}, utils.NonceDropVote, nil, sealer1Key),
		voteHeader(t, 2, common.Address{}, utils.NonceDropVote, nil, sealer2Key),
		voteHeader(t, 3, common.Address{}, utils.NonceDropVote, nil, sealer3Key),
	}
	snap, err := snap.apply(headers)
	assert.Nil(t, err)

	// Three signers keep a window of two: block 1 has been shifted out
	assert.Equal(t, 2, len(snap.Recents))
	assert.Equal(t, sealer2Addr, snap.Recents[2])
	assert.Equal(t, sealer3Addr, snap.Recents[3])
}

func TestSnapshotApplyRejectsBrokenChains(t *testing.T) {
	snap := newTestSnapshot(t, 0, []common.Address{sealer1Addr, sealer2Addr, sealer3Addr})

	// Gap between headers
	headers := []*types.Header{
		voteHeader(t, 1, common.Address{}, utils.NonceDropVote, nil, sealer1Key),
		voteHeader(t, 3, common.Address{}, utils.NonceDropVote, nil, sealer2Key),
	}
	_, err := snap.apply(headers)
	assert.Equal(t, utils.ErrInvalidVotingChain, err)

	// First header not on top of the snapshot
	_, err = snap.apply([]*types.Header{voteHeader(t, 2, common.Address{}, utils.NonceDropVote, nil, sealer1Key)})
	assert.Equal(t, utils.ErrInvalidVotingChain, err)

	// Garbage nonce
	garbage := voteHeader(t, 1, common.Address{}, []byte{0xde, 0xad, 0xbe, 0xef, 0xde, 0xad, 0xbe, 0xef}, nil, sealer1Key)
	_, err = snap.apply([]*types.Header{garbage})
	assert.Equal(t, utils.ErrInvalidVote, err)
}

func TestSnapshotGetSignersSorted(t *testing.T) {
	snap := newTestSnapshot(t, 0, []common.Address{sealer3Addr, sealer1Addr, sealer2Addr})
	signers := snap.GetSigners()
	assert.Equal(t, 3, len(signers))
	for i := 1; i < len(signers); i++ {
		assert.True(t, bytes.Compare(signers[i-1][:], signers[i][:]) < 0)
	}
}

func TestSnapshotInturn(t *testing.T) {
	snap := newTestSnapshot(t, 0, []common.Address{sealer1Addr, sealer2Addr, sealer3Addr})
	signers := snap.GetSigners()

	for number := uint64(1); number <= 6; number++ {
		expected := signers[number%3]
		for _, signer := range signers {
			assert.Equal(t, signer == expected, snap.inturn(number, signer))
		}
	}
}
