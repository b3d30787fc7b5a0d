// Copyright 2014 The go-ethereum Authors
// This file is part of the go-ethereum library.
//
// The go-ethereum library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The go-ethereum library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the go-ethereum library. If not, see <http://www.gnu.org/licenses/>.

package types

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
)

func testHeader() *Header {
	return &Header{
		ParentHash:  common.HexToHash("0x83cafc574e1f51ba9dc0568fc617a08ea2429fb384059c972f13b19fa1c8dd55"),
		UncleHash:   EmptyUncleHash,
		Coinbase:    common.HexToAddress("0x8888f1f195afa192cfee860698584c030f4c9db1"),
		Root:        common.HexToHash("0xef1552a40b7165c3cd773806b9e0c165b75356e0314bf0706f279c729f51e017"),
		TxHash:      EmptyRootHash,
		ReceiptHash: EmptyRootHash,
		Difficulty:  big.NewInt(1),
		Number:      big.NewInt(910),
		GasLimit:    84000000,
		GasUsed:     0,
		Time:        big.NewInt(1820),
		Extra:       []byte{0x02, 0x01, 0x02, 0x03},
		MixDigest:   common.Hash{},
	}
}

// The canonical hash covers the standard field subset only, the XDPoS
// validator fields ride along without influencing block identity.
func TestHeaderHashExcludesValidatorFields(t *testing.T) {
	base := testHeader()
	stamped := CopyHeader(base)
	stamped.Validators = common.HexToAddress("0x703c4b2bD70c169f5717101CaeE543299Fc946C7").Bytes()
	stamped.Validator = bytes.Repeat([]byte{0xab}, 65)
	stamped.Penalties = common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7").Bytes()

	if base.Hash() != stamped.Hash() {
		t.Fatalf("validator fields changed the canonical hash: %v != %v", base.Hash(), stamped.Hash())
	}

	// The wire encodings have to differ, the fields are carried there
	baseEnc, err := rlp.EncodeToBytes(base)
	if err != nil {
		t.Fatalf("encode base header: %v", err)
	}
	stampedEnc, err := rlp.EncodeToBytes(stamped)
	if err != nil {
		t.Fatalf("encode stamped header: %v", err)
	}
	if bytes.Equal(baseEnc, stampedEnc) {
		t.Fatal("validator fields are missing from the header encoding")
	}

	// Every standard field still has to move the hash
	tweaked := CopyHeader(base)
	tweaked.GasUsed++
	if base.Hash() == tweaked.Hash() {
		t.Fatal("standard field change did not move the canonical hash")
	}
}

func TestHeaderHashCoversBaseFee(t *testing.T) {
	legacy := testHeader()
	withFee := CopyHeader(legacy)
	withFee.BaseFee = big.NewInt(12500000000)

	if legacy.Hash() == withFee.Hash() {
		t.Fatal("baseFee did not take part in the canonical hash")
	}
}

func TestHeaderRLPRoundTrip(t *testing.T) {
	header := testHeader()
	header.Validators = append(
		common.HexToAddress("0x703c4b2bD70c169f5717101CaeE543299Fc946C7").Bytes(),
		common.HexToAddress("0x71562b71999873DB5b286dF957af199Ec94617F7").Bytes()...,
	)
	header.Validator = bytes.Repeat([]byte{0xcd}, 65)
	header.Penalties = common.HexToAddress("0x5F74529C0338546f82389402a01c31fB52c6f434").Bytes()

	enc, err := rlp.EncodeToBytes(header)
	if err != nil {
		t.Fatalf("encode header: %v", err)
	}
	var decoded Header
	if err := rlp.DecodeBytes(enc, &decoded); err != nil {
		t.Fatalf("decode header: %v", err)
	}
	if decoded.Hash() != header.Hash() {
		t.Fatalf("hash mismatch after round trip: %v != %v", decoded.Hash(), header.Hash())
	}
	if !bytes.Equal(decoded.Validators, header.Validators) {
		t.Fatal("validators lost in round trip")
	}
	if !bytes.Equal(decoded.Validator, header.Validator) {
		t.Fatal("validator seal lost in round trip")
	}
	if !bytes.Equal(decoded.Penalties, header.Penalties) {
		t.Fatal("penalties lost in round trip")
	}
	if decoded.BaseFee != nil {
		t.Fatalf("unexpected baseFee after pre-1559 round trip: %v", decoded.BaseFee)
	}

	// Post-1559 headers carry the 19th element
	header.BaseFee = big.NewInt(12500000000)
	enc, err = rlp.EncodeToBytes(header)
	if err != nil {
		t.Fatalf("encode 1559 header: %v", err)
	}
	var decoded1559 Header
	if err := rlp.DecodeBytes(enc, &decoded1559); err != nil {
		t.Fatalf("decode 1559 header: %v", err)
	}
	if decoded1559.BaseFee == nil || decoded1559.BaseFee.Cmp(header.BaseFee) != 0 {
		t.Fatalf("baseFee lost in round trip: %v", decoded1559.BaseFee)
	}
}

// Headers stored before the validator fields existed encode 15 elements and
// still have to decode, with the validator fields left empty.
func TestHeaderDecodeLegacyEncoding(t *testing.T) {
	header := testHeader()
	legacy := []interface{}{
		header.ParentHash,
		header.UncleHash,
		header.Coinbase,
		header.Root,
		header.TxHash,
		header.ReceiptHash,
		header.Bloom,
		header.Difficulty,
		header.Number,
		header.GasLimit,
		header.GasUsed,
		header.Time,
		header.Extra,
		header.MixDigest,
		header.Nonce,
	}
	enc, err := rlp.EncodeToBytes(legacy)
	if err != nil {
		t.Fatalf("encode legacy header: %v", err)
	}

	var decoded Header
	if err := rlp.DecodeBytes(enc, &decoded); err != nil {
		t.Fatalf("decode legacy header: %v", err)
	}
	if decoded.Hash() != header.Hash() {
		t.Fatalf("legacy decode hash mismatch: %v != %v", decoded.Hash(), header.Hash())
	}
	if len(decoded.Validators) != 0 || len(decoded.Validator) != 0 || len(decoded.Penalties) != 0 {
		t.Fatal("legacy decode populated validator fields")
	}

	// Any other element count is rejected
	truncated := legacy[:14]
	enc, err = rlp.EncodeToBytes(truncated)
	if err != nil {
		t.Fatalf("encode truncated header: %v", err)
	}
	if err := rlp.DecodeBytes(enc, &decoded); err == nil {
		t.Fatal("14 element header encoding was accepted")
	}
}

func TestCopyHeaderIsDeep(t *testing.T) {
	header := testHeader()
	header.Validators = common.HexToAddress("0x703c4b2bD70c169f5717101CaeE543299Fc946C7").Bytes()

	cpy := CopyHeader(header)
	cpy.Number.SetUint64(911)
	cpy.Validators[0] ^= 0xff

	if header.Number.Uint64() != 910 {
		t.Fatalf("copy shares the number: %v", header.Number)
	}
	if header.Validators[0] == cpy.Validators[0] {
		t.Fatal("copy shares the validators slice")
	}
}
