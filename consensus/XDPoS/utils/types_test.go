package utils

import (
	"math/big"
	"reflect"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/XinFinOrg/xdpos-engine/core/types"
)

func toyExtraFields() *types.ExtraFields_v2 {
	round := types.Round(307)
	blockInfo := &types.BlockInfo{Hash: common.BigToHash(big.NewInt(2047)), Round: round - 1, Number: big.NewInt(1)}
	signature := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	signatures := []types.Signature{signature}
	quorumCert := &types.QuorumCert{ProposedBlockInfo: blockInfo, Signatures: signatures, GapNumber: 450}
	e := &types.ExtraFields_v2{Round: round, QuorumCert: quorumCert}
	return e
}

func TestExtraFieldsEncodeDecode(t *testing.T) {
	extraFields := toyExtraFields()
	encoded, err := extraFields.EncodeToBytes()
	if err != nil {
		t.Errorf("Error when encoding extra fields")
	}
	var decoded types.ExtraFields_v2
	err = DecodeBytesExtraFields(encoded, &decoded)
	if err != nil {
		t.Errorf("Error when decoding extra fields")
	}
	if !reflect.DeepEqual(*extraFields, decoded) {
		t.Fatalf("Decoded not equal to original extra field, original: %v; decoded: %v", extraFields, decoded)
	}
}

func TestDecodeBytesExtraFieldsRejectsOtherVersions(t *testing.T) {
	var decoded types.ExtraFields_v2
	if err := DecodeBytesExtraFields([]byte{}, &decoded); err == nil {
		t.Fatalf("Expected error on empty extra field")
	}
	if err := DecodeBytesExtraFields([]byte{1, 2, 3}, &decoded); err == nil {
		t.Fatalf("Expected error on version 1 extra field")
	}
	if err := DecodeBytesExtraFields([]byte{9, 2, 3}, &decoded); err == nil {
		t.Fatalf("Expected error on unknown version extra field")
	}
}

func TestCompareSignersLists(t *testing.T) {
	a := common.BytesToAddress([]byte("aaa"))
	b := common.BytesToAddress([]byte("bbb"))
	c := common.BytesToAddress([]byte("ccc"))
	if !CompareSignersLists([]common.Address{a, b, c}, []common.Address{c, b, a}) {
		t.Fatalf("Lists with the same elements should compare equal")
	}
	if !CompareSignersLists([]common.Address{}, []common.Address{}) {
		t.Fatalf("Two empty lists should compare equal")
	}
	if CompareSignersLists([]common.Address{a, b}, []common.Address{a, c}) {
		t.Fatalf("Lists with different elements should not compare equal")
	}
	if CompareSignersLists([]common.Address{a, b, c}, []common.Address{a, b}) {
		t.Fatalf("Lists with different lengths should not compare equal")
	}
}

func TestExtractAddressFromBytes(t *testing.T) {
	addresses := []common.Address{
		common.BytesToAddress([]byte("aaa")),
		common.BytesToAddress([]byte("bbb")),
		common.BytesToAddress([]byte("ccc")),
	}
	var joined []byte
	for _, addr := range addresses {
		joined = append(joined, addr.Bytes()...)
	}
	extracted := ExtractAddressFromBytes(joined)
	if !reflect.DeepEqual(addresses, extracted) {
		t.Fatalf("Extracted addresses do not match, want: %v, got: %v", addresses, extracted)
	}
	if len(ExtractAddressFromBytes([]byte{})) != 0 {
		t.Fatalf("Extracting from empty bytes should yield no addresses")
	}
}

func TestPositionAndHop(t *testing.T) {
	a := common.BytesToAddress([]byte("aaa"))
	b := common.BytesToAddress([]byte("bbb"))
	list := []common.Address{a, b}
	if pos := Position(list, b); pos != 1 {
		t.Fatalf("Expected position 1, got %d", pos)
	}
	if pos := Position(list, common.BytesToAddress([]byte("ccc"))); pos != -1 {
		t.Fatalf("Expected position -1 for missing address, got %d", pos)
	}
	if hop := Hop(3, 0, 2); hop != 1 {
		t.Fatalf("Expected 1 hop going forwards, got %d", hop)
	}
	if hop := Hop(3, 2, 1); hop != 1 {
		t.Fatalf("Expected 1 hop wrapping around, got %d", hop)
	}
	if hop := Hop(3, 1, 1); hop != 2 {
		t.Fatalf("Expected a full lap for the same position, got %d", hop)
	}
}
