package utils

import (
	"fmt"
	"reflect"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/rlp"
)

func Position(list []common.Address, x common.Address) int {
	for i, item := range list {
		if item == x {
			return i
		}
	}
	return -1
}

func Hop(len, pre, cur int) int {
	switch {
	case pre < cur:
		return cur - (pre + 1)
	case pre > cur:
		return (len - pre) + (cur - 1)
	default:
		return len - 1
	}
}

// Extract addresses from a concatenation of 20 byte segments.
func ExtractAddressFromBytes(bytesAddresses []byte) []common.Address {
	if bytesAddresses != nil && len(bytesAddresses) < common.AddressLength {
		return []common.Address{}
	}
	addresses := make([]common.Address, len(bytesAddresses)/common.AddressLength)
	for i := 0; i < len(addresses); i++ {
		copy(addresses[i][:], bytesAddresses[i*common.AddressLength:])
	}
	return addresses
}

// Pack addresses back into a concatenation of 20 byte segments.
func ExtractAddressToBytes(addresses []common.Address) []byte {
	bytesAddresses := []byte{}
	for _, address := range addresses {
		bytesAddresses = append(bytesAddresses, address.Bytes()...)
	}
	return bytesAddresses
}

// RemoveItemFromArray removes any occurrence of the items from the array.
func RemoveItemFromArray(array []common.Address, items []common.Address) []common.Address {
	if len(items) == 0 {
		return array
	}
	for _, item := range items {
		for i := len(array) - 1; i >= 0; i-- {
			if array[i] == item {
				array = append(array[:i], array[i+1:]...)
			}
		}
	}
	return array
}

// compare 2 signers lists
// return true if they are same elements, otherwise return false
func CompareSignersLists(list1 []common.Address, list2 []common.Address) bool {
	if len(list1) == 0 && len(list2) == 0 {
		return true
	}
	sort.Slice(list1, func(i, j int) bool {
		return list1[i].String() <= list1[j].String()
	})
	sort.Slice(list2, func(i, j int) bool {
		return list2[i].String() <= list2[j].String()
	})
	return reflect.DeepEqual(list1, list2)
}

// RecoverAddressFromSignature recovers the signing address from a 65 byte
// [R ‖ S ‖ V] signature over hash. V is tolerated in its raw 0/1 form, the
// legacy 27/28 form and the chain id offset form (>= 35), normalized before
// recovery.
func RecoverAddressFromSignature(hash common.Hash, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length %d", len(signature))
	}
	sig := make([]byte, len(signature))
	copy(sig, signature)
	if sig[64] >= 35 {
		sig[64] = (sig[64] - 35) % 2
	} else if sig[64] >= 27 {
		sig[64] -= 27
	}
	pubkey, err := crypto.Ecrecover(hash.Bytes(), sig)
	if err != nil {
		return common.Address{}, err
	}
	var signer common.Address
	copy(signer[:], crypto.Keccak256(pubkey[1:])[12:])
	return signer, nil
}

// Decode extra fields for consensus version >= 2 (XDPoS 2.0 and future versions)
func DecodeBytesExtraFields(b []byte, val interface{}) error {
	if len(b) == 0 {
		return fmt.Errorf("extra field is 0 length")
	}
	switch b[0] {
	case 1:
		return fmt.Errorf("consensus version 1 is not applicable for decoding extra fields")
	case 2:
		return rlp.DecodeBytes(b[1:], val)
	default:
		return fmt.Errorf("consensus version %d is not defined", b[0])
	}
}
