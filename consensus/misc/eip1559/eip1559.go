// Copyright 2021 The go-ethereum Authors
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

package eip1559

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

// VerifyEip1559Header verifies the presence and value of the baseFee field
// against the fork schedule.
func VerifyEip1559Header(config *params.ChainConfig, header *types.Header) error {
	if config.IsEIP1559(header.Number) {
		if header.BaseFee == nil {
			return errors.New("header is missing baseFee")
		}
		expected := CalcBaseFee(config, header.Number)
		if header.BaseFee.Cmp(expected) != 0 {
			return fmt.Errorf("invalid baseFee: have %s, want %s", header.BaseFee, expected)
		}
	} else if header.BaseFee != nil {
		return fmt.Errorf("invalid baseFee before fork: have %s, expected 'nil'", header.BaseFee)
	}
	return nil
}

// CalcBaseFee returns the base fee at the given height, nil before the fork.
func CalcBaseFee(config *params.ChainConfig, number *big.Int) *big.Int {
	if !config.IsEIP1559(number) {
		return nil
	}
	return new(big.Int).SetUint64(params.InitialBaseFee)
}
