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
	"math/big"

	ethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/XinFinOrg/xdpos-engine/params"
)

// XDPoS changes block headers but leaves transaction and receipt semantics
// untouched, so those types keep their upstream go-ethereum implementations.
// They are re-exported here so the rest of the module imports a single types
// package.
type (
	Transaction     = ethtypes.Transaction
	Transactions    = ethtypes.Transactions
	Receipt         = ethtypes.Receipt
	Receipts        = ethtypes.Receipts
	Log             = ethtypes.Log
	Bloom           = ethtypes.Bloom
	BlockNonce      = ethtypes.BlockNonce
	Signer          = ethtypes.Signer
	HomesteadSigner = ethtypes.HomesteadSigner
)

var (
	NewTransaction  = ethtypes.NewTransaction
	EncodeNonce     = ethtypes.EncodeNonce
	NewEIP155Signer = ethtypes.NewEIP155Signer
	Sender          = ethtypes.Sender
	SignTx          = ethtypes.SignTx
	DeriveSha       = ethtypes.DeriveSha
	CreateBloom     = ethtypes.CreateBloom
)

// MakeSigner returns a Signer based on the given chain config and block number.
func MakeSigner(config *params.ChainConfig, blockNumber *big.Int) Signer {
	var signer Signer
	switch {
	case config.IsEIP155(blockNumber):
		signer = NewEIP155Signer(config.ChainId)
	default:
		signer = HomesteadSigner{}
	}
	return signer
}
