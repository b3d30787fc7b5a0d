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

package XDPoS

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
	"github.com/XinFinOrg/xdpos-engine/params"
)

// API is a user facing RPC API to allow controlling the signer and voting
// mechanisms of the proof-of-stake-voting scheme.
type API struct {
	chain consensus.ChainReader
	XDPoS *XDPoS
}

// NetworkInformation carries the well known contract addresses of the
// network the engine runs on.
type NetworkInformation struct {
	NetworkId           *big.Int
	XDCValidatorAddress common.Address
	BlockSignerAddress  common.Address
}

// GetSnapshot retrieves the consensus state snapshot at a given block.
func (api *API) GetSnapshot(number *rpc.BlockNumber) (*utils.PublicApiSnapshot, error) {
	// Retrieve the requested block number (or current if none requested)
	var header *types.Header
	if number == nil || *number == rpc.LatestBlockNumber {
		header = api.chain.CurrentHeader()
	} else {
		header = api.chain.GetHeaderByNumber(uint64(number.Int64()))
	}
	// Ensure we have an actually valid block and return its snapshot
	if header == nil {
		return nil, utils.ErrUnknownBlock
	}
	return api.XDPoS.GetSnapshot(api.chain, header)
}

// GetSnapshotAtHash retrieves the consensus state snapshot at a given block.
func (api *API) GetSnapshotAtHash(hash common.Hash) (*utils.PublicApiSnapshot, error) {
	header := api.chain.GetHeaderByHash(hash)
	if header == nil {
		return nil, utils.ErrUnknownBlock
	}
	return api.XDPoS.GetSnapshot(api.chain, header)
}

// GetSigners retrieves the list of authorized signers at the specified block.
func (api *API) GetSigners(number *rpc.BlockNumber) ([]common.Address, error) {
	// Retrieve the requested block number (or current if none requested)
	var header *types.Header
	if number == nil || *number == rpc.LatestBlockNumber {
		header = api.chain.CurrentHeader()
	} else {
		header = api.chain.GetHeaderByNumber(uint64(number.Int64()))
	}
	// Ensure we have an actually valid block and return the signers from its snapshot
	if header == nil {
		return nil, utils.ErrUnknownBlock
	}

	return api.XDPoS.GetAuthorisedSignersFromSnapshot(api.chain, header)
}

// GetSignersAtHash retrieves the list of authorized signers at the specified
// block.
func (api *API) GetSignersAtHash(hash common.Hash) ([]common.Address, error) {
	header := api.chain.GetHeaderByHash(hash)
	if header == nil {
		return nil, utils.ErrUnknownBlock
	}
	return api.XDPoS.GetAuthorisedSignersFromSnapshot(api.chain, header)
}

// GetRound returns the BFT round encoded in the block with the given hash.
// Blocks produced before the switch are always round 0.
func (api *API) GetRound(hash common.Hash) (types.Round, error) {
	header := api.chain.GetHeaderByHash(hash)
	if header == nil {
		return types.Round(0), utils.ErrUnknownBlock
	}
	if api.XDPoS.config.BlockConsensusVersion(header.Number) != params.ConsensusEngineVersion2 {
		return types.Round(0), nil
	}
	return api.XDPoS.EngineV2.GetRoundNumber(header)
}

// NetworkInformation returns the addresses of the system contracts the
// engine depends on.
func (api *API) NetworkInformation() NetworkInformation {
	info := NetworkInformation{}
	info.NetworkId = api.chain.Config().ChainId
	info.XDCValidatorAddress = params.MasternodeVotingSMC
	info.BlockSignerAddress = params.BlockSigners
	return info
}
