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

package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/XinFinOrg/xdpos-engine/params"
)

// RewardState is the slice of the execution state the checkpoint reward
// distribution works against. It reads the masternode registry storage and
// credits the payouts into balances before the state root is sealed.
// *state.StateDB satisfies it.
type RewardState interface {
	GetState(addr common.Address, hash common.Hash) common.Hash
	AddBalance(addr common.Address, amount *big.Int)
}

// Storage slots of the masternode voting contract.
var slotValidatorMapping = map[string]uint64{
	"withdrawsState":  0,
	"validatorsState": 1,
	"voters":          2,
	"candidates":      3,
}

// GetLocMappingAtKey returns the storage slot of mapping[key] for a mapping
// rooted at the given slot, following the solidity storage layout.
func GetLocMappingAtKey(key common.Hash, slot uint64) *big.Int {
	slotHash := common.BigToHash(new(big.Int).SetUint64(slot))
	retByte := crypto.Keccak256(key.Bytes(), slotHash.Bytes())
	ret := new(big.Int)
	ret.SetBytes(retByte)
	return ret
}

// GetLocDynamicArrAtElement returns the storage slot of element index of a
// dynamic array whose length word lives at slotHash.
func GetLocDynamicArrAtElement(slotHash common.Hash, index uint64, elementSize uint64) common.Hash {
	slotKecBig := crypto.Keccak256Hash(slotHash.Bytes()).Big()
	arrBig := slotKecBig.Add(slotKecBig, new(big.Int).SetUint64(index*elementSize))
	return common.BigToHash(arrBig)
}

// GetCandidates reads the full candidate list out of the voting contract.
func GetCandidates(statedb RewardState) []common.Address {
	slot := slotValidatorMapping["candidates"]
	slotHash := common.BigToHash(new(big.Int).SetUint64(slot))
	arrLength := statedb.GetState(params.MasternodeVotingSMC, slotHash)
	candidates := []common.Address{}
	for i := uint64(0); i < arrLength.Big().Uint64(); i++ {
		key := GetLocDynamicArrAtElement(slotHash, i, 1)
		ret := statedb.GetState(params.MasternodeVotingSMC, key)
		if (ret != common.Hash{}) {
			candidates = append(candidates, common.HexToAddress(ret.Hex()))
		}
	}
	return candidates
}

// GetCandidateOwner reads validatorsState[candidate].owner, the address the
// masternode share of the reward is paid to.
func GetCandidateOwner(statedb RewardState, candidate common.Address) common.Address {
	slot := slotValidatorMapping["validatorsState"]
	// validatorsState[candidate].owner
	locValidatorsState := GetLocMappingAtKey(candidate.Hash(), slot)
	locCandidateOwner := locValidatorsState.Add(locValidatorsState, new(big.Int).SetUint64(0))
	ret := statedb.GetState(params.MasternodeVotingSMC, common.BigToHash(locCandidateOwner))
	return common.HexToAddress(ret.Hex())
}

// GetCandidateCap reads validatorsState[candidate].cap, the total stake
// deposited on the candidate.
func GetCandidateCap(statedb RewardState, candidate common.Address) *big.Int {
	slot := slotValidatorMapping["validatorsState"]
	// validatorsState[candidate].cap
	locValidatorsState := GetLocMappingAtKey(candidate.Hash(), slot)
	locCandidateCap := locValidatorsState.Add(locValidatorsState, new(big.Int).SetUint64(1))
	ret := statedb.GetState(params.MasternodeVotingSMC, common.BigToHash(locCandidateCap))
	return ret.Big()
}

// GetVoters reads the list of addresses which voted for the candidate.
func GetVoters(statedb RewardState, candidate common.Address) []common.Address {
	// mapping(address => address[]) voters
	slot := slotValidatorMapping["voters"]
	locVoters := GetLocMappingAtKey(candidate.Hash(), slot)
	arrLength := statedb.GetState(params.MasternodeVotingSMC, common.BigToHash(locVoters))
	voters := []common.Address{}
	for i := uint64(0); i < arrLength.Big().Uint64(); i++ {
		key := GetLocDynamicArrAtElement(common.BigToHash(locVoters), i, 1)
		ret := statedb.GetState(params.MasternodeVotingSMC, key)
		if (ret != common.Hash{}) {
			voters = append(voters, common.HexToAddress(ret.Hex()))
		}
	}
	return voters
}

// GetVoterCap reads validatorsState[candidate].voters[voter], the stake a
// single voter put on the candidate.
func GetVoterCap(statedb RewardState, candidate, voter common.Address) *big.Int {
	slot := slotValidatorMapping["validatorsState"]
	locValidatorsState := GetLocMappingAtKey(candidate.Hash(), slot)
	locCandidateVoters := locValidatorsState.Add(locValidatorsState, new(big.Int).SetUint64(2))
	retByte := crypto.Keccak256(voter.Hash().Bytes(), common.BigToHash(locCandidateVoters).Bytes())
	ret := statedb.GetState(params.MasternodeVotingSMC, common.BytesToHash(retByte))
	return ret.Big()
}
