package engine_v2

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
	"github.com/ethereum/go-ethereum/rlp"
	lru "github.com/hashicorp/golang-lru"
	"golang.org/x/crypto/sha3"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

const (
	extraVanity = 32 // Fixed number of extra-data prefix bytes reserved for signer vanity in v1 headers
	extraSeal   = 65 // Fixed number of extra-data suffix bytes reserved for signer seal in v1 headers
)

// sigHash returns the hash which is used as input for the seal signature.
// The Validator field itself is excluded, everything else including the
// Validators and Penalties lists is covered.
func sigHash(header *types.Header) (hash common.Hash) {
	hasher := sha3.NewLegacyKeccak256()
	enc := []interface{}{
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
		header.Validators,
		header.Penalties,
	}
	if header.BaseFee != nil {
		enc = append(enc, header.BaseFee)
	}
	rlp.Encode(hasher, enc)
	hasher.Sum(hash[:0])
	return hash
}

// SigHash exports sigHash for the test helpers.
func SigHash(header *types.Header) (hash common.Hash) {
	return sigHash(header)
}

// ecrecover extracts the Ethereum account address from a sealed v2 header.
func ecrecover(header *types.Header, sigcache *lru.ARCCache) (common.Address, error) {
	// If the signature's already cached, return that
	hash := header.Hash()
	if address, known := sigcache.Get(hash); known {
		return address.(common.Address), nil
	}
	if len(header.Validator) == 0 {
		return common.Address{}, consensus.ErrNoValidatorSignatureV2
	}
	signer, err := utils.RecoverAddressFromSignature(sigHash(header), header.Validator)
	if err != nil {
		return common.Address{}, err
	}
	sigcache.Add(hash, signer)
	return signer, nil
}

// getExtraFields decodes the round, the quorum certificate and the masternode
// list out of a header. The era switch block is still a v1 checkpoint, it has
// no v2 extra to decode: its round is 0 and its masternodes come from the
// checkpoint signer list.
func (x *XDPoS_v2) getExtraFields(header *types.Header) (*types.QuorumCert, types.Round, []common.Address, error) {
	var masternodes []common.Address

	// last v1 block
	if header.Number.Cmp(x.config.V2.SwitchBlock) == 0 {
		masternodes = decodeMasternodesFromHeader(header)
		return nil, types.Round(0), masternodes, nil
	}

	// v2 block
	masternodes = utils.ExtractAddressFromBytes(header.Validators)
	var decodedExtraField types.ExtraFields_v2
	err := utils.DecodeBytesExtraFields(header.Extra, &decodedExtraField)
	if err != nil {
		log.Error("[getExtraFields] error on decode extra fields", "err", err, "extra", header.Extra)
		return nil, types.Round(0), masternodes, err
	}
	return decodedExtraField.QuorumCert, decodedExtraField.Round, masternodes, nil
}

// GetRoundNumber returns the round of the given header, 0 for any block at or
// before the era switch.
func (x *XDPoS_v2) GetRoundNumber(header *types.Header) (types.Round, error) {
	if header.Number.Cmp(x.config.V2.SwitchBlock) <= 0 {
		return types.Round(0), nil
	}
	var decodedExtraField types.ExtraFields_v2
	err := utils.DecodeBytesExtraFields(header.Extra, &decodedExtraField)
	if err != nil {
		return types.Round(0), err
	}
	return decodedExtraField.Round, nil
}

// decodeMasternodesFromHeader extracts the signer list out of a v1 era
// checkpoint header's extra-data field.
func decodeMasternodesFromHeader(checkpointHeader *types.Header) []common.Address {
	masternodes := make([]common.Address, (len(checkpointHeader.Extra)-extraVanity-extraSeal)/common.AddressLength)
	for i := 0; i < len(masternodes); i++ {
		copy(masternodes[i][:], checkpointHeader.Extra[extraVanity+i*common.AddressLength:])
	}
	return masternodes
}

// GetMasternodes returns the masternode list of the epoch the given header
// belongs to, by walking up to its epoch switch block.
func (x *XDPoS_v2) GetMasternodes(chain consensus.ChainReader, header *types.Header) []common.Address {
	epochSwitchInfo, err := x.getEpochSwitchInfo(chain, header, header.Hash())
	if err != nil {
		log.Error("[GetMasternodes] getEpochSwitchInfo has error, potentially bug", "err", err)
		return []common.Address{}
	}
	return epochSwitchInfo.Masternodes
}

func (x *XDPoS_v2) GetMasternodesByHash(chain consensus.ChainReader, blockHash common.Hash) []common.Address {
	epochSwitchInfo, err := x.getEpochSwitchInfo(chain, nil, blockHash)
	if err != nil {
		log.Error("[GetMasternodesByHash] getEpochSwitchInfo has error, potentially bug", "err", err)
		return []common.Address{}
	}
	return epochSwitchInfo.Masternodes
}

// GetMasternodesFromEpochSwitchHeader decodes the masternode list straight
// out of an epoch switch header, without consulting the chain.
func (x *XDPoS_v2) GetMasternodesFromEpochSwitchHeader(epochSwitchHeader *types.Header) []common.Address {
	if epochSwitchHeader == nil {
		log.Error("[GetMasternodesFromEpochSwitchHeader] use nil epoch switch block to get masternodes")
		return []common.Address{}
	}
	if epochSwitchHeader.Number.Cmp(x.config.V2.SwitchBlock) == 0 {
		return decodeMasternodesFromHeader(epochSwitchHeader)
	}
	return utils.ExtractAddressFromBytes(epochSwitchHeader.Validators)
}

// GetPreviousPenaltyByHash returns the penalty list recorded on the epoch
// switch block the given number of epochs before the epoch of the given hash.
func (x *XDPoS_v2) GetPreviousPenaltyByHash(chain consensus.ChainReader, hash common.Hash, limit int) []common.Address {
	epochSwitchInfo, err := x.getPreviousEpochSwitchInfoByHash(chain, hash, limit)
	if err != nil {
		log.Error("[GetPreviousPenaltyByHash] getPreviousEpochSwitchInfoByHash has error, potentially bug", "err", err)
		return []common.Address{}
	}
	header := chain.GetHeaderByHash(epochSwitchInfo.EpochSwitchBlockInfo.Hash)
	if header == nil {
		log.Error("[GetPreviousPenaltyByHash] can not find the epoch switch block", "hash", epochSwitchInfo.EpochSwitchBlockInfo.Hash)
		return []common.Address{}
	}
	return utils.ExtractAddressFromBytes(header.Penalties)
}

// calcMasternodes derives the masternode and penalty lists of the epoch an
// epoch switch block opens: the candidates elected at the gap block minus the
// penalties, capped at the MaxMasternodes of the config active at the round.
func (x *XDPoS_v2) calcMasternodes(chain consensus.ChainReader, blockNum *big.Int, parentHash common.Hash, round types.Round) ([]common.Address, []common.Address, error) {
	snap, err := x.getSnapshot(chain, blockNum.Uint64(), false)
	if err != nil {
		log.Error("[calcMasternodes] getSnapshot has error", "err", err)
		return nil, nil, err
	}
	candidates := snap.NextEpochCandidates

	penalties := []common.Address{}
	if x.HookPenalty != nil {
		penalties, err = x.HookPenalty(chain, blockNum, parentHash, candidates)
		if err != nil {
			log.Error("[calcMasternodes] HookPenalty has error", "err", err)
			return nil, nil, err
		}
	}
	masternodes := utils.RemoveItemFromArray(candidates, penalties)

	maxMasternodes := x.config.V2.Config(uint64(round)).MaxMasternodes
	if len(masternodes) > maxMasternodes {
		masternodes = masternodes[:maxMasternodes]
	}

	return masternodes, penalties, nil
}

// isExtendingFromAncestor walks the parent links of currentBlock down to the
// ancestor's height and checks it lands on the ancestor.
func (x *XDPoS_v2) isExtendingFromAncestor(blockChainReader consensus.ChainReader, currentBlock *types.BlockInfo, ancestorBlock *types.BlockInfo) (bool, error) {
	blockNumDiff := int(big.NewInt(0).Sub(currentBlock.Number, ancestorBlock.Number).Int64())

	nextBlockHash := currentBlock.Hash
	for i := 0; i < blockNumDiff; i++ {
		parentBlock := blockChainReader.GetHeaderByHash(nextBlockHash)
		if parentBlock == nil {
			return false, fmt.Errorf("could not find parent block when checking whether block %v with hash %v is extending from the ancestor block %v", currentBlock.Number, currentBlock.Hash, ancestorBlock.Number)
		}
		nextBlockHash = parentBlock.ParentHash
		log.Debug("[isExtendingFromAncestor] found parent block", "CurrentBlockHash", currentBlock.Hash, "ParentHash", nextBlockHash)
	}

	if nextBlockHash == ancestorBlock.Hash {
		return true, nil
	}
	return false, nil
}
