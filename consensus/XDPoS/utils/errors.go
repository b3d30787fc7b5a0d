package utils

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/XinFinOrg/xdpos-engine/core/types"
)

var (
	// ErrUnknownBlock is returned when the list of signers is requested for a block
	// that is not part of the local blockchain.
	ErrUnknownBlock = errors.New("unknown block")

	// ErrInvalidCheckpointBeneficiary is returned if a checkpoint/epoch transition
	// block has a beneficiary set to non-zeroes.
	ErrInvalidCheckpointBeneficiary = errors.New("beneficiary in checkpoint block non-zero")

	// ErrInvalidVote is returned if a nonce value is something else that the two
	// allowed constants of 0x00..0 or 0xff..f.
	ErrInvalidVote = errors.New("vote nonce not 0x00..0 or 0xff..f")

	// ErrInvalidCheckpointVote is returned if a checkpoint/epoch transition block
	// has a vote nonce set to non-zeroes.
	ErrInvalidCheckpointVote = errors.New("vote nonce in checkpoint block non-zero")

	// ErrMissingVanity is returned if a block's extra-data section is shorter than
	// 32 bytes, which is required to store the signer vanity.
	ErrMissingVanity = errors.New("extra-data 32 byte vanity prefix missing")

	// ErrMissingSignature is returned if a block's extra-data section doesn't seem
	// to contain a 65 byte secp256k1 signature.
	ErrMissingSignature = errors.New("extra-data 65 byte suffix signature missing")

	// ErrExtraSigners is returned if non-checkpoint block contain signer data in
	// their extra-data fields.
	ErrExtraSigners = errors.New("non-checkpoint block contains extra signer list")

	// ErrInvalidCheckpointSigners is returned if a checkpoint block contains an
	// invalid list of signers (i.e. non divisible by 20 bytes, or not the correct
	// ones).
	ErrInvalidCheckpointSigners = errors.New("invalid signer list on checkpoint block")

	// ErrInvalidCheckpointPenalties is returned if a checkpoint block contains an
	// invalid list of penalties (i.e. non divisible by 20 bytes).
	ErrInvalidCheckpointPenalties = errors.New("invalid penalty list on checkpoint block")

	// ErrInvalidMixDigest is returned if a block's mix digest is non-zero.
	ErrInvalidMixDigest = errors.New("non-zero mix digest")

	// ErrInvalidUncleHash is returned if a block contains an non-empty uncle list.
	ErrInvalidUncleHash = errors.New("non empty uncle hash")

	// ErrInvalidDifficulty is returned if the difficulty of a block does not match
	// the turn of the signer.
	ErrInvalidDifficulty = errors.New("invalid difficulty")

	// ErrInvalidTimestamp is returned if the timestamp of a block is lower than
	// the previous block's timestamp + the minimum block period.
	ErrInvalidTimestamp = errors.New("invalid timestamp")

	// ErrInvalidVotingChain is returned if an authorization list is attempted to
	// be modified via out-of-range or non-contiguous headers.
	ErrInvalidVotingChain = errors.New("invalid voting chain")

	// ErrUnauthorized is returned if a header is signed by a non-authorized entity.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrFailedDoubleValidation is returned if a block's validator did not pass
	// the double validation.
	ErrFailedDoubleValidation = errors.New("wrong pair of creator-validator in double validation")

	// ErrWaitTransactions is returned if an empty block is attempted to be sealed
	// on an instant chain (0 second period). It's important to refuse these as the
	// block reward is zero, so an empty block just bloats the chain... fast.
	ErrWaitTransactions = errors.New("waiting for transactions")

	// ErrInvalidV2Extra is returned if the v2 consensus fields cannot be decoded
	// out of a block's extra-data section.
	ErrInvalidV2Extra = errors.New("invalid v2 extra in the block")

	// ErrInvalidQC is returned if the quorum cert of a block does not point to its
	// parent block.
	ErrInvalidQC = errors.New("invalid QC content")

	// ErrInvalidQCSignatures is returned if the quorum cert of a block carries
	// fewer valid masternode signatures than the certificate threshold.
	ErrInvalidQCSignatures = errors.New("invalid QC Signatures")

	// ErrInvalidTC is returned if the timeout cert content is malformed.
	ErrInvalidTC = errors.New("invalid TC content")

	// ErrInvalidTCSignatures is returned if the timeout cert carries fewer valid
	// masternode signatures than the certificate threshold.
	ErrInvalidTCSignatures = errors.New("invalid TC Signatures")

	// ErrEmptyEpochSwitchValidators is returned if an epoch switch block carries
	// no validator list at all.
	ErrEmptyEpochSwitchValidators = errors.New("empty validators list on epoch switch block")

	// ErrInvalidFieldInNonEpochSwitch is returned if a non epoch switch block
	// carries validator or penalty data.
	ErrInvalidFieldInNonEpochSwitch = errors.New("invalid field exist in a non-epoch swtich block")

	// ErrValidatorsNotLegit is returned if the validator list of an epoch switch
	// block does not match what the consensus calculated.
	ErrValidatorsNotLegit = errors.New("validators does not match what's stored in snapshot minus its penalty")

	// ErrPenaltiesNotLegit is returned if the penalty list of an epoch switch
	// block does not match what the consensus calculated.
	ErrPenaltiesNotLegit = errors.New("penalties does not match")

	// ErrValidatorNotWithinMasternodes is returned if the block validator is not
	// in the masternode list of the current epoch.
	ErrValidatorNotWithinMasternodes = errors.New("validator address is not in the master node list")

	// ErrCoinbaseAndValidatorMismatch is returned if the coinbase and the recovered
	// validator of a block differ.
	ErrCoinbaseAndValidatorMismatch = errors.New("validator and coinbase address in header does not match")

	// ErrNotItsTurn is returned if a block is sealed by a masternode out of its
	// round robin turn.
	ErrNotItsTurn = errors.New("not validator's turn to mine this block")

	// ErrRoundInvalid is returned if the round of a block is not greater than the
	// round of the quorum cert it carries.
	ErrRoundInvalid = errors.New("round number is invalid, it is not bigger than QC round number")

	// ErrAlreadyMined is returned if a proposal is requested for a round that has
	// already been mined by us.
	ErrAlreadyMined = errors.New("already mined")

	// ErrNotReadyToPropose is returned if the highest QC does not point to the
	// parent of the block being proposed yet.
	ErrNotReadyToPropose = errors.New("not ready to propose, QC is not ready")

	// ErrNotReadyToMine is returned if the v2 engine has not yet been initialised
	// with a round beyond the switch round.
	ErrNotReadyToMine = errors.New("not ready to mine, v2 engine not initialised")
)

// ErrIncomingMessageRoundNotEqualCurrentRound is returned whenever an incoming
// BFT message carries a round other than the engine's current round.
type ErrIncomingMessageRoundNotEqualCurrentRound struct {
	Type          string
	IncomingRound types.Round
	CurrentRound  types.Round
}

func (e *ErrIncomingMessageRoundNotEqualCurrentRound) Error() string {
	return fmt.Sprintf("%s message round number: %v does not match currentRound: %v", e.Type, e.IncomingRound, e.CurrentRound)
}

// ErrIncomingMessageRoundTooFarFromCurrentRound is returned whenever an
// incoming BFT message carries a round outside the tolerance window around the
// engine's current round.
type ErrIncomingMessageRoundTooFarFromCurrentRound struct {
	Type          string
	IncomingRound types.Round
	CurrentRound  types.Round
}

func (e *ErrIncomingMessageRoundTooFarFromCurrentRound) Error() string {
	return fmt.Sprintf("%s message round number: %v is too far away from currentRound: %v", e.Type, e.IncomingRound, e.CurrentRound)
}

// ErrIncomingMessageBlockNotFound is returned whenever the block an incoming
// BFT message points to is not known to the local chain.
type ErrIncomingMessageBlockNotFound struct {
	Type                string
	IncomingBlockHash   common.Hash
	IncomingBlockNumber *big.Int
	Err                 error
}

func (e *ErrIncomingMessageBlockNotFound) Error() string {
	return fmt.Sprintf("%s proposed block is not found hash: %v, block number: %v, error: %v", e.Type, e.IncomingBlockHash.Hex(), e.IncomingBlockNumber, e.Err)
}
