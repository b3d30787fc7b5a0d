// Copyright 2017 The go-ethereum Authors
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

package consensus

import "errors"

var (
	// ErrUnknownAncestor is returned when validating a block requires an ancestor
	// that is unknown.
	ErrUnknownAncestor = errors.New("unknown ancestor")

	// ErrFutureBlock is returned when a block's timestamp is in the future according
	// to the current node.
	ErrFutureBlock = errors.New("block in the future")

	// ErrInvalidNumber is returned if a block's number doesn't equal it's parent's
	// plus one.
	ErrInvalidNumber = errors.New("invalid block number")

	// ErrNoValidatorSignature is returned if the header's validator field is empty
	// where a validator signature is required.
	ErrNoValidatorSignature = errors.New("no validator signature in block header")

	// ErrFailValidatorSignature is returned if the header's validator signature
	// does not recover to a usable address.
	ErrFailValidatorSignature = errors.New("fail to verify validator signature")

	// ErrNoValidatorSignatureV2 is returned if a v2 block header carries no
	// proposer signature in its validator field.
	ErrNoValidatorSignatureV2 = errors.New("no validator signature in v2 block header")
)
