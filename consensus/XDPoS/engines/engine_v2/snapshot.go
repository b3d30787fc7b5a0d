package engine_v2

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethdb"
	"github.com/ethereum/go-ethereum/log"

	"github.com/XinFinOrg/xdpos-engine/consensus"
	"github.com/XinFinOrg/xdpos-engine/consensus/XDPoS/utils"
	"github.com/XinFinOrg/xdpos-engine/core/types"
)

// SnapshotV2 is the candidate list elected at a gap block. Once the epoch
// switch block at the end of the gap window lands, these candidates minus the
// penalties become the masternodes of the new epoch. Timeout and vote
// messages are checked against it as well, since they may arrive before the
// epoch switch block does.
type SnapshotV2 struct {
	Number uint64      `json:"number"` // Block number where the snapshot was created
	Hash   common.Hash `json:"hash"`   // Block hash where the snapshot was created

	NextEpochCandidates []common.Address `json:"masterNodes"` // Candidates for the upcoming epoch
}

func newSnapshot(number uint64, hash common.Hash, masternodes []common.Address) *SnapshotV2 {
	return &SnapshotV2{
		Number:              number,
		Hash:                hash,
		NextEpochCandidates: masternodes,
	}
}

// loadSnapshot loads an existing snapshot from the database.
func loadSnapshot(db ethdb.Database, hash common.Hash) (*SnapshotV2, error) {
	blob, err := db.Get(append([]byte("XDPoS-V2-"), hash[:]...))
	if err != nil {
		return nil, err
	}
	snap := new(SnapshotV2)
	if err := json.Unmarshal(blob, snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// storeSnapshot inserts the snapshot into the database.
func storeSnapshot(s *SnapshotV2, db ethdb.Database) error {
	blob, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return db.Put(append([]byte("XDPoS-V2-"), s.Hash[:]...), blob)
}

func (s *SnapshotV2) IsCandidates(address common.Address) bool {
	for _, n := range s.NextEpochCandidates {
		if n == address {
			return true
		}
	}
	return false
}

func (s *SnapshotV2) GetCandidates() []common.Address {
	return s.NextEpochCandidates
}

// getSnapshot returns the snapshot stored at the gap block of the epoch the
// given block number falls in. Pass a gap block number directly with
// isGapNumber set, for messages that already carry one.
func (x *XDPoS_v2) getSnapshot(chain consensus.ChainReader, number uint64, isGapNumber bool) (*SnapshotV2, error) {
	var gapBlockNum uint64
	if isGapNumber {
		gapBlockNum = number
	} else {
		gapBlockNum = number - number%x.config.Epoch - x.config.Gap
		// prevent overflow
		if number-number%x.config.Epoch < x.config.Gap {
			gapBlockNum = 0
		}
	}

	gapBlockHeader := chain.GetHeaderByNumber(gapBlockNum)
	if gapBlockHeader == nil {
		log.Error("[getSnapshot] can not find the gap block in the chain", "number", gapBlockNum)
		return nil, consensus.ErrUnknownAncestor
	}
	gapBlockHash := gapBlockHeader.Hash()
	log.Trace("get snapshot from gap block", "number", gapBlockNum, "hash", gapBlockHash.Hex())

	// If an in-memory snapshot was found, use that
	if s, ok := x.snapshots.Get(gapBlockHash); ok {
		snap := s.(*SnapshotV2)
		log.Trace("Loaded snapshot from memory", "number", gapBlockNum, "hash", gapBlockHash)
		return snap, nil
	}
	// If an on-disk snapshot can be found, use that
	snap, err := loadSnapshot(x.db, gapBlockHash)
	if err != nil {
		log.Error("Cannot find snapshot from the gap block", "err", err, "number", gapBlockNum, "hash", gapBlockHash)
		return nil, err
	}

	log.Trace("Loaded snapshot from disk", "number", gapBlockNum, "hash", gapBlockHash)
	x.snapshots.Add(snap.Hash, snap)
	return snap, nil
}

// GetSnapshot retrieves the snapshot serving the epoch the given header
// belongs to.
func (x *XDPoS_v2) GetSnapshot(chain consensus.ChainReader, header *types.Header) (*SnapshotV2, error) {
	number := header.Number.Uint64()
	log.Trace("get snapshot", "number", number)
	snap, err := x.getSnapshot(chain, number, false)
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// UpdateMasternodes stores the candidates elected by the voting contract at
// the given gap block, to serve as the masternode source of the next epoch.
func (x *XDPoS_v2) UpdateMasternodes(chain consensus.ChainReader, header *types.Header, ms []utils.Masternode) error {
	number := header.Number.Uint64()
	log.Trace("take snapshot", "number", number, "hash", header.Hash())

	masterNodes := []common.Address{}
	for _, m := range ms {
		masterNodes = append(masterNodes, m.Address)
	}

	snap := newSnapshot(number, header.Hash(), masterNodes)
	x.snapshots.Add(snap.Hash, snap)
	err := storeSnapshot(snap, x.db)
	if err != nil {
		log.Error("[UpdateMasternodes] Error while store snapshot", "hash", header.Hash(), "number", number, "error", err)
		return err
	}

	nm := []string{}
	for _, n := range ms {
		nm = append(nm, n.Address.String())
	}
	log.Info("New set of masternodes has been updated to snapshot", "number", snap.Number, "hash", snap.Hash)
	for i, c := range nm {
		log.Info("masternode", "index", i, "address", c)
	}

	return nil
}
