// Copyright 2016 The go-ethereum Authors
// Copyright (c) 2018 XDPoSChain
//
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

package params

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/log"
)

const (
	ConsensusEngineVersion1 = "v1"
	ConsensusEngineVersion2 = "v2"
	Default                 = 0
)

var (
	XDCMainnetGenesisHash = common.HexToHash("4a9d748bd78a8d0385b67788c2435dcdb914f98a96250b68863a1f8b7642d6b1") // XDC Mainnet genesis hash to enforce below configs on
	TestnetGenesisHash    = common.HexToHash("bdea512b4f12ff1135ec92c00dc047ffb93890c2ea1aa0eefe9b013d80640075") // Apothem testnet genesis hash to enforce below configs on
	DevnetGenesisHash     = common.HexToHash("ab6fd3cb7d1a489e03250c7d14c2d6d819a6a528d6380b31e8410951964ef423") // Devnet genesis hash to enforce below configs on
)

var (
	MainnetV2Configs = map[uint64]*V2Config{
		Default: {
			MaxMasternodes:       108,
			SwitchRound:          0,
			CertThreshold:        0.667,
			TimeoutSyncThreshold: 3,
			TimeoutPeriod:        30,
			MinePeriod:           2,
		},
	}

	TestnetV2Configs = map[uint64]*V2Config{
		Default: {
			MaxMasternodes:       15,
			SwitchRound:          0,
			CertThreshold:        0.45,
			TimeoutSyncThreshold: 3,
			TimeoutPeriod:        20,
			MinePeriod:           2,
		},
		900000: {
			MaxMasternodes:       108,
			SwitchRound:          900000,
			CertThreshold:        0.667,
			TimeoutSyncThreshold: 3,
			TimeoutPeriod:        30,
			MinePeriod:           2,
		},
	}

	DevnetV2Configs = map[uint64]*V2Config{
		Default: {
			MaxMasternodes:       108,
			SwitchRound:          0,
			CertThreshold:        0.667,
			TimeoutSyncThreshold: 3,
			TimeoutPeriod:        30,
			MinePeriod:           2,
		},
		7956000: { // 2024.01.17 Devnet Deplyment Issue
			MaxMasternodes:       108,
			SwitchRound:          7956000,
			CertThreshold:        0.4,
			TimeoutSyncThreshold: 3,
			TimeoutPeriod:        30,
			MinePeriod:           2,
		},
		7974000: {
			MaxMasternodes:       108,
			SwitchRound:          7974000,
			CertThreshold:        0.667,
			TimeoutSyncThreshold: 3,
			TimeoutPeriod:        30,
			MinePeriod:           2,
		},
		13625855: { // 2024.07.29 RPC call and reorg sync issue
			MaxMasternodes:       108,
			SwitchRound:          13625855,
			CertThreshold:        0.4,
			TimeoutSyncThreshold: 3,
			TimeoutPeriod:        30,
			MinePeriod:           2,
		},
	}

	UnitTestV2Configs = map[uint64]*V2Config{
		Default: {
			MaxMasternodes:       18,
			SwitchRound:          0,
			CertThreshold:        0.6,
			TimeoutSyncThreshold: 2,
			TimeoutPeriod:        2,
			MinePeriod:           2,
		},
		10: {
			MaxMasternodes:       18,
			SwitchRound:          10,
			CertThreshold:        0.8,
			TimeoutSyncThreshold: 2,
			TimeoutPeriod:        2,
			MinePeriod:           3,
		},
		900: {
			MaxMasternodes:       20,
			SwitchRound:          900,
			CertThreshold:        0.667,
			TimeoutSyncThreshold: 4,
			TimeoutPeriod:        4,
			MinePeriod:           2,
		},
	}

	// XDPoSChain mainnet config
	XDCMainnetChainConfig = &ChainConfig{
		ChainId:        big.NewInt(50),
		HomesteadBlock: big.NewInt(1),
		EIP150Block:    big.NewInt(2),
		EIP150Hash:     common.HexToHash("0x0000000000000000000000000000000000000000000000000000000000000000"),
		EIP155Block:    big.NewInt(3),
		EIP158Block:    big.NewInt(3),
		ByzantiumBlock: big.NewInt(4),
		XDPoS: &XDPoSConfig{
			Period:              2,
			Epoch:               900,
			Reward:              250,
			RewardCheckpoint:    900,
			Gap:                 450,
			FoudationWalletAddr: common.HexToAddress("0x746249c61f5832c5eed53172776b460491bdcd5c"),
			V2: &V2{
				SwitchBlock:   TIPV2SwitchBlock,
				CurrentConfig: MainnetV2Configs[0],
				AllConfigs:    MainnetV2Configs,
			},
		},
	}

	// TestnetChainConfig contains the chain parameters to run a node on the Apothem test network.
	TestnetChainConfig = &ChainConfig{
		ChainId:        big.NewInt(51),
		HomesteadBlock: big.NewInt(1),
		EIP150Block:    big.NewInt(2),
		EIP150Hash:     common.HexToHash("0x0000000000000000000000000000000000000000000000000000000000000000"),
		EIP155Block:    big.NewInt(3),
		EIP158Block:    big.NewInt(3),
		ByzantiumBlock: big.NewInt(4),
		XDPoS: &XDPoSConfig{
			Period:              2,
			Epoch:               900,
			Reward:              250,
			RewardCheckpoint:    900,
			Gap:                 450,
			FoudationWalletAddr: common.HexToAddress("0x746249c61f5832c5eed53172776b460491bdcd5c"),
			V2: &V2{
				SwitchBlock:   TIPV2SwitchBlockTestnet,
				CurrentConfig: TestnetV2Configs[0],
				AllConfigs:    TestnetV2Configs,
			},
		},
	}

	// DevnetChainConfig contains the chain parameters to run a node on the XDC dev network.
	DevnetChainConfig = &ChainConfig{
		ChainId:        big.NewInt(551),
		HomesteadBlock: big.NewInt(1),
		EIP150Block:    big.NewInt(2),
		EIP150Hash:     common.HexToHash("0x0000000000000000000000000000000000000000000000000000000000000000"),
		EIP155Block:    big.NewInt(3),
		EIP158Block:    big.NewInt(3),
		ByzantiumBlock: big.NewInt(4),
		XDPoS: &XDPoSConfig{
			Period:              2,
			Epoch:               900,
			Reward:              250,
			RewardCheckpoint:    900,
			Gap:                 450,
			FoudationWalletAddr: common.HexToAddress("0x746249c61f5832c5eed53172776b460491bdcd5c"),
			V2: &V2{
				SwitchBlock:   big.NewInt(0),
				CurrentConfig: DevnetV2Configs[0],
				AllConfigs:    DevnetV2Configs,
			},
		},
	}

	// TestXDPoSMockChainConfig is an XDPoS config with the v2 engine after block 900.
	TestXDPoSMockChainConfig = &ChainConfig{
		ChainId:        big.NewInt(1337),
		HomesteadBlock: big.NewInt(0),
		EIP150Block:    big.NewInt(0),
		EIP150Hash:     common.Hash{},
		EIP155Block:    big.NewInt(0),
		EIP158Block:    big.NewInt(0),
		ByzantiumBlock: big.NewInt(0),
		XDPoS: &XDPoSConfig{
			Epoch:               900,
			Gap:                 450,
			SkipV1Validation:    true,
			FoudationWalletAddr: common.HexToAddress("0x0000000000000000000000000000000000000068"),
			Reward:              250,
			RewardCheckpoint:    900,
			V2: &V2{
				SwitchBlock:   big.NewInt(900),
				CurrentConfig: UnitTestV2Configs[0],
				AllConfigs:    UnitTestV2Configs,
			},
		},
	}
)

// ChainConfig is the core config which determines the blockchain settings.
//
// ChainConfig is stored in the database on a per block basis. This means
// that any network, identified by its genesis block, can have its own
// set of configuration options.
type ChainConfig struct {
	ChainId *big.Int `json:"chainId"` // Chain id identifies the current chain and is used for replay protection

	HomesteadBlock *big.Int `json:"homesteadBlock,omitempty"` // Homestead switch block (nil = no fork, 0 = already homestead)

	// EIP150 implements the Gas price changes (https://github.com/ethereum/EIPs/issues/150)
	EIP150Block *big.Int    `json:"eip150Block,omitempty"` // EIP150 HF block (nil = no fork)
	EIP150Hash  common.Hash `json:"eip150Hash,omitempty"`  // EIP150 HF hash (needed for header only clients as only gas pricing changed)

	EIP155Block *big.Int `json:"eip155Block,omitempty"` // EIP155 HF block
	EIP158Block *big.Int `json:"eip158Block,omitempty"` // EIP158 HF block

	ByzantiumBlock *big.Int `json:"byzantiumBlock,omitempty"` // Byzantium switch block (nil = no fork, 0 = already on byzantium)
	Eip1559Block   *big.Int `json:"eip1559Block,omitempty"`   // Eip1559 switch block (nil = no fork, 0 = already active)

	XDPoS *XDPoSConfig `json:"XDPoS,omitempty"`
}

// XDPoSConfig is the consensus engine configs for delegated-proof-of-stake based sealing.
type XDPoSConfig struct {
	Period              uint64         `json:"period"`              // Number of seconds between blocks to enforce
	Epoch               uint64         `json:"epoch"`               // Epoch length to reset votes and checkpoint
	Reward              uint64         `json:"reward"`              // Block reward - unit Ether
	RewardCheckpoint    uint64         `json:"rewardCheckpoint"`    // Checkpoint block for calculate rewards.
	Gap                 uint64         `json:"gap"`                 // Gap time preparing for the next epoch
	FoudationWalletAddr common.Address `json:"foudationWalletAddr"` // Foundation Address Wallet
	SkipV1Validation    bool           // Skip Block Validation for testing purpose, V1 consensus only
	V2                  *V2            `json:"v2"`
}

type V2 struct {
	lock sync.RWMutex // Protects the config fields below

	SwitchBlock   *big.Int             `json:"switchBlock"`
	CurrentConfig *V2Config            `json:"config"`
	AllConfigs    map[uint64]*V2Config `json:"allConfigs"`
	configIndex   []uint64             // list of switch rounds of configs

	SkipV2Validation bool // Skip Block Validation for testing purpose, V2 consensus only
}

type V2Config struct {
	MaxMasternodes       int     `json:"maxMasternodes"`       // v2 max masternodes
	SwitchRound          uint64  `json:"switchRound"`          // round to activate this config
	MinePeriod           int     `json:"minePeriod"`           // Miner mine period to mine a block
	TimeoutSyncThreshold int     `json:"timeoutSyncThreshold"` // send syncInfo after number of timeout
	TimeoutPeriod        int     `json:"timeoutPeriod"`        // Duration in seconds
	CertThreshold        float64 `json:"certificateThreshold"` // Necessary number of messages from master nodes to form a certificate
}

func (c *XDPoSConfig) String() string {
	return "XDPoS"
}

// BlockConsensusVersion returns the consensus engine version in charge of the
// given block number. The switch is one way: every block strictly above the
// switch block is v2.
func (c *XDPoSConfig) BlockConsensusVersion(num *big.Int) string {
	if c.V2 != nil && c.V2.SwitchBlock != nil && num.Cmp(c.V2.SwitchBlock) > 0 {
		return ConsensusEngineVersion2
	}
	return ConsensusEngineVersion1
}

func (v *V2) UpdateConfig(round uint64) {
	v.lock.Lock()
	defer v.lock.Unlock()

	var index uint64

	//find the right config
	for i := range v.configIndex {
		if v.configIndex[i] <= round {
			index = v.configIndex[i]
			break
		}
	}
	// update to current config
	log.Info("[UpdateConfig] Update config", "index", index, "round", round, "SwitchRound", v.AllConfigs[index].SwitchRound)
	v.CurrentConfig = v.AllConfigs[index]
}

func (v *V2) Config(round uint64) *V2Config {
	var index uint64

	//find the right config
	for i := range v.configIndex {
		if v.configIndex[i] <= round {
			index = v.configIndex[i]
			break
		}
	}
	return v.AllConfigs[index]
}

func (v *V2) BuildConfigIndex() {
	var list []uint64

	for i := range v.AllConfigs {
		list = append(list, i)
	}

	// sort, sort lib doesn't support type uint64, it's ok to have O(n^2) because only few items in the list
	// Make it descending order
	for i := 0; i < len(list)-1; i++ {
		for j := i + 1; j < len(list); j++ {
			if list[i] < list[j] {
				list[i], list[j] = list[j], list[i]
			}
		}
	}
	log.Info("[BuildConfigIndex] config list", "list", list)
	v.configIndex = list
}

func (v *V2) ConfigIndex() []uint64 {
	return v.configIndex
}

// String implements the fmt.Stringer interface.
func (c *ChainConfig) String() string {
	var engine interface{}
	switch {
	case c.XDPoS != nil:
		engine = c.XDPoS
	default:
		engine = "unknown"
	}
	return fmt.Sprintf("{ChainID: %v Homestead: %v EIP150: %v EIP155: %v EIP158: %v Byzantium: %v Eip1559: %v Engine: %v}",
		c.ChainId,
		c.HomesteadBlock,
		c.EIP150Block,
		c.EIP155Block,
		c.EIP158Block,
		c.ByzantiumBlock,
		c.Eip1559Block,
		engine,
	)
}

// IsHomestead returns whether num is either equal to the homestead block or greater.
func (c *ChainConfig) IsHomestead(num *big.Int) bool {
	return isForked(c.HomesteadBlock, num)
}

func (c *ChainConfig) IsEIP150(num *big.Int) bool {
	return isForked(c.EIP150Block, num)
}

func (c *ChainConfig) IsEIP155(num *big.Int) bool {
	return isForked(c.EIP155Block, num)
}

func (c *ChainConfig) IsEIP158(num *big.Int) bool {
	return isForked(c.EIP158Block, num)
}

func (c *ChainConfig) IsByzantium(num *big.Int) bool {
	return isForked(c.ByzantiumBlock, num)
}

func (c *ChainConfig) IsEIP1559(num *big.Int) bool {
	return isForked(Eip1559Block, num) || isForked(c.Eip1559Block, num)
}

func (c *ChainConfig) IsTIPSigning(num *big.Int) bool {
	return isForked(TIPSigning, num)
}

func (c *ChainConfig) IsTIP2019(num *big.Int) bool {
	return isForked(TIP2019Block, num)
}

// isForked returns whether a fork scheduled at block s is active at the given head block.
func isForked(s, head *big.Int) bool {
	if s == nil || head == nil {
		return false
	}
	return s.Cmp(head) <= 0
}
