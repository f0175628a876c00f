package repo

import (
	"time"

	"github.com/pkg/errors"
)

type Config struct {
	RepoRoot     string       `mapstructure:"-" toml:"-"`
	Log          Log          `mapstructure:"log" toml:"log"`
	Chain        Chain        `mapstructure:"chain" toml:"chain"`
	Access       Access       `mapstructure:"access" toml:"access"`
	Ledger       Ledger       `mapstructure:"ledger" toml:"ledger"`
	Distribution Distribution `mapstructure:"distribution" toml:"distribution"`
	Epoch        Epoch        `mapstructure:"epoch" toml:"epoch"`
	Keeper       Keeper       `mapstructure:"keeper" toml:"keeper"`
	Storage      Storage      `mapstructure:"storage" toml:"storage"`
	Journal      Journal      `mapstructure:"journal" toml:"journal"`
	Metrics      Metrics      `mapstructure:"metrics" toml:"metrics"`
}

type Log struct {
	Level        string        `mapstructure:"level" toml:"level"`
	Filename     string        `mapstructure:"filename" toml:"filename"`
	ReportCaller bool          `mapstructure:"report_caller" toml:"report_caller"`
	MaxAge       time.Duration `mapstructure:"max_age" toml:"max_age"`
	RotationTime time.Duration `mapstructure:"rotation_time" toml:"rotation_time"`
}

type Chain struct {
	// unix seconds of block 0, zero means the daemon start time
	GenesisTime   int64         `mapstructure:"genesis_time" toml:"genesis_time"`
	BlockInterval time.Duration `mapstructure:"block_interval" toml:"block_interval"`
}

type Access struct {
	Admin  string  `mapstructure:"admin" toml:"admin"`
	Grants []Grant `mapstructure:"grants" toml:"grants"`
}

// Grant gives every account the named role, e.g. CAMPAIGN_ADMIN_ROLE.
type Grant struct {
	Role     string   `mapstructure:"role" toml:"role"`
	Accounts []string `mapstructure:"accounts" toml:"accounts"`
}

type Ledger struct {
	StrategyRegistry     string        `mapstructure:"strategy_registry" toml:"strategy_registry"`
	MinVotingEligibility time.Duration `mapstructure:"min_voting_eligibility" toml:"min_voting_eligibility"`
	Strategies           []Strategy    `mapstructure:"strategies" toml:"strategies"`
}

type Strategy struct {
	ID         string `mapstructure:"id" toml:"id"`
	Name       string `mapstructure:"name" toml:"name"`
	Deprecated bool   `mapstructure:"deprecated" toml:"deprecated"`
}

type Distribution struct {
	Treasury         string `mapstructure:"treasury" toml:"treasury"`
	FeeRecipient     string `mapstructure:"fee_recipient" toml:"fee_recipient"`
	ProtocolFeeBps   uint16 `mapstructure:"protocol_fee_bps" toml:"protocol_fee_bps"`
	ValidAllocations []uint `mapstructure:"valid_allocations" toml:"valid_allocations"`
}

type Epoch struct {
	Duration    time.Duration `mapstructure:"duration" toml:"duration"`
	RewardAsset string        `mapstructure:"reward_asset" toml:"reward_asset"`
	// decimal amount in minor units
	Reward string `mapstructure:"reward" toml:"reward"`
}

type Keeper struct {
	Enable   bool          `mapstructure:"enable" toml:"enable"`
	Interval time.Duration `mapstructure:"interval" toml:"interval"`
	Caller   string        `mapstructure:"caller" toml:"caller"`
}

type Storage struct {
	Dir           string        `mapstructure:"dir" toml:"dir"`
	FlushInterval time.Duration `mapstructure:"flush_interval" toml:"flush_interval"`
}

type Journal struct {
	Enable bool   `mapstructure:"enable" toml:"enable"`
	DSN    string `mapstructure:"dsn" toml:"dsn"`
}

type Metrics struct {
	Enable  bool   `mapstructure:"enable" toml:"enable"`
	Address string `mapstructure:"address" toml:"address"`
}

func DefaultConfig(repoRoot string) *Config {
	return &Config{
		RepoRoot: repoRoot,
		Log: Log{
			Level:        "info",
			Filename:     "giving.log",
			ReportCaller: false,
			MaxAge:       30 * 24 * time.Hour,
			RotationTime: 24 * time.Hour,
		},
		Chain: Chain{
			GenesisTime:   0,
			BlockInterval: 2 * time.Second,
		},
		Access: Access{
			Admin: DefaultAdminAddr,
			Grants: []Grant{
				{Role: "CAMPAIGN_CREATOR_ROLE", Accounts: []string{DefaultAdminAddr}},
				{Role: "CAMPAIGN_ADMIN_ROLE", Accounts: []string{DefaultAdminAddr}},
				{Role: "STAKE_MANAGER_ROLE", Accounts: []string{DefaultAdminAddr}},
				{Role: "CHECKPOINT_COUNCIL_ROLE", Accounts: []string{DefaultAdminAddr}},
				{Role: "DISTRIBUTION_ADMIN_ROLE", Accounts: []string{DefaultAdminAddr}},
				{Role: "TREASURY_ROLE", Accounts: []string{DefaultAdminAddr}},
			},
		},
		Ledger: Ledger{
			StrategyRegistry:     StrategyRegistryAddr,
			MinVotingEligibility: time.Hour,
		},
		Distribution: Distribution{
			Treasury:         TreasuryAddr,
			FeeRecipient:     TreasuryAddr,
			ProtocolFeeBps:   250,
			ValidAllocations: []uint{50, 75, 100},
		},
		Epoch: Epoch{
			Duration: 24 * time.Hour,
			Reward:   "0",
		},
		Keeper: Keeper{
			Enable:   true,
			Interval: time.Minute,
			Caller:   KeeperAddr,
		},
		Storage: Storage{
			Dir:           "leveldb",
			FlushInterval: 30 * time.Second,
		},
		Journal: Journal{
			Enable: true,
			DSN:    "journal.db",
		},
		Metrics: Metrics{
			Enable:  true,
			Address: "localhost:9191",
		},
	}
}

// Validate rejects values the daemon cannot start with.
func (c *Config) Validate() error {
	if c.Distribution.ProtocolFeeBps > 10000 {
		return errors.Errorf("distribution.protocol_fee_bps %d exceeds 10000", c.Distribution.ProtocolFeeBps)
	}
	for _, v := range c.Distribution.ValidAllocations {
		if v == 0 || v > 100 {
			return errors.Errorf("distribution.valid_allocations contains %d, want 1..100", v)
		}
	}
	if c.Epoch.Duration < time.Second {
		return errors.Errorf("epoch.duration %s is below one second", c.Epoch.Duration)
	}
	if c.Keeper.Enable && c.Keeper.Interval <= 0 {
		return errors.New("keeper.interval must be positive when the keeper is enabled")
	}
	if c.Chain.BlockInterval <= 0 {
		return errors.New("chain.block_interval must be positive")
	}
	return nil
}
