package core

import (
	"context"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const DefaultEpochDuration = 24 * time.Hour

type EpochCoordinatorConfig struct {
	Authority AccessAuthority
	Engine    *DistributionEngine

	// Yield harvests a vault into the engine's custody
	Yield YieldSource

	// RewardCustody pays the caller reward, nil disables rewards
	RewardCustody AssetCustody
	Epoch         EpochConfig

	Chain        ChainContext
	Bus          *EventBus
	Logger       *logrus.Logger
	PromRegistry prometheus.Registerer
}

// EpochCoordinator lets each registered vault distribute at most once per epoch and rewards whoever
// triggered the distribution.
type EpochCoordinator struct {
	executor
	Logger *logrus.Logger

	auth          AccessAuthority
	engine        *DistributionEngine
	yield         YieldSource
	rewardCustody AssetCustody

	config    EpochConfig
	vaults    []common.Address
	lastEpoch map[common.Address]uint64

	// carried is yield harvested into engine custody that no distribution has paid out yet, per vault and asset
	carried map[common.Address]map[common.Address]*uint256.Int

	metrics *epochMetrics
}

func NewEpochCoordinator(cfg EpochCoordinatorConfig) (*EpochCoordinator, error) {
	if cfg.Authority == nil || cfg.Engine == nil || cfg.Yield == nil || cfg.Chain == nil {
		return nil, errors.Wrap(ErrNilCollaborator, "epoch coordinator needs authority, engine, yield source and chain")
	}
	if cfg.Epoch.Duration == 0 {
		cfg.Epoch.Duration = uint64(DefaultEpochDuration / time.Second)
	}
	cfg.Epoch.Reward = cloneAmount(cfg.Epoch.Reward)
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}

	ec := &EpochCoordinator{
		executor:      executor{chain: cfg.Chain, bus: cfg.Bus},
		Logger:        cfg.Logger,
		auth:          cfg.Authority,
		engine:        cfg.Engine,
		yield:         cfg.Yield,
		rewardCustody: cfg.RewardCustody,
		config:        cfg.Epoch,
		lastEpoch:     make(map[common.Address]uint64),
		carried:       make(map[common.Address]map[common.Address]*uint256.Int),
	}
	if cfg.PromRegistry != nil {
		ec.metrics = newEpochMetrics(cfg.PromRegistry)
	}
	return ec, nil
}

func (ec *EpochCoordinator) RegisterVault(caller common.Address, vault common.Address) error {
	if err := requireRole(ec.auth, DistributionAdminRole, caller); err != nil {
		return err
	}
	if vault == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "vault")
	}

	return ec.exec(func(tx *txn) error {
		if _, ok := ec.lastEpoch[vault]; ok {
			return nil
		}
		ec.lastEpoch[vault] = 0
		ec.vaults = append(ec.vaults, vault)
		tx.emit(EpochVaultRegistered{Vault: vault, Actor: caller, Timestamp: tx.now})
		return nil
	})
}

func (ec *EpochCoordinator) SetEpochConfig(caller common.Address, cfg EpochConfig) error {
	if err := requireRole(ec.auth, TreasuryRole, caller); err != nil {
		return err
	}
	if cfg.Duration == 0 {
		return errors.Wrap(ErrInvalidConfiguration, "epoch duration is zero")
	}
	if !isZero(cfg.Reward) && cfg.RewardAsset == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "reward asset")
	}

	return ec.exec(func(tx *txn) error {
		prev := ec.config
		ec.config = EpochConfig{Duration: cfg.Duration, RewardAsset: cfg.RewardAsset, Reward: cloneAmount(cfg.Reward)}
		tx.emit(EpochConfigUpdated{
			PreviousDuration: prev.Duration,
			NewDuration:      cfg.Duration,
			PreviousReward:   cloneAmount(prev.Reward),
			NewReward:        cloneAmount(cfg.Reward),
			RewardAsset:      cfg.RewardAsset,
			Actor:            caller,
			Timestamp:        tx.now,
		})
		return nil
	})
}

// EpochReceipt is the outcome of one processed epoch.
type EpochReceipt struct {
	Vault        common.Address
	Distribution *DistributionReceipt
	Reward       *uint256.Int
	RewardPaid   bool
}

// ProcessEpoch harvests vault and distributes the harvest together with anything an earlier failed epoch
// left in custody. The caller reward is paid best effort: a failed reward is logged and never undoes the
// distribution.
func (ec *EpochCoordinator) ProcessEpoch(ctx context.Context, caller common.Address, vault common.Address) (*EpochReceipt, error) {
	ctx, err := enter(ctx, ec)
	if err != nil {
		return nil, err
	}

	var receipt *EpochReceipt
	err = ec.exec(func(tx *txn) error {
		last, ok := ec.lastEpoch[vault]
		if !ok {
			return errors.Wrapf(ErrUnauthorizedCaller, "vault %s is not registered for epochs", vault.Hex())
		}
		if last != 0 && tx.now < last+ec.config.Duration {
			return errors.Wrapf(ErrEpochNotReady, "vault %s next epoch at %d", vault.Hex(), last+ec.config.Duration)
		}

		harvested, amount, err := ec.yield.Harvest(ctx, vault)
		if err != nil {
			return errors.Wrapf(err, "harvest %s", vault.Hex())
		}
		if !isZero(amount) {
			ec.carry(vault, harvested, amount)
		}
		asset, total := ec.pending(vault, harvested)
		if total.IsZero() {
			return errors.Wrapf(ErrZeroAmount, "nothing harvested from %s", vault.Hex())
		}
		dist, err := ec.engine.DistributeToAllUsers(ctx, vault, asset, total)
		if err != nil {
			ec.Logger.WithFields(logrus.Fields{
				"vault":   vault.Hex(),
				"asset":   asset.Hex(),
				"carried": total.Dec(),
			}).Warnf("epoch distribution failed, yield carried to the next attempt: %s", err)
			return err
		}
		delete(ec.carried[vault], asset)
		if len(ec.carried[vault]) == 0 {
			delete(ec.carried, vault)
		}
		ec.lastEpoch[vault] = tx.now

		receipt = &EpochReceipt{Vault: vault, Distribution: dist, Reward: cloneAmount(ec.config.Reward)}
		receipt.RewardPaid = ec.payReward(ctx, caller)

		if ec.metrics != nil {
			ec.metrics.processed.Inc()
		}
		tx.emit(EpochProcessed{
			Vault:       vault,
			Caller:      caller,
			Asset:       asset,
			Distributed: dist.Distributed(),
			Reward:      cloneAmount(receipt.Reward),
			RewardPaid:  receipt.RewardPaid,
			Timestamp:   tx.now,
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

func (ec *EpochCoordinator) carry(vault, asset common.Address, amount *uint256.Int) {
	byAsset := ec.carried[vault]
	if byAsset == nil {
		byAsset = make(map[common.Address]*uint256.Int)
		ec.carried[vault] = byAsset
	}
	total := cloneAmount(byAsset[asset])
	byAsset[asset] = total.Add(total, amount)
}

// pending picks what the next distribution of vault pays out: the carried amount of preferred when there is
// one, otherwise the carried asset with the lowest address.
func (ec *EpochCoordinator) pending(vault, preferred common.Address) (common.Address, *uint256.Int) {
	byAsset := ec.carried[vault]
	if amount := byAsset[preferred]; !isZero(amount) {
		return preferred, cloneAmount(amount)
	}
	assets := make([]common.Address, 0, len(byAsset))
	for asset := range byAsset {
		assets = append(assets, asset)
	}
	if len(assets) == 0 {
		return preferred, new(uint256.Int)
	}
	sortAddresses(assets)
	return assets[0], cloneAmount(byAsset[assets[0]])
}

func (ec *EpochCoordinator) payReward(ctx context.Context, caller common.Address) bool {
	reward := ec.config.Reward
	if isZero(reward) || ec.rewardCustody == nil {
		return false
	}
	ok, err := ec.rewardCustody.Transfer(ctx, ec.config.RewardAsset, caller, reward)
	if err == nil && ok {
		return true
	}
	if ec.metrics != nil {
		ec.metrics.rewardsFailed.Inc()
	}
	ec.Logger.WithFields(logrus.Fields{
		"caller": caller.Hex(),
		"reward": reward.Dec(),
		"err":    err,
	}).Warn("epoch reward not paid")
	return false
}

func (ec *EpochCoordinator) LastEpoch(vault common.Address) uint64 {
	var last uint64
	ec.view(func() { last = ec.lastEpoch[vault] })
	return last
}

// CarriedYield is the yield of asset harvested from vault that still waits in engine custody for a
// successful distribution.
func (ec *EpochCoordinator) CarriedYield(vault, asset common.Address) *uint256.Int {
	var amount *uint256.Int
	ec.view(func() { amount = cloneAmount(ec.carried[vault][asset]) })
	return amount
}

func (ec *EpochCoordinator) EpochConfig() EpochConfig {
	var cfg EpochConfig
	ec.view(func() {
		cfg = ec.config
		cfg.Reward = cloneAmount(ec.config.Reward)
	})
	return cfg
}

// NextEpochAt is the earliest time vault may be processed again. A vault never processed is due immediately.
func (ec *EpochCoordinator) NextEpochAt(vault common.Address) (uint64, bool) {
	var (
		next uint64
		ok   bool
	)
	ec.view(func() {
		var last uint64
		if last, ok = ec.lastEpoch[vault]; ok && last != 0 {
			next = last + ec.config.Duration
		}
	})
	return next, ok
}

// Vaults lists registered vaults in registration order.
func (ec *EpochCoordinator) Vaults() []common.Address {
	var out []common.Address
	ec.view(func() {
		out = make([]common.Address, len(ec.vaults))
		copy(out, ec.vaults)
	})
	return out
}
