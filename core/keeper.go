package core

import (
	"context"
	"sync"
	"time"

	"github.com/Rican7/retry"
	"github.com/Rican7/retry/backoff"
	"github.com/Rican7/retry/strategy"
	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	DefaultKeeperInterval = time.Minute

	flushAttempts = 5
)

type KeeperConfig struct {
	Coordinator *EpochCoordinator
	Ledger      *CampaignLedger
	Engine      *DistributionEngine
	Chain       ChainContext

	// Caller is the identity credited with the epoch reward
	Caller   common.Address
	Interval time.Duration

	// Store receives a snapshot every FlushInterval and on Stop, nil disables persistence
	Store         *SnapshotStore
	FlushInterval time.Duration
	FlushBackoff  time.Duration

	Logger *logrus.Logger
}

// Keeper triggers the epoch of every registered vault once it is due and periodically persists the ledger.
type Keeper struct {
	Logger *logrus.Logger

	cfg    KeeperConfig
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewKeeper(cfg KeeperConfig) (*Keeper, error) {
	if cfg.Coordinator == nil || cfg.Chain == nil {
		return nil, errors.Wrap(ErrNilCollaborator, "keeper needs an epoch coordinator and a chain context")
	}
	if cfg.Store != nil && (cfg.Ledger == nil || cfg.Engine == nil) {
		return nil, errors.Wrap(ErrNilCollaborator, "snapshot persistence needs the ledger and the engine")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultKeeperInterval
	}
	if cfg.FlushBackoff <= 0 {
		cfg.FlushBackoff = 5 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	return &Keeper{Logger: cfg.Logger, cfg: cfg}, nil
}

func (k *Keeper) Start(ctx context.Context) error {
	if k.cancel != nil {
		return errors.New("keeper already started")
	}
	ctx, k.cancel = context.WithCancel(ctx)
	k.wg.Add(1)
	go func() {
		defer k.wg.Done()
		k.Run(ctx)
	}()
	k.Logger.Infof("keeper started, interval %s", k.cfg.Interval)
	return nil
}

// Stop ends the loop and writes a final snapshot.
func (k *Keeper) Stop() error {
	if k.cancel != nil {
		k.cancel()
		k.wg.Wait()
		k.cancel = nil
	}
	if k.cfg.Store == nil {
		return nil
	}
	return k.Flush()
}

// Run blocks until ctx is done.
func (k *Keeper) Run(ctx context.Context) {
	ticker := time.NewTicker(k.cfg.Interval)
	defer ticker.Stop()

	var flush <-chan time.Time
	if k.cfg.Store != nil && k.cfg.FlushInterval > 0 {
		flushTicker := time.NewTicker(k.cfg.FlushInterval)
		defer flushTicker.Stop()
		flush = flushTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			k.Logger.Info("keeper stopped")
			return
		case <-ticker.C:
			k.Tick(ctx)
		case <-flush:
			if err := k.Flush(); err != nil {
				k.Logger.Errorf("flush snapshot: %s", err)
			}
		}
	}
}

// Tick processes every due vault and returns how many distributed.
func (k *Keeper) Tick(ctx context.Context) int {
	now := unixNow(k.cfg.Chain)
	processed := 0
	for _, vault := range k.cfg.Coordinator.Vaults() {
		if next, ok := k.cfg.Coordinator.NextEpochAt(vault); !ok || (next != 0 && now < next) {
			continue
		}
		receipt, err := k.cfg.Coordinator.ProcessEpoch(ctx, k.cfg.Caller, vault)
		switch {
		case err == nil:
			processed++
			k.Logger.WithFields(logrus.Fields{
				"vault":        vault.Hex(),
				"distribution": receipt.Distribution.ID,
				"reward_paid":  receipt.RewardPaid,
			}).Info("epoch processed")
		case errors.Is(err, ErrZeroAmount), errors.Is(err, ErrEpochNotReady):
			k.Logger.Debugf("vault %s skipped: %s", vault.Hex(), err)
		default:
			k.Logger.Warnf("process epoch of vault %s: %s", vault.Hex(), err)
		}
	}
	return processed
}

// Flush persists a snapshot, retrying with a fibonacci backoff.
func (k *Keeper) Flush() error {
	if k.cfg.Store == nil {
		return nil
	}
	snap := TakeSnapshot(k.cfg.Chain, k.cfg.Ledger, k.cfg.Engine, k.cfg.Coordinator)
	action := func(attempt uint) error {
		if err := k.cfg.Store.Save(snap); err != nil {
			k.Logger.Warnf("save snapshot, attempt %d: %s", attempt, err)
			return err
		}
		return nil
	}
	if err := retry.Retry(action, strategy.Limit(flushAttempts), strategy.Backoff(backoff.Fibonacci(k.cfg.FlushBackoff))); err != nil {
		return errors.Wrap(err, "save snapshot")
	}
	k.Logger.Debugf("snapshot flushed at block %d", snap.Block)
	return nil
}
