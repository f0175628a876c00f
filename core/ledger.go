package core

import (
	"context"
	"sync"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	BpsDenominator = 10000

	DefaultMinVotingEligibility = time.Hour
)

// executor serializes the operations of one component. Events queued during an operation are published
// only after it succeeded and the lock is released.
type executor struct {
	mu    sync.RWMutex
	chain ChainContext
	bus   *EventBus
}

type txn struct {
	now    uint64
	block  uint64
	events []EventData
}

func (tx *txn) emit(data EventData) {
	tx.events = append(tx.events, data)
}

func (x *executor) exec(fn func(tx *txn) error) error {
	x.mu.Lock()
	now := x.chain.Now()
	tx := &txn{now: unixNow(x.chain), block: x.chain.BlockNumber()}
	err := fn(tx)
	x.mu.Unlock()
	if err != nil {
		return err
	}
	for _, data := range tx.events {
		x.bus.Publish(NewEvent(data, now, tx.block))
	}
	return nil
}

type callKey struct{ owner any }

// enter marks ctx as running inside owner. Concurrent callers queue on the executor lock, but a ctx that
// is already inside owner can only come back through a collaborator the owner called out to, and fails.
func enter(ctx context.Context, owner any) (context.Context, error) {
	if ctx.Value(callKey{owner}) != nil {
		return nil, ErrReentrantCall
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return context.WithValue(ctx, callKey{owner}, true), nil
}

func (x *executor) view(fn func()) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	fn()
}

type LedgerConfig struct {
	Authority        AccessAuthority
	Catalog          StrategyCatalog
	StrategyRegistry common.Address
	Chain            ChainContext
	Bus              *EventBus
	Logger           *logrus.Logger
	PromRegistry     prometheus.Registerer

	// MinVotingEligibility is how long stake must be held before it carries voting power
	MinVotingEligibility time.Duration
}

// CampaignLedger owns campaign records, supporter stake escrow and checkpoint governance.
type CampaignLedger struct {
	executor
	Logger *logrus.Logger

	auth             AccessAuthority
	catalog          StrategyCatalog
	strategyRegistry common.Address
	minEligibility   uint64

	campaigns   map[common.Hash]*Campaign
	campaignIDs []common.Hash
	stakes      map[common.Hash]*stakeBook
	checkpoints map[common.Hash][]*checkpointRecord

	metrics *ledgerMetrics
}

func NewCampaignLedger(cfg LedgerConfig) (*CampaignLedger, error) {
	if cfg.Authority == nil || cfg.Chain == nil {
		return nil, errors.Wrap(ErrNilCollaborator, "ledger needs an access authority and a chain context")
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}
	if cfg.MinVotingEligibility <= 0 {
		cfg.MinVotingEligibility = DefaultMinVotingEligibility
	}

	l := &CampaignLedger{
		executor:         executor{chain: cfg.Chain, bus: cfg.Bus},
		Logger:           cfg.Logger,
		auth:             cfg.Authority,
		catalog:          cfg.Catalog,
		strategyRegistry: cfg.StrategyRegistry,
		minEligibility:   uint64(cfg.MinVotingEligibility / time.Second),
		campaigns:        make(map[common.Hash]*Campaign),
		stakes:           make(map[common.Hash]*stakeBook),
		checkpoints:      make(map[common.Hash][]*checkpointRecord),
	}
	if cfg.PromRegistry != nil {
		l.metrics = newLedgerMetrics(cfg.PromRegistry)
	}
	return l, nil
}

func (l *CampaignLedger) SubmitCampaign(caller common.Address, in CampaignInput) error {
	if err := requireRole(l.auth, CampaignCreatorRole, caller); err != nil {
		return err
	}
	if in.ID == (common.Hash{}) {
		return errors.Wrap(ErrZeroID, "campaign id")
	}
	if in.PayoutRecipient == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "payout recipient")
	}
	if in.StrategyID == (common.Hash{}) {
		return errors.Wrap(ErrZeroID, "strategy id")
	}
	target, minStake := cloneAmount(in.TargetStake), cloneAmount(in.MinStake)
	if minStake.Gt(target) {
		return ErrInvalidStakeRange
	}
	if in.FundraisingEnd != 0 && in.FundraisingEnd <= in.FundraisingStart {
		return errors.Wrapf(ErrInvalidWindow, "fundraising end %d not after start %d", in.FundraisingEnd, in.FundraisingStart)
	}

	return l.exec(func(tx *txn) error {
		if err := l.checkStrategy(in.StrategyID); err != nil {
			return err
		}
		if _, ok := l.campaigns[in.ID]; ok {
			return errors.Wrap(ErrCampaignAlreadyExists, in.ID.Hex())
		}

		l.campaigns[in.ID] = &Campaign{
			ID:               in.ID,
			Proposer:         caller,
			PayoutRecipient:  in.PayoutRecipient,
			StrategyID:       in.StrategyID,
			TargetStake:      target,
			MinStake:         minStake,
			FundraisingStart: in.FundraisingStart,
			FundraisingEnd:   in.FundraisingEnd,
			CreatedAt:        tx.now,
			UpdatedAt:        tx.now,
			Status:           CampaignStatusSubmitted,
			TotalStaked:      new(uint256.Int),
			LockedStake:      new(uint256.Int),
			Exists:           true,
			TotalPayouts:     new(uint256.Int),
			ProtocolFees:     new(uint256.Int),
		}
		l.campaignIDs = append(l.campaignIDs, in.ID)
		l.stakes[in.ID] = newStakeBook()
		if l.metrics != nil {
			l.metrics.campaigns.Set(float64(len(l.campaignIDs)))
		}

		tx.emit(CampaignSubmitted{
			CampaignID:      in.ID,
			Proposer:        caller,
			PayoutRecipient: in.PayoutRecipient,
			StrategyID:      in.StrategyID,
			TargetStake:     cloneAmount(target),
			MinStake:        cloneAmount(minStake),
			Timestamp:       tx.now,
		})
		l.Logger.WithFields(logrus.Fields{
			"campaign": in.ID.Hex(),
			"proposer": caller.Hex(),
		}).Info("campaign submitted")
		return nil
	})
}

// checkStrategy translates every catalog outcome other than an existing, non deprecated strategy into ErrInvalidStrategy.
func (l *CampaignLedger) checkStrategy(id common.Hash) error {
	if l.catalog == nil {
		return errors.Wrap(ErrInvalidStrategy, "no strategy registry configured")
	}
	info, err := l.catalog.Lookup(id)
	if err != nil {
		return errors.Wrapf(ErrInvalidStrategy, "lookup %s: %v", id.Hex(), err)
	}
	if !info.Exists {
		return errors.Wrapf(ErrInvalidStrategy, "strategy %s does not exist", id.Hex())
	}
	if info.Status == StrategyDeprecated {
		return errors.Wrapf(ErrInvalidStrategy, "strategy %s is deprecated", id.Hex())
	}
	return nil
}

func (l *CampaignLedger) ApproveCampaign(caller common.Address, id common.Hash, curator common.Address) error {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return err
	}
	if curator == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "curator")
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		if c.Status != CampaignStatusSubmitted {
			return &CampaignStatusError{CampaignID: id, Expected: []CampaignStatus{CampaignStatusSubmitted}, Actual: c.Status}
		}

		c.Curator = curator
		c.Status = CampaignStatusApproved
		c.UpdatedAt = tx.now

		tx.emit(CampaignApproved{CampaignID: id, Curator: curator, Actor: caller, Timestamp: tx.now})
		tx.emit(CampaignStatusUpdated{
			CampaignID:     id,
			PreviousStatus: CampaignStatusSubmitted,
			NewStatus:      CampaignStatusApproved,
			Actor:          caller,
			Timestamp:      tx.now,
		})
		l.Logger.Infof("campaign %s approved, curator %s", id.Hex(), curator.Hex())
		return nil
	})
}

// SetCampaignStatus is the administrative override of the lifecycle. Setting the current status is a no-op.
func (l *CampaignLedger) SetCampaignStatus(caller common.Address, id common.Hash, status CampaignStatus) error {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return err
	}
	if status == CampaignStatusUnknown || status > CampaignStatusCancelled {
		return errors.Wrapf(ErrUnknownStatus, "campaign status %d", status)
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		if c.Status == status {
			return nil
		}
		prev := c.Status
		c.Status = status
		c.UpdatedAt = tx.now

		tx.emit(CampaignStatusUpdated{
			CampaignID:     id,
			PreviousStatus: prev,
			NewStatus:      status,
			Actor:          caller,
			Timestamp:      tx.now,
		})
		l.Logger.Infof("campaign %s status %s -> %s", id.Hex(), prev, status)
		return nil
	})
}

func (l *CampaignLedger) SetPayoutRecipient(caller common.Address, id common.Hash, recipient common.Address) error {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return err
	}
	if recipient == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "payout recipient")
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		prev := c.PayoutRecipient
		c.PayoutRecipient = recipient
		c.UpdatedAt = tx.now

		tx.emit(PayoutRecipientUpdated{
			CampaignID:        id,
			PreviousRecipient: prev,
			NewRecipient:      recipient,
			Actor:             caller,
			Timestamp:         tx.now,
		})
		return nil
	})
}

func (l *CampaignLedger) SetCampaignVault(caller common.Address, id common.Hash, vault common.Address, lockProfile common.Hash) error {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return err
	}
	if vault == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "vault")
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		prevVault, prevProfile := c.Vault, c.LockProfile
		c.Vault = vault
		c.LockProfile = lockProfile
		c.UpdatedAt = tx.now

		tx.emit(CampaignVaultUpdated{
			CampaignID:          id,
			PreviousVault:       prevVault,
			NewVault:            vault,
			PreviousLockProfile: prevProfile,
			NewLockProfile:      lockProfile,
			Actor:               caller,
			Timestamp:           tx.now,
		})
		l.Logger.Infof("campaign %s bound to vault %s", id.Hex(), vault.Hex())
		return nil
	})
}

// SetStrategyRegistry points the ledger at another strategy catalog.
func (l *CampaignLedger) SetStrategyRegistry(caller common.Address, registry common.Address, catalog StrategyCatalog) error {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return err
	}
	if registry == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "strategy registry")
	}
	if catalog == nil {
		return errors.Wrap(ErrNilCollaborator, "strategy catalog")
	}

	return l.exec(func(tx *txn) error {
		prev := l.strategyRegistry
		l.strategyRegistry = registry
		l.catalog = catalog

		tx.emit(StrategyRegistryUpdated{PreviousRegistry: prev, NewRegistry: registry, Actor: caller, Timestamp: tx.now})
		return nil
	})
}

func (l *CampaignLedger) UpdateLockedStake(caller common.Address, id common.Hash, locked *uint256.Int) error {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return err
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		prev := c.LockedStake
		c.LockedStake = cloneAmount(locked)
		c.UpdatedAt = tx.now

		tx.emit(LockedStakeUpdated{
			CampaignID:     id,
			PreviousLocked: cloneAmount(prev),
			NewLocked:      cloneAmount(locked),
			Actor:          caller,
			Timestamp:      tx.now,
		})
		return nil
	})
}

// recordDistribution adds a successful distribution to the campaign's cumulative counters.
func (l *CampaignLedger) recordDistribution(id common.Hash, payout, fees *uint256.Int) error {
	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		c.TotalPayouts = new(uint256.Int).Add(c.TotalPayouts, payout)
		c.ProtocolFees = new(uint256.Int).Add(c.ProtocolFees, fees)
		return nil
	})
}

func (l *CampaignLedger) campaign(id common.Hash) (*Campaign, error) {
	c, ok := l.campaigns[id]
	if !ok || !c.Exists {
		return nil, campaignNotFound(id)
	}
	return c, nil
}

func (l *CampaignLedger) Campaign(id common.Hash) (*Campaign, error) {
	var (
		c   *Campaign
		err error
	)
	l.view(func() {
		c, err = l.campaign(id)
		if err == nil {
			c = c.clone()
		}
	})
	return c, err
}

// CampaignIDs lists campaign ids in submission order.
func (l *CampaignLedger) CampaignIDs() []common.Hash {
	var ids []common.Hash
	l.view(func() {
		ids = make([]common.Hash, len(l.campaignIDs))
		copy(ids, l.campaignIDs)
	})
	return ids
}

func (l *CampaignLedger) CampaignCount() int {
	var n int
	l.view(func() { n = len(l.campaignIDs) })
	return n
}

func (l *CampaignLedger) StrategyRegistry() common.Address {
	var addr common.Address
	l.view(func() { addr = l.strategyRegistry })
	return addr
}

func (l *CampaignLedger) MinVotingEligibility() time.Duration {
	return time.Duration(l.minEligibility) * time.Second
}
