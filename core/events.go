package core

import (
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	EventQueueSize = 256

	// AllEvents subscribes to every event type
	AllEvents EventType = "*"
)

type EventType string

const (
	CampaignSubmittedEvent         EventType = "CampaignSubmitted"
	CampaignApprovedEvent          EventType = "CampaignApproved"
	CampaignStatusUpdatedEvent     EventType = "CampaignStatusUpdated"
	PayoutRecipientUpdatedEvent    EventType = "PayoutRecipientUpdated"
	CampaignVaultUpdatedEvent      EventType = "CampaignVaultUpdated"
	StrategyRegistryUpdatedEvent   EventType = "StrategyRegistryUpdated"
	LockedStakeUpdatedEvent        EventType = "LockedStakeUpdated"
	StakeDepositedEvent            EventType = "StakeDeposited"
	StakeExitRequestedEvent        EventType = "StakeExitRequested"
	StakeExitFinalizedEvent        EventType = "StakeExitFinalized"
	CheckpointScheduledEvent       EventType = "CheckpointScheduled"
	CheckpointStatusUpdatedEvent   EventType = "CheckpointStatusUpdated"
	CheckpointVoteCastEvent        EventType = "CheckpointVoteCast"
	CheckpointFinalizedEvent       EventType = "CheckpointFinalized"
	PayoutsHaltedUpdatedEvent      EventType = "PayoutsHaltedUpdated"
	VaultCampaignRegisteredEvent   EventType = "VaultCampaignRegistered"
	AuthorizedCallerUpdatedEvent   EventType = "AuthorizedCallerUpdated"
	VaultPreferenceSetEvent        EventType = "VaultPreferenceSet"
	UserSharesUpdatedEvent         EventType = "UserSharesUpdated"
	DistributionConfigUpdatedEvent EventType = "DistributionConfigUpdated"
	YieldDistributedEvent          EventType = "YieldDistributed"
	BeneficiaryPaidEvent           EventType = "BeneficiaryPaid"
	EpochVaultRegisteredEvent      EventType = "EpochVaultRegistered"
	EpochConfigUpdatedEvent        EventType = "EpochConfigUpdated"
	EpochProcessedEvent            EventType = "EpochProcessed"
)

// EventData is the payload of an Event. Subject is the entity the event is about (campaign id or vault).
type EventData interface {
	EventType() EventType
	Subject() common.Hash
}

type Event struct {
	Type      EventType
	Timestamp time.Time
	Block     uint64
	Data      EventData
}

func NewEvent(data EventData, timestamp time.Time, block uint64) Event {
	return Event{
		Type:      data.EventType(),
		Timestamp: timestamp,
		Block:     block,
		Data:      data,
	}
}

func addressSubject(addr common.Address) common.Hash {
	return common.BytesToHash(addr.Bytes())
}

type CampaignSubmitted struct {
	CampaignID      common.Hash
	Proposer        common.Address
	PayoutRecipient common.Address
	StrategyID      common.Hash
	TargetStake     *uint256.Int
	MinStake        *uint256.Int
	Timestamp       uint64
}

func (CampaignSubmitted) EventType() EventType   { return CampaignSubmittedEvent }
func (e CampaignSubmitted) Subject() common.Hash { return e.CampaignID }

type CampaignApproved struct {
	CampaignID common.Hash
	Curator    common.Address
	Actor      common.Address
	Timestamp  uint64
}

func (CampaignApproved) EventType() EventType   { return CampaignApprovedEvent }
func (e CampaignApproved) Subject() common.Hash { return e.CampaignID }

type CampaignStatusUpdated struct {
	CampaignID     common.Hash
	PreviousStatus CampaignStatus
	NewStatus      CampaignStatus
	Actor          common.Address
	Timestamp      uint64
}

func (CampaignStatusUpdated) EventType() EventType   { return CampaignStatusUpdatedEvent }
func (e CampaignStatusUpdated) Subject() common.Hash { return e.CampaignID }

type PayoutRecipientUpdated struct {
	CampaignID        common.Hash
	PreviousRecipient common.Address
	NewRecipient      common.Address
	Actor             common.Address
	Timestamp         uint64
}

func (PayoutRecipientUpdated) EventType() EventType   { return PayoutRecipientUpdatedEvent }
func (e PayoutRecipientUpdated) Subject() common.Hash { return e.CampaignID }

type CampaignVaultUpdated struct {
	CampaignID          common.Hash
	PreviousVault       common.Address
	NewVault            common.Address
	PreviousLockProfile common.Hash
	NewLockProfile      common.Hash
	Actor               common.Address
	Timestamp           uint64
}

func (CampaignVaultUpdated) EventType() EventType   { return CampaignVaultUpdatedEvent }
func (e CampaignVaultUpdated) Subject() common.Hash { return e.CampaignID }

type StrategyRegistryUpdated struct {
	PreviousRegistry common.Address
	NewRegistry      common.Address
	Actor            common.Address
	Timestamp        uint64
}

func (StrategyRegistryUpdated) EventType() EventType   { return StrategyRegistryUpdatedEvent }
func (e StrategyRegistryUpdated) Subject() common.Hash { return addressSubject(e.NewRegistry) }

type LockedStakeUpdated struct {
	CampaignID     common.Hash
	PreviousLocked *uint256.Int
	NewLocked      *uint256.Int
	Actor          common.Address
	Timestamp      uint64
}

func (LockedStakeUpdated) EventType() EventType   { return LockedStakeUpdatedEvent }
func (e LockedStakeUpdated) Subject() common.Hash { return e.CampaignID }

type StakeDeposited struct {
	CampaignID  common.Hash
	Supporter   common.Address
	Amount      *uint256.Int
	Shares      *uint256.Int
	TotalActive *uint256.Int
	Timestamp   uint64
}

func (StakeDeposited) EventType() EventType   { return StakeDepositedEvent }
func (e StakeDeposited) Subject() common.Hash { return e.CampaignID }

type StakeExitRequested struct {
	CampaignID        common.Hash
	Supporter         common.Address
	Amount            *uint256.Int
	PendingWithdrawal *uint256.Int
	TotalActive       *uint256.Int
	Timestamp         uint64
}

func (StakeExitRequested) EventType() EventType   { return StakeExitRequestedEvent }
func (e StakeExitRequested) Subject() common.Hash { return e.CampaignID }

type StakeExitFinalized struct {
	CampaignID        common.Hash
	Supporter         common.Address
	Amount            *uint256.Int
	PendingWithdrawal *uint256.Int
	TotalPendingExit  *uint256.Int
	Actor             common.Address
	Timestamp         uint64
}

func (StakeExitFinalized) EventType() EventType   { return StakeExitFinalizedEvent }
func (e StakeExitFinalized) Subject() common.Hash { return e.CampaignID }

type CheckpointScheduled struct {
	CampaignID         common.Hash
	Index              uint64
	WindowStart        uint64
	WindowEnd          uint64
	ExecutionDeadline  uint64
	QuorumBps          uint16
	TotalEligibleVotes *uint256.Int
	Actor              common.Address
	Timestamp          uint64
}

func (CheckpointScheduled) EventType() EventType   { return CheckpointScheduledEvent }
func (e CheckpointScheduled) Subject() common.Hash { return e.CampaignID }

type CheckpointStatusUpdated struct {
	CampaignID     common.Hash
	Index          uint64
	PreviousStatus CheckpointStatus
	NewStatus      CheckpointStatus
	Actor          common.Address
	Timestamp      uint64
}

func (CheckpointStatusUpdated) EventType() EventType   { return CheckpointStatusUpdatedEvent }
func (e CheckpointStatusUpdated) Subject() common.Hash { return e.CampaignID }

type CheckpointVoteCast struct {
	CampaignID common.Hash
	Index      uint64
	Voter      common.Address
	Support    bool
	Weight     *uint256.Int
	Timestamp  uint64
}

func (CheckpointVoteCast) EventType() EventType   { return CheckpointVoteCastEvent }
func (e CheckpointVoteCast) Subject() common.Hash { return e.CampaignID }

type CheckpointFinalized struct {
	CampaignID         common.Hash
	Index              uint64
	Status             CheckpointStatus
	VotesFor           *uint256.Int
	VotesAgainst       *uint256.Int
	TotalEligibleVotes *uint256.Int
	Actor              common.Address
	Timestamp          uint64
}

func (CheckpointFinalized) EventType() EventType   { return CheckpointFinalizedEvent }
func (e CheckpointFinalized) Subject() common.Hash { return e.CampaignID }

type PayoutsHaltedUpdated struct {
	CampaignID common.Hash
	Previous   bool
	Halted     bool
	Timestamp  uint64
}

func (PayoutsHaltedUpdated) EventType() EventType   { return PayoutsHaltedUpdatedEvent }
func (e PayoutsHaltedUpdated) Subject() common.Hash { return e.CampaignID }

type VaultCampaignRegistered struct {
	Vault              common.Address
	PreviousCampaignID common.Hash
	CampaignID         common.Hash
	Actor              common.Address
	Timestamp          uint64
}

func (VaultCampaignRegistered) EventType() EventType   { return VaultCampaignRegisteredEvent }
func (e VaultCampaignRegistered) Subject() common.Hash { return addressSubject(e.Vault) }

type AuthorizedCallerUpdated struct {
	Caller     common.Address
	Authorized bool
	Actor      common.Address
	Timestamp  uint64
}

func (AuthorizedCallerUpdated) EventType() EventType   { return AuthorizedCallerUpdatedEvent }
func (e AuthorizedCallerUpdated) Subject() common.Hash { return addressSubject(e.Caller) }

type VaultPreferenceSet struct {
	User                 common.Address
	Vault                common.Address
	CampaignID           common.Hash
	Beneficiary          common.Address
	AllocationPercentage uint8
	Timestamp            uint64
}

func (VaultPreferenceSet) EventType() EventType   { return VaultPreferenceSetEvent }
func (e VaultPreferenceSet) Subject() common.Hash { return addressSubject(e.Vault) }

type UserSharesUpdated struct {
	User           common.Address
	Vault          common.Address
	PreviousShares *uint256.Int
	NewShares      *uint256.Int
	TotalShares    *uint256.Int
	Timestamp      uint64
}

func (UserSharesUpdated) EventType() EventType   { return UserSharesUpdatedEvent }
func (e UserSharesUpdated) Subject() common.Hash { return addressSubject(e.Vault) }

type DistributionConfigUpdated struct {
	ProtocolFeeBps   uint16
	Treasury         common.Address
	FeeRecipient     common.Address
	ValidAllocations []uint8
	Actor            common.Address
	Timestamp        uint64
}

func (DistributionConfigUpdated) EventType() EventType   { return DistributionConfigUpdatedEvent }
func (e DistributionConfigUpdated) Subject() common.Hash { return addressSubject(e.Treasury) }

type YieldDistributed struct {
	Vault             common.Address
	Asset             common.Address
	CampaignID        common.Hash
	TotalYield        *uint256.Int
	CampaignAmount    *uint256.Int
	ProtocolAmount    *uint256.Int
	BeneficiaryAmount *uint256.Int
	Shareholders      uint64
	DistributionID    uint64
	Timestamp         uint64
}

func (YieldDistributed) EventType() EventType   { return YieldDistributedEvent }
func (e YieldDistributed) Subject() common.Hash { return e.CampaignID }

type BeneficiaryPaid struct {
	Vault          common.Address
	User           common.Address
	Beneficiary    common.Address
	Asset          common.Address
	Amount         *uint256.Int
	DistributionID uint64
	Timestamp      uint64
}

func (BeneficiaryPaid) EventType() EventType   { return BeneficiaryPaidEvent }
func (e BeneficiaryPaid) Subject() common.Hash { return addressSubject(e.Vault) }

type EpochVaultRegistered struct {
	Vault     common.Address
	Actor     common.Address
	Timestamp uint64
}

func (EpochVaultRegistered) EventType() EventType   { return EpochVaultRegisteredEvent }
func (e EpochVaultRegistered) Subject() common.Hash { return addressSubject(e.Vault) }

type EpochConfigUpdated struct {
	PreviousDuration uint64
	NewDuration      uint64
	PreviousReward   *uint256.Int
	NewReward        *uint256.Int
	RewardAsset      common.Address
	Actor            common.Address
	Timestamp        uint64
}

func (EpochConfigUpdated) EventType() EventType   { return EpochConfigUpdatedEvent }
func (e EpochConfigUpdated) Subject() common.Hash { return addressSubject(e.RewardAsset) }

type EpochProcessed struct {
	Vault       common.Address
	Caller      common.Address
	Asset       common.Address
	Distributed *uint256.Int
	Reward      *uint256.Int
	RewardPaid  bool
	Timestamp   uint64
}

func (EpochProcessed) EventType() EventType   { return EpochProcessedEvent }
func (e EpochProcessed) Subject() common.Hash { return addressSubject(e.Vault) }

type SubscriberID int

// EventBus fans events out to channel subscribers. Publish blocks on a full subscriber queue.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[EventType]map[SubscriberID]chan Event
	lastSubID   SubscriberID
	Logger      logrus.FieldLogger
	metrics     *busMetrics
}

func NewEventBus(promRegistry prometheus.Registerer, logger logrus.FieldLogger) *EventBus {
	e := &EventBus{
		subscribers: make(map[EventType]map[SubscriberID]chan Event),
		Logger:      logger,
	}
	if promRegistry != nil {
		e.metrics = newBusMetrics(promRegistry)
	}
	return e
}

// Subscribe returns a channel receiving events of one type, or of every type for AllEvents.
func (e *EventBus) Subscribe(eventType EventType) (SubscriberID, <-chan Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ch := make(chan Event, EventQueueSize)
	e.lastSubID++
	id := e.lastSubID
	if _, ok := e.subscribers[eventType]; !ok {
		e.subscribers[eventType] = make(map[SubscriberID]chan Event)
	}
	e.subscribers[eventType][id] = ch
	return id, ch
}

// SubscribeFunc runs handler on its own goroutine for every delivered event until unsubscribed.
func (e *EventBus) SubscribeFunc(eventType EventType, handler func(Event)) SubscriberID {
	id, ch := e.Subscribe(eventType)
	go func() {
		for evt := range ch {
			handler(evt)
		}
	}()
	return id
}

func (e *EventBus) Unsubscribe(eventType EventType, id SubscriberID) {
	e.mu.Lock()
	defer e.mu.Unlock()
	subs, ok := e.subscribers[eventType]
	if !ok {
		return
	}
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}
	if len(subs) == 0 {
		delete(e.subscribers, eventType)
	}
}

func (e *EventBus) Publish(evt Event) {
	if e == nil {
		return
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	for _, ch := range e.subscribers[evt.Type] {
		ch <- evt
	}
	for _, ch := range e.subscribers[AllEvents] {
		ch <- evt
	}
	if e.metrics != nil {
		e.metrics.eventsTotal.WithLabelValues(string(evt.Type)).Inc()
	}
	if e.Logger != nil {
		e.Logger.WithFields(logrus.Fields{
			"type":    evt.Type,
			"subject": evt.Data.Subject().Hex(),
			"block":   evt.Block,
		}).Debug("event published")
	}
}

// Stop closes every subscriber channel.
func (e *EventBus) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, subs := range e.subscribers {
		for _, ch := range subs {
			close(ch)
		}
	}
	e.subscribers = make(map[EventType]map[SubscriberID]chan Event)
}
