package core

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// LedgerAddress is the emitter address stamped on every log.
var LedgerAddress = common.HexToAddress("0x0000000000000000000000000000000000003001")

// Client is the log API offered to indexers, the same shape as go-ethereum's filter client.
type Client interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)

	SubscribeFilterLogs(context.Context, ethereum.FilterQuery, chan<- types.Log) (ethereum.Subscription, error)
}

// EventTopic is topic0 of an event's log.
func EventTopic(t EventType) common.Hash {
	return crypto.Keccak256Hash([]byte(t))
}

var eventDecoders = map[EventType]func([]byte) (EventData, error){
	CampaignSubmittedEvent:         decodeAs[CampaignSubmitted],
	CampaignApprovedEvent:          decodeAs[CampaignApproved],
	CampaignStatusUpdatedEvent:     decodeAs[CampaignStatusUpdated],
	PayoutRecipientUpdatedEvent:    decodeAs[PayoutRecipientUpdated],
	CampaignVaultUpdatedEvent:      decodeAs[CampaignVaultUpdated],
	StrategyRegistryUpdatedEvent:   decodeAs[StrategyRegistryUpdated],
	LockedStakeUpdatedEvent:        decodeAs[LockedStakeUpdated],
	StakeDepositedEvent:            decodeAs[StakeDeposited],
	StakeExitRequestedEvent:        decodeAs[StakeExitRequested],
	StakeExitFinalizedEvent:        decodeAs[StakeExitFinalized],
	CheckpointScheduledEvent:       decodeAs[CheckpointScheduled],
	CheckpointStatusUpdatedEvent:   decodeAs[CheckpointStatusUpdated],
	CheckpointVoteCastEvent:        decodeAs[CheckpointVoteCast],
	CheckpointFinalizedEvent:       decodeAs[CheckpointFinalized],
	PayoutsHaltedUpdatedEvent:      decodeAs[PayoutsHaltedUpdated],
	VaultCampaignRegisteredEvent:   decodeAs[VaultCampaignRegistered],
	AuthorizedCallerUpdatedEvent:   decodeAs[AuthorizedCallerUpdated],
	VaultPreferenceSetEvent:        decodeAs[VaultPreferenceSet],
	UserSharesUpdatedEvent:         decodeAs[UserSharesUpdated],
	DistributionConfigUpdatedEvent: decodeAs[DistributionConfigUpdated],
	YieldDistributedEvent:          decodeAs[YieldDistributed],
	BeneficiaryPaidEvent:           decodeAs[BeneficiaryPaid],
	EpochVaultRegisteredEvent:      decodeAs[EpochVaultRegistered],
	EpochConfigUpdatedEvent:        decodeAs[EpochConfigUpdated],
	EpochProcessedEvent:            decodeAs[EpochProcessed],
}

var topicEvents = func() map[common.Hash]EventType {
	m := make(map[common.Hash]EventType, len(eventDecoders))
	for t := range eventDecoders {
		m[EventTopic(t)] = t
	}
	return m
}()

func decodeAs[T EventData](data []byte) (EventData, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeLog renders an event as a log: topic0 is the event topic, topic1 the subject, data the JSON payload.
func EncodeLog(evt Event, index uint) (types.Log, error) {
	data, err := json.Marshal(evt.Data)
	if err != nil {
		return types.Log{}, errors.Wrapf(err, "encode %s", evt.Type)
	}
	return types.Log{
		Address:     LedgerAddress,
		Topics:      []common.Hash{EventTopic(evt.Type), evt.Data.Subject()},
		Data:        data,
		BlockNumber: evt.Block,
		Index:       index,
	}, nil
}

// DecodeLog recovers the event payload of a log produced by EncodeLog.
func DecodeLog(l types.Log) (EventData, error) {
	if len(l.Topics) == 0 {
		return nil, errors.New("log has no topics")
	}
	t, ok := topicEvents[l.Topics[0]]
	if !ok {
		return nil, errors.Errorf("unknown event topic %s", l.Topics[0].Hex())
	}
	data, err := eventDecoders[t](l.Data)
	if err != nil {
		return nil, errors.Wrapf(err, "decode %s", t)
	}
	return data, nil
}

var _ Client = (*LogRecorder)(nil)

// LogRecorder keeps the log of every published event and serves it through the Client interface.
// A nil FromBlock filters from the first block, a nil ToBlock up to the latest.
type LogRecorder struct {
	mu     sync.RWMutex
	logs   []types.Log
	subs   map[*logSubscription]struct{}
	Logger logrus.FieldLogger

	bus   *EventBus
	subID SubscriberID
}

func NewLogRecorder(bus *EventBus, logger logrus.FieldLogger) *LogRecorder {
	r := &LogRecorder{
		subs:   make(map[*logSubscription]struct{}),
		Logger: logger,
		bus:    bus,
	}
	if bus != nil {
		r.subID = bus.SubscribeFunc(AllEvents, r.Record)
	}
	return r
}

func (r *LogRecorder) Record(evt Event) {
	r.mu.Lock()
	l, err := EncodeLog(evt, uint(len(r.logs)))
	if err != nil {
		r.mu.Unlock()
		if r.Logger != nil {
			r.Logger.Errorf("record event: %s", err)
		}
		return
	}
	r.logs = append(r.logs, l)
	subs := make([]*logSubscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.Unlock()

	for _, sub := range subs {
		if matchLog(sub.query, &l) {
			sub.deliver(l)
		}
	}
}

func (r *LogRecorder) FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error) {
	if q.BlockHash != nil {
		return nil, errors.New("filtering by block hash is not supported")
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []types.Log
	for i := range r.logs {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if matchLog(q, &r.logs[i]) {
			out = append(out, r.logs[i])
		}
	}
	return out, nil
}

func (r *LogRecorder) SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub := &logSubscription{
		recorder: r,
		query:    q,
		ch:       ch,
		quit:     make(chan struct{}),
		err:      make(chan error),
	}
	r.mu.Lock()
	r.subs[sub] = struct{}{}
	r.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			sub.Unsubscribe()
		case <-sub.quit:
		}
	}()
	return sub, nil
}

// Stop detaches the recorder from the bus and ends every subscription.
func (r *LogRecorder) Stop() {
	if r.bus != nil {
		r.bus.Unsubscribe(AllEvents, r.subID)
	}
	r.mu.RLock()
	subs := make([]*logSubscription, 0, len(r.subs))
	for sub := range r.subs {
		subs = append(subs, sub)
	}
	r.mu.RUnlock()
	for _, sub := range subs {
		sub.Unsubscribe()
	}
}

func matchLog(q ethereum.FilterQuery, l *types.Log) bool {
	if q.FromBlock != nil && l.BlockNumber < q.FromBlock.Uint64() {
		return false
	}
	if q.ToBlock != nil && q.ToBlock.Sign() > 0 && l.BlockNumber > q.ToBlock.Uint64() {
		return false
	}
	if len(q.Addresses) > 0 {
		found := false
		for _, addr := range q.Addresses {
			if addr == l.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Topics) > len(l.Topics) {
		return false
	}
	for i, alternatives := range q.Topics {
		if len(alternatives) == 0 {
			continue
		}
		found := false
		for _, topic := range alternatives {
			if topic == l.Topics[i] {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

type logSubscription struct {
	recorder *LogRecorder
	query    ethereum.FilterQuery
	ch       chan<- types.Log
	quit     chan struct{}
	err      chan error
	once     sync.Once
}

func (s *logSubscription) deliver(l types.Log) {
	select {
	case s.ch <- l:
	case <-s.quit:
	}
}

func (s *logSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.recorder.mu.Lock()
		delete(s.recorder.subs, s)
		s.recorder.mu.Unlock()
		close(s.quit)
		close(s.err)
	})
}

func (s *logSubscription) Err() <-chan error {
	return s.err
}
