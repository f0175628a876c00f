package core

import (
	"context"
	"testing"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

var (
	admin      = common.HexToAddress("0x00000000000000000000000000000000000a0001")
	treasury   = common.HexToAddress("0x00000000000000000000000000000000000a0002")
	recipient  = common.HexToAddress("0x00000000000000000000000000000000000a0003")
	engineAddr = common.HexToAddress("0x00000000000000000000000000000000000a0004")
	keeperAddr = common.HexToAddress("0x00000000000000000000000000000000000a0005")
	outsider   = common.HexToAddress("0x00000000000000000000000000000000000a0006")

	alice = common.HexToAddress("0x00000000000000000000000000000000000b0001")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000b0002")
	carol = common.HexToAddress("0x00000000000000000000000000000000000b0003")

	vaultA = common.HexToAddress("0x00000000000000000000000000000000000c0001")
	vaultB = common.HexToAddress("0x00000000000000000000000000000000000c0002")
	usdc   = common.HexToAddress("0x00000000000000000000000000000000000d0001")
	gov    = common.HexToAddress("0x00000000000000000000000000000000000d0002")

	campaignA = common.HexToHash("0xca01")
	campaignB = common.HexToHash("0xca02")

	strategyActive     = common.HexToHash("0x5101")
	strategyDeprecated = common.HexToHash("0x5102")

	genesis = time.Unix(1_700_000_000, 0)

	ctx = context.Background()
)

type fixture struct {
	t           *testing.T
	clock       *ManualClock
	bus         *EventBus
	registry    *prometheus.Registry
	auth        *RoleAuthority
	catalog     *MemoryCatalog
	bank        *MemoryBank
	ledger      *CampaignLedger
	engine      *DistributionEngine
	coordinator *EpochCoordinator
}

type fixtureOption func(*DistributionConfig)

func withCustody(c AssetCustody) fixtureOption {
	return func(cfg *DistributionConfig) { cfg.Custody = c }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	f := &fixture{
		t:        t,
		clock:    NewManualClock(genesis),
		registry: prometheus.NewRegistry(),
		catalog:  NewMemoryCatalog(),
		bank:     NewMemoryBank(),
		auth:     NewRoleAuthority(admin),
	}
	logger := log.New()
	f.bus = NewEventBus(f.registry, logger)
	for _, role := range []common.Hash{
		CampaignCreatorRole, CampaignAdminRole, StakeManagerRole,
		CheckpointCouncilRole, DistributionAdminRole, TreasuryRole,
	} {
		require.Nil(t, f.auth.GrantRole(admin, role, admin))
	}
	f.catalog.Put(strategyActive, "lending", StrategyActive)
	f.catalog.Put(strategyDeprecated, "legacy", StrategyDeprecated)

	var err error
	f.ledger, err = NewCampaignLedger(LedgerConfig{
		Authority:            f.auth,
		Catalog:              f.catalog,
		StrategyRegistry:     admin,
		Chain:                f.clock,
		Bus:                  f.bus,
		PromRegistry:         f.registry,
		MinVotingEligibility: time.Hour,
	})
	require.Nil(t, err)

	dcfg := DistributionConfig{
		Authority:    f.auth,
		Ledger:       f.ledger,
		Custody:      f.bank.Custody(engineAddr),
		Treasury:     treasury,
		Chain:        f.clock,
		Bus:          f.bus,
		PromRegistry: f.registry,
	}
	for _, opt := range opts {
		opt(&dcfg)
	}
	f.engine, err = NewDistributionEngine(dcfg)
	require.Nil(t, err)

	f.coordinator, err = NewEpochCoordinator(EpochCoordinatorConfig{
		Authority:     f.auth,
		Engine:        f.engine,
		Yield:         f.bank.YieldSource(engineAddr),
		RewardCustody: f.bank.Custody(treasury),
		Chain:         f.clock,
		Bus:           f.bus,
		PromRegistry:  f.registry,
	})
	require.Nil(t, err)
	return f
}

func u(x uint64) *uint256.Int {
	return uint256.NewInt(x)
}

func (f *fixture) now() uint64 {
	return uint64(f.clock.Now().Unix())
}

// createCampaign submits and approves a campaign paying out to recipient.
func (f *fixture) createCampaign(id common.Hash) {
	require.Nil(f.t, f.ledger.SubmitCampaign(admin, CampaignInput{
		ID:              id,
		PayoutRecipient: recipient,
		StrategyID:      strategyActive,
		TargetStake:     u(1000),
		MinStake:        u(100),
	}))
	require.Nil(f.t, f.ledger.ApproveCampaign(admin, id, admin))
}

// bindVault registers vault for campaign id in the engine and the epoch coordinator.
func (f *fixture) bindVault(vault common.Address, id common.Hash) {
	require.Nil(f.t, f.engine.RegisterCampaignVault(admin, vault, id))
	require.Nil(f.t, f.engine.SetAuthorizedCaller(admin, vault, true))
	require.Nil(f.t, f.coordinator.RegisterVault(admin, vault))
}

func (f *fixture) setShares(vault common.Address, holders map[common.Address]uint64) {
	for user, shares := range holders {
		require.Nil(f.t, f.engine.UpdateUserShares(vault, user, u(shares)))
	}
}

// openCheckpoint schedules a checkpoint over [start, end] and moves it to Voting.
func (f *fixture) openCheckpoint(id common.Hash, start, end uint64, quorumBps uint16) uint64 {
	index, err := f.ledger.ScheduleCheckpoint(admin, id, CheckpointInput{
		WindowStart:       start,
		WindowEnd:         end,
		ExecutionDeadline: end,
		QuorumBps:         quorumBps,
	})
	require.Nil(f.t, err)
	require.Nil(f.t, f.ledger.UpdateCheckpointStatus(admin, id, index, CheckpointStatusVoting))
	return index
}

// drain returns the events buffered on ch so far.
func drain(ch <-chan Event) []Event {
	var out []Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		default:
			return out
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, 0, len(events))
	for _, evt := range events {
		out = append(out, evt.Type)
	}
	return out
}
