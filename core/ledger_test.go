package core

import (
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitCampaign(t *testing.T) {
	f := newFixture(t)
	in := CampaignInput{
		ID:              campaignA,
		PayoutRecipient: recipient,
		StrategyID:      strategyActive,
		TargetStake:     u(1000),
		MinStake:        u(100),
	}
	require.Nil(t, f.ledger.SubmitCampaign(admin, in))

	c, err := f.ledger.Campaign(campaignA)
	require.Nil(t, err)
	assert.Equal(t, CampaignStatusSubmitted, c.Status)
	assert.Equal(t, admin, c.Proposer)
	assert.Equal(t, f.now(), c.CreatedAt)
	assert.True(t, c.TotalStaked.IsZero())
	assert.Equal(t, 1, f.ledger.CampaignCount())
	assert.Equal(t, float64(1), testutil.ToFloat64(f.ledger.metrics.campaigns))

	err = f.ledger.SubmitCampaign(admin, in)
	assert.True(t, errors.Is(err, ErrCampaignAlreadyExists))
}

func TestSubmitCampaignValidation(t *testing.T) {
	valid := func() CampaignInput {
		return CampaignInput{
			ID:              campaignA,
			PayoutRecipient: recipient,
			StrategyID:      strategyActive,
			TargetStake:     u(1000),
			MinStake:        u(100),
		}
	}
	tests := []struct {
		name   string
		caller common.Address
		modify func(in *CampaignInput)
		err    error
	}{
		{"missing role", outsider, func(in *CampaignInput) {}, ErrAccessDenied},
		{"zero id", admin, func(in *CampaignInput) { in.ID = common.Hash{} }, ErrZeroID},
		{"zero recipient", admin, func(in *CampaignInput) { in.PayoutRecipient = common.Address{} }, ErrZeroAddress},
		{"min above target", admin, func(in *CampaignInput) { in.MinStake = u(1001) }, ErrInvalidStakeRange},
		{"unknown strategy", admin, func(in *CampaignInput) { in.StrategyID = common.HexToHash("0xdead") }, ErrInvalidStrategy},
		{"deprecated strategy", admin, func(in *CampaignInput) { in.StrategyID = strategyDeprecated }, ErrInvalidStrategy},
		{"inverted fundraising window", admin, func(in *CampaignInput) {
			in.FundraisingStart, in.FundraisingEnd = 200, 100
		}, ErrInvalidWindow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := valid()
			tt.modify(&in)
			err := f.ledger.SubmitCampaign(tt.caller, in)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
			assert.Equal(t, 0, f.ledger.CampaignCount())
		})
	}
}

func TestAccessErrorNamesRole(t *testing.T) {
	f := newFixture(t)
	err := f.ledger.SubmitCampaign(outsider, CampaignInput{ID: campaignA})

	var accessErr *AccessError
	require.True(t, errors.As(err, &accessErr))
	assert.Equal(t, CampaignCreatorRole, accessErr.Role)
	assert.Equal(t, outsider, accessErr.Caller)
	assert.Contains(t, err.Error(), "CAMPAIGN_CREATOR_ROLE")
}

func TestCampaignLifecycle(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)

	err := f.ledger.ApproveCampaign(admin, campaignA, admin)
	var statusErr *CampaignStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, CampaignStatusApproved, statusErr.Actual)

	require.Nil(t, f.ledger.SetCampaignStatus(admin, campaignA, CampaignStatusActive))
	require.Nil(t, f.ledger.SetCampaignStatus(admin, campaignA, CampaignStatusActive))
	assert.True(t, errors.Is(f.ledger.SetCampaignStatus(admin, campaignA, CampaignStatusUnknown), ErrUnknownStatus))

	require.Nil(t, f.ledger.SetPayoutRecipient(admin, campaignA, carol))
	require.Nil(t, f.ledger.SetCampaignVault(admin, campaignA, vaultA, common.HexToHash("0x10")))
	c, err := f.ledger.Campaign(campaignA)
	require.Nil(t, err)
	assert.Equal(t, CampaignStatusActive, c.Status)
	assert.Equal(t, carol, c.PayoutRecipient)
	assert.Equal(t, vaultA, c.Vault)

	require.Nil(t, f.ledger.UpdateLockedStake(admin, campaignA, u(40)))
	c, _ = f.ledger.Campaign(campaignA)
	assert.Equal(t, uint64(40), c.LockedStake.Uint64())

	_, err = f.ledger.Campaign(campaignB)
	assert.True(t, errors.Is(err, ErrCampaignNotFound))
}

func TestCampaignViewIsCopy(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(10)))

	c, err := f.ledger.Campaign(campaignA)
	require.Nil(t, err)
	c.TotalStaked.SetUint64(999)
	c.Status = CampaignStatusCancelled

	again, err := f.ledger.Campaign(campaignA)
	require.Nil(t, err)
	assert.Equal(t, uint64(10), again.TotalStaked.Uint64())
	assert.Equal(t, CampaignStatusApproved, again.Status)
}

func TestStakeAccounting(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)

	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(300)))
	first := f.now()
	f.clock.Advance(time.Minute)
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(200)))
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, bob, u(100)))

	pos, err := f.ledger.StakePosition(campaignA, alice)
	require.Nil(t, err)
	assert.Equal(t, uint64(500), pos.Shares.Uint64())
	assert.Equal(t, first, pos.StakeTimestamp, "top ups keep the eligibility clock")

	require.Nil(t, f.ledger.RequestStakeExit(admin, campaignA, alice, u(150)))
	err = f.ledger.RequestStakeExit(admin, campaignA, bob, u(101))
	var amountErr *AmountError
	require.True(t, errors.As(err, &amountErr))
	assert.True(t, errors.Is(err, ErrInsufficientShares))
	assert.Equal(t, uint64(100), amountErr.Available.Uint64())

	st, err := f.ledger.StakeState(campaignA)
	require.Nil(t, err)
	assert.Equal(t, uint64(450), st.TotalActive.Uint64())
	assert.Equal(t, uint64(150), st.TotalPendingExit.Uint64())
	assert.Equal(t, []common.Address{alice, bob}, st.Supporters)

	assertStakeInvariant(t, f, campaignA)

	assert.True(t, errors.Is(f.ledger.FinalizeStakeExit(admin, campaignA, alice, u(151)), ErrInsufficientPending))
	require.Nil(t, f.ledger.FinalizeStakeExit(admin, campaignA, alice, u(150)))

	c, _ := f.ledger.Campaign(campaignA)
	assert.Equal(t, uint64(450), c.TotalStaked.Uint64())
	pos, _ = f.ledger.StakePosition(campaignA, alice)
	assert.False(t, pos.RequestedExit)
	assert.True(t, pos.PendingWithdrawal.IsZero())
	assertStakeInvariant(t, f, campaignA)
}

func TestFullExitClearsStake(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(100)))
	require.Nil(t, f.ledger.RequestStakeExit(admin, campaignA, alice, u(100)))
	require.Nil(t, f.ledger.FinalizeStakeExit(admin, campaignA, alice, u(100)))

	pos, err := f.ledger.StakePosition(campaignA, alice)
	require.Nil(t, err)
	assert.False(t, pos.Exists)

	f.clock.Advance(2 * time.Hour)
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(50)))
	pos, _ = f.ledger.StakePosition(campaignA, alice)
	assert.Equal(t, f.now(), pos.StakeTimestamp, "a fresh stake restarts the eligibility clock")

	st, _ := f.ledger.StakeState(campaignA)
	assert.Len(t, st.Supporters, 1)
}

func TestStakeRejectedForClosedCampaign(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	require.Nil(t, f.ledger.SetCampaignStatus(admin, campaignA, CampaignStatusCancelled))

	err := f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(10))
	assert.True(t, errors.Is(err, ErrInvalidCampaignStatus))
	assert.True(t, errors.Is(f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(0)), ErrZeroAmount))
	assert.True(t, errors.Is(f.ledger.RecordStakeDeposit(outsider, campaignA, alice, u(10)), ErrAccessDenied))
}

// assertStakeInvariant checks that the aggregates equal the sum over supporters.
func assertStakeInvariant(t *testing.T, f *fixture, id common.Hash) {
	st, err := f.ledger.StakeState(id)
	require.Nil(t, err)
	var active, pending uint64
	for _, s := range st.Supporters {
		pos, err := f.ledger.StakePosition(id, s)
		require.Nil(t, err)
		active += pos.Shares.Uint64()
		pending += pos.PendingWithdrawal.Uint64()
	}
	assert.Equal(t, active, st.TotalActive.Uint64())
	assert.Equal(t, pending, st.TotalPendingExit.Uint64())
}

func TestCheckpointApproved(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	require.Nil(t, f.ledger.SetCampaignVault(admin, campaignA, vaultA, common.Hash{}))
	t0 := f.now()
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(500)))

	index := f.openCheckpoint(campaignA, t0+3600, t0+7200, 5000)
	assert.EqualValues(t, 0, index)

	f.clock.Set(time.Unix(int64(t0+3601), 0))
	require.Nil(t, f.ledger.VoteOnCheckpoint(alice, campaignA, index, true))

	cp, err := f.ledger.Checkpoint(campaignA, index)
	require.Nil(t, err)
	assert.Equal(t, uint64(500), cp.VotesFor.Uint64())
	assert.Equal(t, uint64(500), cp.TotalEligibleVotes.Uint64())
	voted, support, err := f.ledger.VoteReceipt(campaignA, index, alice)
	require.Nil(t, err)
	assert.True(t, voted)
	assert.True(t, support)

	f.clock.Set(time.Unix(int64(t0+7201), 0))
	status, err := f.ledger.FinalizeCheckpoint(admin, campaignA, index)
	require.Nil(t, err)
	assert.Equal(t, CheckpointStatusSucceeded, status)

	cp, _ = f.ledger.Checkpoint(campaignA, index)
	assert.Equal(t, CheckpointStatusSucceeded, cp.Status)
	assert.NotZero(t, cp.EndBlock)
	c, _ := f.ledger.Campaign(campaignA)
	assert.False(t, c.PayoutsHalted)
	assert.Equal(t, CampaignStatusApproved, c.Status)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.ledger.metrics.checkpointsResults.WithLabelValues("Succeeded")))
}

func TestVoteBeforeEligibility(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	t0 := f.now()
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(500)))
	index := f.openCheckpoint(campaignA, t0+600, t0+7200, 5000)

	f.clock.Set(time.Unix(int64(t0+1800), 0))
	err := f.ledger.VoteOnCheckpoint(alice, campaignA, index, true)
	assert.True(t, errors.Is(err, ErrNoVotingPower), "got %v", err)

	cp, _ := f.ledger.Checkpoint(campaignA, index)
	assert.True(t, cp.VotesFor.IsZero())
	voted, _, _ := f.ledger.VoteReceipt(campaignA, index, alice)
	assert.False(t, voted)
}

func TestLateStakeCannotVote(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	t0 := f.now()
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(100)))
	index := f.openCheckpoint(campaignA, t0+3600, t0+7200, 1000)

	// stake borrowed right before voting carries no weight
	f.clock.Set(time.Unix(int64(t0+3600), 0))
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, bob, u(1_000_000)))
	f.clock.Set(time.Unix(int64(t0+3601), 0))
	assert.True(t, errors.Is(f.ledger.VoteOnCheckpoint(bob, campaignA, index, false), ErrNoVotingPower))
	require.Nil(t, f.ledger.VoteOnCheckpoint(alice, campaignA, index, true))

	f.clock.Set(time.Unix(int64(t0+7201), 0))
	status, err := f.ledger.FinalizeCheckpoint(admin, campaignA, index)
	require.Nil(t, err)
	assert.Equal(t, CheckpointStatusSucceeded, status)
}

func TestVoteRules(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	t0 := f.now()
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(100)))

	index, err := f.ledger.ScheduleCheckpoint(admin, campaignA, CheckpointInput{
		WindowStart: t0 + 3600, WindowEnd: t0 + 7200, ExecutionDeadline: t0 + 9000, QuorumBps: 5000,
	})
	require.Nil(t, err)

	f.clock.Set(time.Unix(int64(t0+3700), 0))
	err = f.ledger.VoteOnCheckpoint(alice, campaignA, index, true)
	assert.True(t, errors.Is(err, ErrInvalidCheckpointStatus), "scheduled checkpoints take no votes")

	require.Nil(t, f.ledger.UpdateCheckpointStatus(admin, campaignA, index, CheckpointStatusVoting))
	assert.True(t, errors.Is(f.ledger.VoteOnCheckpoint(carol, campaignA, index, true), ErrNoVotingPower))
	require.Nil(t, f.ledger.VoteOnCheckpoint(alice, campaignA, index, true))
	assert.True(t, errors.Is(f.ledger.VoteOnCheckpoint(alice, campaignA, index, false), ErrAlreadyVoted))

	f.clock.Set(time.Unix(int64(t0+7200), 0))
	_, err = f.ledger.FinalizeCheckpoint(admin, campaignA, index)
	assert.True(t, errors.Is(err, ErrVotingNotEnded), "the window end is still open")

	f.clock.Set(time.Unix(int64(t0+7201), 0))
	assert.True(t, errors.Is(f.ledger.VoteOnCheckpoint(bob, campaignA, index, true), ErrVotingClosed))

	_, err = f.ledger.Checkpoint(campaignA, 7)
	assert.True(t, errors.Is(err, ErrCheckpointNotFound))
}

func TestScheduleCheckpointValidation(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	t0 := f.now()
	tests := []struct {
		name string
		in   CheckpointInput
		err  error
	}{
		{"zero start", CheckpointInput{WindowEnd: t0, ExecutionDeadline: t0, QuorumBps: 1}, ErrInvalidWindow},
		{"end before start", CheckpointInput{WindowStart: t0 + 10, WindowEnd: t0 + 10, ExecutionDeadline: t0 + 10, QuorumBps: 1}, ErrInvalidWindow},
		{"deadline before end", CheckpointInput{WindowStart: t0, WindowEnd: t0 + 10, ExecutionDeadline: t0 + 9, QuorumBps: 1}, ErrInvalidWindow},
		{"zero quorum", CheckpointInput{WindowStart: t0, WindowEnd: t0 + 10, ExecutionDeadline: t0 + 10}, ErrInvalidQuorum},
		{"quorum above denominator", CheckpointInput{WindowStart: t0, WindowEnd: t0 + 10, ExecutionDeadline: t0 + 10, QuorumBps: 10001}, ErrInvalidQuorum},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.ledger.ScheduleCheckpoint(admin, campaignA, tt.in)
			assert.True(t, errors.Is(err, tt.err), "got %v", err)
		})
	}
	n, err := f.ledger.CheckpointCount(campaignA)
	require.Nil(t, err)
	assert.EqualValues(t, 0, n)
}

func TestQuorumBoundary(t *testing.T) {
	tests := []struct {
		name    string
		alice   uint64
		bob     uint64
		quorum  uint16
		against bool
		want    CheckpointStatus
	}{
		// eligible 1000 at 3000 bps needs 300 cast votes
		{"exactly at quorum", 300, 700, 3000, false, CheckpointStatusSucceeded},
		{"one vote short", 299, 701, 3000, false, CheckpointStatusFailed},
		{"full quorum", 1000, 0, 10000, false, CheckpointStatusSucceeded},
		{"tie fails", 500, 500, 5000, true, CheckpointStatusFailed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.createCampaign(campaignA)
			t0 := f.now()
			require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(tt.alice)))
			if tt.bob > 0 {
				require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, bob, u(tt.bob)))
			}
			index := f.openCheckpoint(campaignA, t0+3600, t0+7200, tt.quorum)

			f.clock.Set(time.Unix(int64(t0+3600), 0))
			require.Nil(t, f.ledger.VoteOnCheckpoint(alice, campaignA, index, true))
			if tt.against {
				require.Nil(t, f.ledger.VoteOnCheckpoint(bob, campaignA, index, false))
			}

			f.clock.Set(time.Unix(int64(t0+7201), 0))
			status, err := f.ledger.FinalizeCheckpoint(admin, campaignA, index)
			require.Nil(t, err)
			assert.Equal(t, tt.want, status)
		})
	}
}

func TestFailedCheckpointPausesCampaign(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	t0 := f.now()
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(500)))
	index := f.openCheckpoint(campaignA, t0+3600, t0+7200, 5000)

	_, ch := f.bus.Subscribe(AllEvents)
	f.clock.Set(time.Unix(int64(t0+7201), 0))
	status, err := f.ledger.FinalizeCheckpoint(admin, campaignA, index)
	require.Nil(t, err)
	assert.Equal(t, CheckpointStatusFailed, status, "no votes means no quorum")

	c, _ := f.ledger.Campaign(campaignA)
	assert.Equal(t, CampaignStatusPaused, c.Status)
	assert.True(t, c.PayoutsHalted)
	assert.Equal(t, []EventType{CampaignStatusUpdatedEvent, PayoutsHaltedUpdatedEvent, CheckpointFinalizedEvent},
		eventTypes(drain(ch)))

	_, err = f.ledger.FinalizeCheckpoint(admin, campaignA, index)
	assert.True(t, errors.Is(err, ErrInvalidCheckpointStatus))

	// a later successful checkpoint lifts the halt but leaves the campaign paused
	f.clock.Set(time.Unix(int64(t0+8000), 0))
	next := f.openCheckpoint(campaignA, t0+8000, t0+9000, 5000)
	require.Nil(t, f.ledger.VoteOnCheckpoint(alice, campaignA, next, true))
	f.clock.Set(time.Unix(int64(t0+9001), 0))
	status, err = f.ledger.FinalizeCheckpoint(admin, campaignA, next)
	require.Nil(t, err)
	assert.Equal(t, CheckpointStatusSucceeded, status)
	c, _ = f.ledger.Campaign(campaignA)
	assert.False(t, c.PayoutsHalted)
	assert.Equal(t, CampaignStatusPaused, c.Status)
}

func TestCouncilOverride(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	t0 := f.now()
	index, err := f.ledger.ScheduleCheckpoint(admin, campaignA, CheckpointInput{
		WindowStart: t0 + 10, WindowEnd: t0 + 20, ExecutionDeadline: t0 + 20, QuorumBps: 5000,
	})
	require.Nil(t, err)

	assert.True(t, errors.Is(f.ledger.UpdateCheckpointStatus(outsider, campaignA, index, CheckpointStatusFailed), ErrAccessDenied))
	assert.True(t, errors.Is(f.ledger.UpdateCheckpointStatus(admin, campaignA, index, CheckpointStatusNone), ErrUnknownStatus))

	f.clock.Advance(time.Second)
	require.Nil(t, f.ledger.UpdateCheckpointStatus(admin, campaignA, index, CheckpointStatusVoting))
	cp, _ := f.ledger.Checkpoint(campaignA, index)
	assert.Equal(t, f.clock.BlockNumber(), cp.SnapshotBlock)
	assert.Equal(t, cp.StartBlock, cp.SnapshotBlock)

	require.Nil(t, f.ledger.UpdateCheckpointStatus(admin, campaignA, index, CheckpointStatusFailed))
	c, _ := f.ledger.Campaign(campaignA)
	assert.True(t, c.PayoutsHalted)
	assert.Equal(t, CampaignStatusApproved, c.Status, "only finalization pauses the campaign")
}

func TestZeroEligibleFallsBackToActiveStake(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	t0 := f.now()
	index := f.openCheckpoint(campaignA, t0+3600, t0+7200, 5000)

	// the checkpoint was scheduled before any stake existed
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(100)))
	f.clock.Set(time.Unix(int64(t0+3600), 0))
	require.Nil(t, f.ledger.VoteOnCheckpoint(alice, campaignA, index, true))

	f.clock.Set(time.Unix(int64(t0+7201), 0))
	status, err := f.ledger.FinalizeCheckpoint(admin, campaignA, index)
	require.Nil(t, err)
	assert.Equal(t, CheckpointStatusSucceeded, status)
	cp, _ := f.ledger.Checkpoint(campaignA, index)
	assert.Equal(t, uint64(100), cp.TotalEligibleVotes.Uint64())
}

func TestViewsAreIdempotent(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(100)))

	first := TakeSnapshot(f.clock, f.ledger, f.engine, f.coordinator)
	for i := 0; i < 3; i++ {
		_, _ = f.ledger.Campaign(campaignA)
		_, _ = f.ledger.StakeState(campaignA)
		_, _ = f.ledger.StakePosition(campaignA, alice)
		_ = f.ledger.CampaignIDs()
	}
	assert.Equal(t, first, TakeSnapshot(f.clock, f.ledger, f.engine, f.coordinator))
}
