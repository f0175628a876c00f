package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type CampaignStatus uint8

const (
	// CampaignStatusUnknown is the sentinel for a campaign that was never created
	CampaignStatusUnknown CampaignStatus = iota
	CampaignStatusSubmitted
	CampaignStatusApproved
	CampaignStatusActive
	CampaignStatusPaused
	CampaignStatusCompleted
	CampaignStatusCancelled
)

var campaignStatusNames = [...]string{"Unknown", "Submitted", "Approved", "Active", "Paused", "Completed", "Cancelled"}

func (s CampaignStatus) String() string {
	if int(s) < len(campaignStatusNames) {
		return campaignStatusNames[s]
	}
	return "Invalid"
}

// acceptsStake reports whether supporters may still escrow stake into a campaign in this status.
func (s CampaignStatus) acceptsStake() bool {
	return s != CampaignStatusUnknown && s != CampaignStatusCancelled && s != CampaignStatusCompleted
}

type CheckpointStatus uint8

const (
	// CheckpointStatusNone is the sentinel for an index that was never scheduled
	CheckpointStatusNone CheckpointStatus = iota
	CheckpointStatusScheduled
	CheckpointStatusVoting
	CheckpointStatusSucceeded
	CheckpointStatusFailed
)

var checkpointStatusNames = [...]string{"None", "Scheduled", "Voting", "Succeeded", "Failed"}

func (s CheckpointStatus) String() string {
	if int(s) < len(checkpointStatusNames) {
		return checkpointStatusNames[s]
	}
	return "Invalid"
}

type StrategyStatus uint8

const (
	StrategyUnknown StrategyStatus = iota
	StrategyActive
	StrategyDeprecated
)

// StrategyInfo is what a StrategyCatalog reports for a strategy id.
type StrategyInfo struct {
	ID     common.Hash
	Exists bool
	Status StrategyStatus
	Name   string
}

type Campaign struct {
	ID              common.Hash
	Proposer        common.Address
	Curator         common.Address
	PayoutRecipient common.Address
	StrategyID      common.Hash
	TargetStake     *uint256.Int
	MinStake        *uint256.Int

	// FundraisingStart and FundraisingEnd are unix seconds, an end of 0 means open ended
	FundraisingStart uint64
	FundraisingEnd   uint64
	CreatedAt        uint64
	UpdatedAt        uint64

	Status        CampaignStatus
	TotalStaked   *uint256.Int
	LockedStake   *uint256.Int
	PayoutsHalted bool
	Vault         common.Address
	LockProfile   common.Hash
	Exists        bool

	// cumulative distribution bookkeeping, written only by successful distributions
	TotalPayouts *uint256.Int
	ProtocolFees *uint256.Int
}

func (c *Campaign) clone() *Campaign {
	cp := *c
	cp.TargetStake = cloneAmount(c.TargetStake)
	cp.MinStake = cloneAmount(c.MinStake)
	cp.TotalStaked = cloneAmount(c.TotalStaked)
	cp.LockedStake = cloneAmount(c.LockedStake)
	cp.TotalPayouts = cloneAmount(c.TotalPayouts)
	cp.ProtocolFees = cloneAmount(c.ProtocolFees)
	return &cp
}

// CampaignInput carries the caller supplied fields of a new campaign.
type CampaignInput struct {
	ID               common.Hash
	PayoutRecipient  common.Address
	StrategyID       common.Hash
	TargetStake      *uint256.Int
	MinStake         *uint256.Int
	FundraisingStart uint64
	FundraisingEnd   uint64
}

type SupporterStake struct {
	Shares            *uint256.Int
	PendingWithdrawal *uint256.Int
	StakeTimestamp    uint64
	LastUpdated       uint64
	RequestedExit     bool
	Exists            bool
}

func (s *SupporterStake) clone() *SupporterStake {
	cp := *s
	cp.Shares = cloneAmount(s.Shares)
	cp.PendingWithdrawal = cloneAmount(s.PendingWithdrawal)
	return &cp
}

type CampaignStakeState struct {
	TotalActive      *uint256.Int
	TotalPendingExit *uint256.Int
	Supporters       []common.Address
}

type stakeBook struct {
	totalActive      *uint256.Int
	totalPendingExit *uint256.Int
	supporters       []common.Address
	listed           map[common.Address]bool
	stakes           map[common.Address]*SupporterStake
}

func newStakeBook() *stakeBook {
	return &stakeBook{
		totalActive:      new(uint256.Int),
		totalPendingExit: new(uint256.Int),
		listed:           make(map[common.Address]bool),
		stakes:           make(map[common.Address]*SupporterStake),
	}
}

type Checkpoint struct {
	WindowStart       uint64
	WindowEnd         uint64
	ExecutionDeadline uint64
	QuorumBps         uint16
	Status            CheckpointStatus

	TotalEligibleVotes *uint256.Int
	VotesFor           *uint256.Int
	VotesAgainst       *uint256.Int

	StartBlock    uint64
	SnapshotBlock uint64
	EndBlock      uint64
}

func (c *Checkpoint) clone() *Checkpoint {
	cp := *c
	cp.TotalEligibleVotes = cloneAmount(c.TotalEligibleVotes)
	cp.VotesFor = cloneAmount(c.VotesFor)
	cp.VotesAgainst = cloneAmount(c.VotesAgainst)
	return &cp
}

// CheckpointInput describes a checkpoint to schedule. Times are unix seconds.
type CheckpointInput struct {
	WindowStart       uint64
	WindowEnd         uint64
	ExecutionDeadline uint64
	QuorumBps         uint16
}

// checkpointRecord is a Checkpoint together with its ballot box.
type checkpointRecord struct {
	Checkpoint
	hasVoted map[common.Address]bool
	votedFor map[common.Address]bool
}

type CampaignPreference struct {
	CampaignID           common.Hash
	Beneficiary          common.Address
	AllocationPercentage uint8
	LastUpdated          uint64
}

type CampaignTotals struct {
	TotalPayouts *uint256.Int
	ProtocolFees *uint256.Int
}

// EpochConfig controls how often a vault may distribute and what the triggering caller earns.
type EpochConfig struct {
	Duration    uint64
	RewardAsset common.Address
	Reward      *uint256.Int
}

func cloneAmount(x *uint256.Int) *uint256.Int {
	if x == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(x)
}

func isZero(x *uint256.Int) bool {
	return x == nil || x.IsZero()
}
