package core

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// ScheduleCheckpoint appends a checkpoint to the campaign and returns its index. The eligible vote total is
// snapshotted from the campaign's total stake at scheduling time.
func (l *CampaignLedger) ScheduleCheckpoint(caller common.Address, id common.Hash, in CheckpointInput) (uint64, error) {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return 0, err
	}
	switch {
	case in.WindowStart == 0:
		return 0, errors.Wrap(ErrInvalidWindow, "window start is zero")
	case in.WindowEnd <= in.WindowStart:
		return 0, errors.Wrapf(ErrInvalidWindow, "window end %d not after start %d", in.WindowEnd, in.WindowStart)
	case in.ExecutionDeadline < in.WindowEnd:
		return 0, errors.Wrapf(ErrInvalidWindow, "execution deadline %d before window end %d", in.ExecutionDeadline, in.WindowEnd)
	}
	if in.QuorumBps == 0 || in.QuorumBps > BpsDenominator {
		return 0, errors.Wrapf(ErrInvalidQuorum, "%d", in.QuorumBps)
	}

	var index uint64
	err := l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		index = uint64(len(l.checkpoints[id]))
		cp := &checkpointRecord{
			Checkpoint: Checkpoint{
				WindowStart:        in.WindowStart,
				WindowEnd:          in.WindowEnd,
				ExecutionDeadline:  in.ExecutionDeadline,
				QuorumBps:          in.QuorumBps,
				Status:             CheckpointStatusScheduled,
				TotalEligibleVotes: cloneAmount(c.TotalStaked),
				VotesFor:           new(uint256.Int),
				VotesAgainst:       new(uint256.Int),
			},
			hasVoted: make(map[common.Address]bool),
			votedFor: make(map[common.Address]bool),
		}
		l.checkpoints[id] = append(l.checkpoints[id], cp)

		tx.emit(CheckpointScheduled{
			CampaignID:         id,
			Index:              index,
			WindowStart:        in.WindowStart,
			WindowEnd:          in.WindowEnd,
			ExecutionDeadline:  in.ExecutionDeadline,
			QuorumBps:          in.QuorumBps,
			TotalEligibleVotes: cloneAmount(cp.TotalEligibleVotes),
			Actor:              caller,
			Timestamp:          tx.now,
		})
		l.Logger.Infof("checkpoint %d scheduled for campaign %s, window [%d, %d], quorum %d bps",
			index, id.Hex(), in.WindowStart, in.WindowEnd, in.QuorumBps)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return index, nil
}

// UpdateCheckpointStatus is the council's override of a checkpoint's state. Entering Voting pins the
// snapshot block, entering a terminal state pins the end block, and entering Failed halts payouts.
func (l *CampaignLedger) UpdateCheckpointStatus(caller common.Address, id common.Hash, index uint64, status CheckpointStatus) error {
	if err := requireRole(l.auth, CheckpointCouncilRole, caller); err != nil {
		return err
	}
	if status == CheckpointStatusNone || status > CheckpointStatusFailed {
		return errors.Wrapf(ErrUnknownStatus, "checkpoint status %d", status)
	}

	return l.exec(func(tx *txn) error {
		c, cp, err := l.checkpoint(id, index)
		if err != nil {
			return err
		}
		if cp.Status == status {
			return nil
		}
		prev := cp.Status
		cp.Status = status
		switch status {
		case CheckpointStatusVoting:
			cp.StartBlock = tx.block
			cp.SnapshotBlock = tx.block
		case CheckpointStatusSucceeded:
			cp.EndBlock = tx.block
		case CheckpointStatusFailed:
			cp.EndBlock = tx.block
			l.setPayoutsHalted(tx, c, true)
		}

		tx.emit(CheckpointStatusUpdated{
			CampaignID:     id,
			Index:          index,
			PreviousStatus: prev,
			NewStatus:      status,
			Actor:          caller,
			Timestamp:      tx.now,
		})
		l.Logger.Infof("checkpoint %s/%d status %s -> %s", id.Hex(), index, prev, status)
		return nil
	})
}

// VoteOnCheckpoint records the caller's vote. Weight is the voter's current active shares, and only stake
// held for at least the minimum eligibility duration carries any weight.
func (l *CampaignLedger) VoteOnCheckpoint(voter common.Address, id common.Hash, index uint64, support bool) error {
	return l.exec(func(tx *txn) error {
		_, cp, err := l.checkpoint(id, index)
		if err != nil {
			return err
		}
		if cp.Status != CheckpointStatusVoting {
			return &CheckpointStatusError{CampaignID: id, Index: index, Expected: CheckpointStatusVoting, Actual: cp.Status}
		}
		if tx.now < cp.WindowStart || tx.now > cp.WindowEnd {
			return errors.Wrapf(ErrVotingClosed, "now %d, window [%d, %d]", tx.now, cp.WindowStart, cp.WindowEnd)
		}
		if cp.hasVoted[voter] {
			return errors.Wrap(ErrAlreadyVoted, voter.Hex())
		}
		stake := l.stakes[id].stakes[voter]
		if stake == nil || !stake.Exists || stake.Shares.IsZero() {
			return errors.Wrapf(ErrNoVotingPower, "%s holds no active stake", voter.Hex())
		}
		if tx.now < stake.StakeTimestamp+l.minEligibility {
			return errors.Wrapf(ErrNoVotingPower, "%s stake eligible at %d", voter.Hex(), stake.StakeTimestamp+l.minEligibility)
		}

		weight := cloneAmount(stake.Shares)
		tally := cp.VotesAgainst
		if support {
			tally = cp.VotesFor
		}
		sum, overflow := new(uint256.Int).AddOverflow(tally, weight)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "vote tally")
		}
		if support {
			cp.VotesFor = sum
		} else {
			cp.VotesAgainst = sum
		}
		cp.hasVoted[voter] = true
		cp.votedFor[voter] = support

		if l.metrics != nil {
			l.metrics.votesCast.WithLabelValues(fmt.Sprint(support)).Inc()
		}
		tx.emit(CheckpointVoteCast{
			CampaignID: id,
			Index:      index,
			Voter:      voter,
			Support:    support,
			Weight:     weight,
			Timestamp:  tx.now,
		})
		return nil
	})
}

// FinalizeCheckpoint tallies a closed voting window. Quorum requires cast votes of at least
// quorumBps*eligible/10000 (truncated), and the checkpoint succeeds only with strictly more votes for than
// against. A failed checkpoint pauses the campaign and halts payouts, a successful one lifts the halt.
func (l *CampaignLedger) FinalizeCheckpoint(caller common.Address, id common.Hash, index uint64) (CheckpointStatus, error) {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return CheckpointStatusNone, err
	}

	var result CheckpointStatus
	err := l.exec(func(tx *txn) error {
		c, cp, err := l.checkpoint(id, index)
		if err != nil {
			return err
		}
		if cp.Status != CheckpointStatusVoting {
			return &CheckpointStatusError{CampaignID: id, Index: index, Expected: CheckpointStatusVoting, Actual: cp.Status}
		}
		if tx.now <= cp.WindowEnd {
			return errors.Wrapf(ErrVotingNotEnded, "now %d, window end %d", tx.now, cp.WindowEnd)
		}

		eligible := cp.TotalEligibleVotes
		if eligible.IsZero() {
			eligible = cloneAmount(l.stakes[id].totalActive)
		}
		required, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(uint64(cp.QuorumBps)), eligible)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "quorum threshold")
		}
		required.Div(required, uint256.NewInt(BpsDenominator))
		cast, overflow := new(uint256.Int).AddOverflow(cp.VotesFor, cp.VotesAgainst)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "votes cast")
		}

		result = CheckpointStatusFailed
		if !cast.Lt(required) && cp.VotesFor.Gt(cp.VotesAgainst) {
			result = CheckpointStatusSucceeded
		}

		cp.TotalEligibleVotes = eligible
		cp.Status = result
		cp.EndBlock = tx.block
		if result == CheckpointStatusFailed {
			if c.Status != CampaignStatusPaused {
				tx.emit(CampaignStatusUpdated{
					CampaignID:     id,
					PreviousStatus: c.Status,
					NewStatus:      CampaignStatusPaused,
					Actor:          caller,
					Timestamp:      tx.now,
				})
				c.Status = CampaignStatusPaused
				c.UpdatedAt = tx.now
			}
			l.setPayoutsHalted(tx, c, true)
		} else {
			l.setPayoutsHalted(tx, c, false)
		}

		if l.metrics != nil {
			l.metrics.checkpointsResults.WithLabelValues(result.String()).Inc()
		}
		tx.emit(CheckpointFinalized{
			CampaignID:         id,
			Index:              index,
			Status:             result,
			VotesFor:           cloneAmount(cp.VotesFor),
			VotesAgainst:       cloneAmount(cp.VotesAgainst),
			TotalEligibleVotes: cloneAmount(eligible),
			Actor:              caller,
			Timestamp:          tx.now,
		})
		l.Logger.Infof("checkpoint %s/%d finalized %s: for %s, against %s, eligible %s",
			id.Hex(), index, result, cp.VotesFor.Dec(), cp.VotesAgainst.Dec(), eligible.Dec())
		return nil
	})
	if err != nil {
		return CheckpointStatusNone, err
	}
	return result, nil
}

func (l *CampaignLedger) setPayoutsHalted(tx *txn, c *Campaign, halted bool) {
	if c.PayoutsHalted == halted {
		return
	}
	c.PayoutsHalted = halted
	c.UpdatedAt = tx.now
	tx.emit(PayoutsHaltedUpdated{CampaignID: c.ID, Previous: !halted, Halted: halted, Timestamp: tx.now})
	if halted {
		l.Logger.Warnf("payouts halted for campaign %s", c.ID.Hex())
	}
}

func (l *CampaignLedger) checkpoint(id common.Hash, index uint64) (*Campaign, *checkpointRecord, error) {
	c, err := l.campaign(id)
	if err != nil {
		return nil, nil, err
	}
	list := l.checkpoints[id]
	if index >= uint64(len(list)) {
		return nil, nil, checkpointNotFound(id, index)
	}
	return c, list[index], nil
}

func (l *CampaignLedger) Checkpoint(id common.Hash, index uint64) (*Checkpoint, error) {
	var (
		cp  *Checkpoint
		err error
	)
	l.view(func() {
		var rec *checkpointRecord
		if _, rec, err = l.checkpoint(id, index); err == nil {
			cp = rec.Checkpoint.clone()
		}
	})
	return cp, err
}

// CheckpointCount is the next index ScheduleCheckpoint will allocate.
func (l *CampaignLedger) CheckpointCount(id common.Hash) (uint64, error) {
	var (
		n   uint64
		err error
	)
	l.view(func() {
		if _, err = l.campaign(id); err == nil {
			n = uint64(len(l.checkpoints[id]))
		}
	})
	return n, err
}

// VoteReceipt reports whether voter took part in a checkpoint and how.
func (l *CampaignLedger) VoteReceipt(id common.Hash, index uint64, voter common.Address) (voted bool, support bool, err error) {
	l.view(func() {
		var rec *checkpointRecord
		if _, rec, err = l.checkpoint(id, index); err == nil {
			voted, support = rec.hasVoted[voter], rec.votedFor[voter]
		}
	})
	return voted, support, err
}
