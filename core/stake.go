package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var stakeOpenStatuses = []CampaignStatus{CampaignStatusSubmitted, CampaignStatusApproved, CampaignStatusActive, CampaignStatusPaused}

// RecordStakeDeposit escrows amount for supporter. The first deposit of a stake starts its voting eligibility clock.
func (l *CampaignLedger) RecordStakeDeposit(caller common.Address, id common.Hash, supporter common.Address, amount *uint256.Int) error {
	if err := requireRole(l.auth, StakeManagerRole, caller); err != nil {
		return err
	}
	if isZero(amount) {
		return ErrZeroAmount
	}
	if supporter == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "supporter")
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		if !c.Status.acceptsStake() {
			return &CampaignStatusError{CampaignID: id, Expected: stakeOpenStatuses, Actual: c.Status}
		}
		book := l.stakes[id]
		stake := book.stakes[supporter]
		fresh := stake == nil || !stake.Exists

		var shares *uint256.Int
		if fresh {
			shares = new(uint256.Int)
		} else {
			shares = stake.Shares
		}
		newShares, overflow := new(uint256.Int).AddOverflow(shares, amount)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "supporter shares")
		}
		newActive, overflow := new(uint256.Int).AddOverflow(book.totalActive, amount)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "total active stake")
		}
		newStaked, overflow := new(uint256.Int).AddOverflow(c.TotalStaked, amount)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "total staked")
		}

		if fresh {
			stake = &SupporterStake{
				PendingWithdrawal: new(uint256.Int),
				StakeTimestamp:    tx.now,
				Exists:            true,
			}
			book.stakes[supporter] = stake
		}
		if !book.listed[supporter] {
			book.listed[supporter] = true
			book.supporters = append(book.supporters, supporter)
		}
		stake.Shares = newShares
		stake.LastUpdated = tx.now
		stake.RequestedExit = false
		book.totalActive = newActive
		c.TotalStaked = newStaked
		c.UpdatedAt = tx.now

		if l.metrics != nil {
			l.metrics.stakeDeposits.Inc()
		}
		tx.emit(StakeDeposited{
			CampaignID:  id,
			Supporter:   supporter,
			Amount:      cloneAmount(amount),
			Shares:      cloneAmount(newShares),
			TotalActive: cloneAmount(newActive),
			Timestamp:   tx.now,
		})
		l.Logger.WithFields(logrus.Fields{
			"campaign":  id.Hex(),
			"supporter": supporter.Hex(),
			"amount":    amount.Dec(),
		}).Debug("stake deposited")
		return nil
	})
}

// RequestStakeExit moves amount of active shares into the pending withdrawal bucket.
func (l *CampaignLedger) RequestStakeExit(caller common.Address, id common.Hash, supporter common.Address, amount *uint256.Int) error {
	if err := requireRole(l.auth, StakeManagerRole, caller); err != nil {
		return err
	}
	if isZero(amount) {
		return ErrZeroAmount
	}
	if supporter == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "supporter")
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		if c.Status == CampaignStatusCancelled || c.Status == CampaignStatusCompleted {
			return &CampaignStatusError{CampaignID: id, Expected: stakeOpenStatuses, Actual: c.Status}
		}
		book := l.stakes[id]
		stake := book.stakes[supporter]
		if stake == nil || !stake.Exists || stake.Shares.Lt(amount) {
			available := new(uint256.Int)
			if stake != nil {
				available = cloneAmount(stake.Shares)
			}
			return &AmountError{Err: ErrInsufficientShares, Entity: id, Account: supporter, Available: available, Requested: cloneAmount(amount)}
		}
		newPending, overflow := new(uint256.Int).AddOverflow(stake.PendingWithdrawal, amount)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "pending withdrawal")
		}
		newTotalPending, overflow := new(uint256.Int).AddOverflow(book.totalPendingExit, amount)
		if overflow {
			return errors.Wrap(ErrArithmeticOverflow, "total pending exit")
		}

		stake.Shares = new(uint256.Int).Sub(stake.Shares, amount)
		stake.PendingWithdrawal = newPending
		stake.RequestedExit = true
		stake.LastUpdated = tx.now
		book.totalActive = floorSub(book.totalActive, amount)
		book.totalPendingExit = newTotalPending

		tx.emit(StakeExitRequested{
			CampaignID:        id,
			Supporter:         supporter,
			Amount:            cloneAmount(amount),
			PendingWithdrawal: cloneAmount(newPending),
			TotalActive:       cloneAmount(book.totalActive),
			Timestamp:         tx.now,
		})
		return nil
	})
}

// FinalizeStakeExit releases amount of a pending withdrawal. Aggregates are floored at zero instead of
// failing so that earlier accounting drift cannot block an exit.
func (l *CampaignLedger) FinalizeStakeExit(caller common.Address, id common.Hash, supporter common.Address, amount *uint256.Int) error {
	if err := requireRole(l.auth, CampaignAdminRole, caller); err != nil {
		return err
	}
	if isZero(amount) {
		return ErrZeroAmount
	}
	if supporter == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "supporter")
	}

	return l.exec(func(tx *txn) error {
		c, err := l.campaign(id)
		if err != nil {
			return err
		}
		book := l.stakes[id]
		stake := book.stakes[supporter]
		if stake == nil || !stake.Exists || stake.PendingWithdrawal.Lt(amount) {
			available := new(uint256.Int)
			if stake != nil {
				available = cloneAmount(stake.PendingWithdrawal)
			}
			return &AmountError{Err: ErrInsufficientPending, Entity: id, Account: supporter, Available: available, Requested: cloneAmount(amount)}
		}

		stake.PendingWithdrawal = new(uint256.Int).Sub(stake.PendingWithdrawal, amount)
		book.totalPendingExit = floorSub(book.totalPendingExit, amount)
		c.TotalStaked = floorSub(c.TotalStaked, amount)
		c.UpdatedAt = tx.now
		stake.LastUpdated = tx.now
		if stake.PendingWithdrawal.IsZero() {
			stake.RequestedExit = false
			if stake.Shares.IsZero() {
				stake.Exists = false
			}
		}

		tx.emit(StakeExitFinalized{
			CampaignID:        id,
			Supporter:         supporter,
			Amount:            cloneAmount(amount),
			PendingWithdrawal: cloneAmount(stake.PendingWithdrawal),
			TotalPendingExit:  cloneAmount(book.totalPendingExit),
			Actor:             caller,
			Timestamp:         tx.now,
		})
		l.Logger.Debugf("stake exit of %s finalized for %s in %s", amount.Dec(), supporter.Hex(), id.Hex())
		return nil
	})
}

// StakePosition returns the supporter's stake. An unknown supporter yields a zero, non existent stake.
func (l *CampaignLedger) StakePosition(id common.Hash, supporter common.Address) (*SupporterStake, error) {
	var (
		s   *SupporterStake
		err error
	)
	l.view(func() {
		if _, err = l.campaign(id); err != nil {
			return
		}
		if stake, ok := l.stakes[id].stakes[supporter]; ok {
			s = stake.clone()
			return
		}
		s = &SupporterStake{Shares: new(uint256.Int), PendingWithdrawal: new(uint256.Int)}
	})
	return s, err
}

func (l *CampaignLedger) StakeState(id common.Hash) (*CampaignStakeState, error) {
	var (
		st  *CampaignStakeState
		err error
	)
	l.view(func() {
		if _, err = l.campaign(id); err != nil {
			return
		}
		book := l.stakes[id]
		supporters := make([]common.Address, len(book.supporters))
		copy(supporters, book.supporters)
		st = &CampaignStakeState{
			TotalActive:      cloneAmount(book.totalActive),
			TotalPendingExit: cloneAmount(book.totalPendingExit),
			Supporters:       supporters,
		}
	})
	return st, err
}

func floorSub(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}
