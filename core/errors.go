package core

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// validation errors
var (
	ErrZeroAddress           = errors.New("zero address")
	ErrZeroID                = errors.New("zero id")
	ErrZeroAmount            = errors.New("zero amount")
	ErrInvalidStakeRange     = errors.New("min stake exceeds target stake")
	ErrInvalidWindow         = errors.New("invalid time window")
	ErrInvalidQuorum         = errors.New("quorum bps out of range")
	ErrInvalidStrategy       = errors.New("invalid strategy")
	ErrInvalidAllocation     = errors.New("invalid allocation percentage")
	ErrBeneficiaryRequired   = errors.New("beneficiary required for partial allocation")
	ErrInvalidConfiguration  = errors.New("invalid configuration")
	ErrInvalidFee            = errors.New("fee bps out of range")
	ErrArithmeticOverflow    = errors.New("arithmetic overflow")
	ErrNilCollaborator       = errors.New("nil collaborator")
	ErrUnknownStatus         = errors.New("status sentinel not allowed")
	ErrCampaignAlreadyExists = errors.New("campaign already exists")
)

// state precondition errors
var (
	ErrCampaignNotFound        = errors.New("campaign not found")
	ErrCheckpointNotFound      = errors.New("checkpoint not found")
	ErrInvalidCampaignStatus   = errors.New("invalid campaign status")
	ErrInvalidCheckpointStatus = errors.New("invalid checkpoint status")
	ErrInsufficientShares      = errors.New("insufficient shares")
	ErrInsufficientPending     = errors.New("insufficient pending withdrawal")
	ErrInsufficientBalance     = errors.New("insufficient balance")
	ErrVotingClosed            = errors.New("outside voting window")
	ErrVotingNotEnded          = errors.New("voting window has not ended")
	ErrAlreadyVoted            = errors.New("already voted")
	ErrNoVotingPower           = errors.New("no voting power")
	ErrVaultNotRegistered      = errors.New("vault not registered")
	ErrVaultAlreadyBound       = errors.New("vault already bound")
	ErrOperationNotAllowed     = errors.New("operation not allowed")
	ErrCampaignMismatch        = errors.New("campaign mismatch")
	ErrEpochNotReady           = errors.New("epoch not ready")
	ErrReentrantCall           = errors.New("reentrant call")
	ErrTransferFailed          = errors.New("transfer failed")
	ErrSnapshotVersion         = errors.New("unsupported snapshot version")
	ErrCorruptSnapshot         = errors.New("corrupt snapshot")
)

// authorization errors
var (
	ErrAccessDenied       = errors.New("access denied")
	ErrUnauthorizedCaller = errors.New("unauthorized caller")
)

// AccessError reports which role the caller was missing.
type AccessError struct {
	Role   common.Hash
	Caller common.Address
}

func (e *AccessError) Error() string {
	return fmt.Sprintf("access denied: %s lacks role %s (%s)", e.Caller.Hex(), RoleName(e.Role), e.Role.Hex())
}

func (e *AccessError) Unwrap() error { return ErrAccessDenied }

type CampaignStatusError struct {
	CampaignID common.Hash
	Expected   []CampaignStatus
	Actual     CampaignStatus
}

func (e *CampaignStatusError) Error() string {
	return fmt.Sprintf("campaign %s: status %s, expected one of %v", e.CampaignID.Hex(), e.Actual, e.Expected)
}

func (e *CampaignStatusError) Unwrap() error { return ErrInvalidCampaignStatus }

type CheckpointStatusError struct {
	CampaignID common.Hash
	Index      uint64
	Expected   CheckpointStatus
	Actual     CheckpointStatus
}

func (e *CheckpointStatusError) Error() string {
	return fmt.Sprintf("checkpoint %s/%d: status %s, expected %s", e.CampaignID.Hex(), e.Index, e.Actual, e.Expected)
}

func (e *CheckpointStatusError) Unwrap() error { return ErrInvalidCheckpointStatus }

// AmountError carries the available and requested amounts of a failed debit.
type AmountError struct {
	Err       error
	Entity    common.Hash
	Account   common.Address
	Available *uint256.Int
	Requested *uint256.Int
}

func (e *AmountError) Error() string {
	return fmt.Sprintf("%s: %s for %s has %s, requested %s", e.Err, e.Entity.Hex(), e.Account.Hex(), e.Available.Dec(), e.Requested.Dec())
}

func (e *AmountError) Unwrap() error { return e.Err }

// CampaignMismatchError is returned when a stored preference points at a campaign the vault is no longer bound to.
type CampaignMismatchError struct {
	Vault    common.Address
	User     common.Address
	Bound    common.Hash
	Referred common.Hash
}

func (e *CampaignMismatchError) Error() string {
	return fmt.Sprintf("campaign mismatch: vault %s bound to %s, preference of %s refers to %s",
		e.Vault.Hex(), e.Bound.Hex(), e.User.Hex(), e.Referred.Hex())
}

func (e *CampaignMismatchError) Unwrap() error { return ErrCampaignMismatch }

func campaignNotFound(id common.Hash) error {
	return fmt.Errorf("%w: %s", ErrCampaignNotFound, id.Hex())
}

func checkpointNotFound(id common.Hash, index uint64) error {
	return fmt.Errorf("%w: %s/%d", ErrCheckpointNotFound, id.Hex(), index)
}
