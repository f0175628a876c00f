package core

import (
	"context"
	"sort"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

const (
	DefaultProtocolFeeBps = 250

	fullAllocation = 100
)

var DefaultValidAllocations = []uint8{50, 75, 100}

type DistributionConfig struct {
	Authority AccessAuthority
	Ledger    *CampaignLedger

	// Custody holds the yield handed to the engine and pays it out
	Custody      AssetCustody
	Treasury     common.Address
	FeeRecipient common.Address

	// ProtocolFeeBps of zero selects DefaultProtocolFeeBps, use SetProtocolFeeBps to run without fees
	ProtocolFeeBps   uint16
	ValidAllocations []uint8

	Chain        ChainContext
	Bus          *EventBus
	Logger       *logrus.Logger
	PromRegistry prometheus.Registerer
}

// DistributionEngine keeps per vault shareholder books and splits harvested yield between campaigns,
// beneficiaries and the protocol treasury.
type DistributionEngine struct {
	executor
	Logger *logrus.Logger

	auth    AccessAuthority
	ledger  *CampaignLedger
	custody AssetCustody

	treasury         common.Address
	feeRecipient     common.Address
	protocolFeeBps   uint16
	validAllocations map[uint8]bool

	vaultCampaign     map[common.Address]common.Hash
	campaignVault     map[common.Hash]common.Address
	authorizedCallers map[common.Address]bool
	preferences       map[common.Address]map[common.Address]*CampaignPreference
	vaults            map[common.Address]*shareBook
	distributionCount uint64

	metrics *distributionMetrics
}

// shareBook is the shareholder list of one vault. index maps a holder to its slot in holders.
type shareBook struct {
	total   *uint256.Int
	shares  map[common.Address]*uint256.Int
	holders []common.Address
	index   map[common.Address]int
}

func newShareBook() *shareBook {
	return &shareBook{
		total:  new(uint256.Int),
		shares: make(map[common.Address]*uint256.Int),
		index:  make(map[common.Address]int),
	}
}

func (b *shareBook) add(user common.Address) {
	if _, ok := b.index[user]; ok {
		return
	}
	b.index[user] = len(b.holders)
	b.holders = append(b.holders, user)
}

func (b *shareBook) remove(user common.Address) {
	i, ok := b.index[user]
	if !ok {
		return
	}
	last := len(b.holders) - 1
	if i != last {
		moved := b.holders[last]
		b.holders[i] = moved
		b.index[moved] = i
	}
	b.holders = b.holders[:last]
	delete(b.index, user)
}

func NewDistributionEngine(cfg DistributionConfig) (*DistributionEngine, error) {
	if cfg.Authority == nil || cfg.Ledger == nil || cfg.Custody == nil || cfg.Chain == nil {
		return nil, errors.Wrap(ErrNilCollaborator, "distribution engine needs authority, ledger, custody and chain")
	}
	if cfg.Treasury == (common.Address{}) {
		return nil, errors.Wrap(ErrZeroAddress, "treasury")
	}
	if cfg.FeeRecipient == (common.Address{}) {
		cfg.FeeRecipient = cfg.Treasury
	}
	if cfg.ProtocolFeeBps == 0 {
		cfg.ProtocolFeeBps = DefaultProtocolFeeBps
	}
	if cfg.ProtocolFeeBps > BpsDenominator {
		return nil, errors.Wrapf(ErrInvalidFee, "%d bps", cfg.ProtocolFeeBps)
	}
	if len(cfg.ValidAllocations) == 0 {
		cfg.ValidAllocations = DefaultValidAllocations
	}
	allocations, err := allocationSet(cfg.ValidAllocations)
	if err != nil {
		return nil, err
	}
	if cfg.Logger == nil {
		cfg.Logger = log.New()
	}

	e := &DistributionEngine{
		executor:          executor{chain: cfg.Chain, bus: cfg.Bus},
		Logger:            cfg.Logger,
		auth:              cfg.Authority,
		ledger:            cfg.Ledger,
		custody:           cfg.Custody,
		treasury:          cfg.Treasury,
		feeRecipient:      cfg.FeeRecipient,
		protocolFeeBps:    cfg.ProtocolFeeBps,
		validAllocations:  allocations,
		vaultCampaign:     make(map[common.Address]common.Hash),
		campaignVault:     make(map[common.Hash]common.Address),
		authorizedCallers: make(map[common.Address]bool),
		preferences:       make(map[common.Address]map[common.Address]*CampaignPreference),
		vaults:            make(map[common.Address]*shareBook),
	}
	if cfg.PromRegistry != nil {
		e.metrics = newDistributionMetrics(cfg.PromRegistry)
	}
	return e, nil
}

func allocationSet(values []uint8) (map[uint8]bool, error) {
	set := make(map[uint8]bool, len(values))
	for _, v := range values {
		if v == 0 || v > fullAllocation {
			return nil, errors.Wrapf(ErrInvalidAllocation, "%d", v)
		}
		set[v] = true
	}
	return set, nil
}

// RegisterCampaignVault binds vault to a campaign. A campaign is served by at most one vault; a vault
// may be rebound, which invalidates the preferences its users stored for the old campaign.
func (e *DistributionEngine) RegisterCampaignVault(caller common.Address, vault common.Address, campaignID common.Hash) error {
	if err := requireRole(e.auth, DistributionAdminRole, caller); err != nil {
		return err
	}
	if vault == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "vault")
	}
	if campaignID == (common.Hash{}) {
		return errors.Wrap(ErrZeroID, "campaign id")
	}
	if _, err := e.ledger.Campaign(campaignID); err != nil {
		return err
	}

	return e.exec(func(tx *txn) error {
		if bound, ok := e.campaignVault[campaignID]; ok && bound != vault {
			return errors.Wrapf(ErrVaultAlreadyBound, "campaign %s is served by vault %s", campaignID.Hex(), bound.Hex())
		}
		prev, rebinding := e.vaultCampaign[vault]
		if rebinding {
			if prev == campaignID {
				return nil
			}
			delete(e.campaignVault, prev)
		}
		e.vaultCampaign[vault] = campaignID
		e.campaignVault[campaignID] = vault
		if _, ok := e.vaults[vault]; !ok {
			e.vaults[vault] = newShareBook()
		}

		tx.emit(VaultCampaignRegistered{
			Vault:              vault,
			PreviousCampaignID: prev,
			CampaignID:         campaignID,
			Actor:              caller,
			Timestamp:          tx.now,
		})
		e.Logger.Infof("vault %s registered for campaign %s", vault.Hex(), campaignID.Hex())
		return nil
	})
}

// SetAuthorizedCaller allows or disallows a vault identity to report shares and trigger distributions.
func (e *DistributionEngine) SetAuthorizedCaller(caller common.Address, target common.Address, authorized bool) error {
	if err := requireRole(e.auth, DistributionAdminRole, caller); err != nil {
		return err
	}
	if target == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "authorized caller")
	}

	return e.exec(func(tx *txn) error {
		if e.authorizedCallers[target] == authorized {
			return nil
		}
		if authorized {
			e.authorizedCallers[target] = true
		} else {
			delete(e.authorizedCallers, target)
		}
		tx.emit(AuthorizedCallerUpdated{Caller: target, Authorized: authorized, Actor: caller, Timestamp: tx.now})
		return nil
	})
}

// SetVaultPreference stores how the user's share of the vault's yield is split between the campaign and a
// beneficiary. Allocations below 100 need a beneficiary to receive the rest.
func (e *DistributionEngine) SetVaultPreference(user common.Address, vault common.Address, beneficiary common.Address, allocation uint8) error {
	if user == (common.Address{}) || vault == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "user and vault")
	}

	return e.exec(func(tx *txn) error {
		campaignID, ok := e.vaultCampaign[vault]
		if !ok {
			return errors.Wrap(ErrVaultNotRegistered, vault.Hex())
		}
		if !e.validAllocations[allocation] {
			return errors.Wrapf(ErrInvalidAllocation, "%d", allocation)
		}
		if allocation < fullAllocation && beneficiary == (common.Address{}) {
			return errors.Wrapf(ErrBeneficiaryRequired, "allocation %d", allocation)
		}

		if e.preferences[user] == nil {
			e.preferences[user] = make(map[common.Address]*CampaignPreference)
		}
		e.preferences[user][vault] = &CampaignPreference{
			CampaignID:           campaignID,
			Beneficiary:          beneficiary,
			AllocationPercentage: allocation,
			LastUpdated:          tx.now,
		}

		tx.emit(VaultPreferenceSet{
			User:                 user,
			Vault:                vault,
			CampaignID:           campaignID,
			Beneficiary:          beneficiary,
			AllocationPercentage: allocation,
			Timestamp:            tx.now,
		})
		return nil
	})
}

// UpdateUserShares is reported by an authorized vault whenever a user's position changes.
func (e *DistributionEngine) UpdateUserShares(vault common.Address, user common.Address, newShares *uint256.Int) error {
	if user == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "user")
	}

	return e.exec(func(tx *txn) error {
		if !e.authorizedCallers[vault] {
			return errors.Wrap(ErrUnauthorizedCaller, vault.Hex())
		}
		book, ok := e.vaults[vault]
		if !ok {
			book = newShareBook()
			e.vaults[vault] = book
		}

		prev := cloneAmount(book.shares[user])
		next := cloneAmount(newShares)
		total := new(uint256.Int).Sub(book.total, prev)
		if _, overflow := total.AddOverflow(total, next); overflow {
			return errors.Wrap(ErrArithmeticOverflow, "total vault shares")
		}
		book.total = total

		switch {
		case prev.IsZero() && !next.IsZero():
			book.add(user)
		case !prev.IsZero() && next.IsZero():
			book.remove(user)
		}
		if next.IsZero() {
			delete(book.shares, user)
		} else {
			book.shares[user] = next
		}

		tx.emit(UserSharesUpdated{
			User:           user,
			Vault:          vault,
			PreviousShares: prev,
			NewShares:      cloneAmount(next),
			TotalShares:    cloneAmount(total),
			Timestamp:      tx.now,
		})
		return nil
	})
}

// DistributionReceipt summarizes one executed distribution.
type DistributionReceipt struct {
	ID                uint64
	CampaignID        common.Hash
	Asset             common.Address
	TotalYield        *uint256.Int
	CampaignAmount    *uint256.Int
	ProtocolAmount    *uint256.Int
	BeneficiaryAmount *uint256.Int
	Shareholders      int
}

// Distributed is what actually left custody. Floor division leaves at most one unit per shareholder behind.
func (r *DistributionReceipt) Distributed() *uint256.Int {
	sum := new(uint256.Int).Add(r.CampaignAmount, r.ProtocolAmount)
	return sum.Add(sum, r.BeneficiaryAmount)
}

type payment struct {
	user        common.Address
	beneficiary common.Address
	amount      *uint256.Int
}

// DistributeToAllUsers splits totalYield of asset, already held in custody, across the shareholders of the
// calling vault. Every precondition is checked before custody is asked to move anything, and the whole
// payout leaves custody as one batch. Calling it twice pays twice. A call nested through the custody fails
// with ErrReentrantCall.
func (e *DistributionEngine) DistributeToAllUsers(ctx context.Context, vault common.Address, asset common.Address, totalYield *uint256.Int) (*DistributionReceipt, error) {
	ctx, err := enter(ctx, e)
	if err != nil {
		return nil, err
	}

	if asset == (common.Address{}) {
		return nil, errors.Wrap(ErrZeroAddress, "asset")
	}
	if isZero(totalYield) {
		return nil, ErrZeroAmount
	}

	var receipt *DistributionReceipt
	err = e.exec(func(tx *txn) error {
		if !e.authorizedCallers[vault] {
			return errors.Wrap(ErrUnauthorizedCaller, vault.Hex())
		}
		campaignID, ok := e.vaultCampaign[vault]
		if !ok {
			return errors.Wrap(ErrVaultNotRegistered, vault.Hex())
		}
		c, err := e.ledger.Campaign(campaignID)
		if err != nil {
			return err
		}
		if c.PayoutsHalted {
			return errors.Wrapf(ErrOperationNotAllowed, "payouts halted for campaign %s", campaignID.Hex())
		}
		book := e.vaults[vault]
		if book == nil || book.total.IsZero() {
			return errors.Wrapf(ErrInvalidConfiguration, "vault %s has no shares", vault.Hex())
		}
		balance, err := e.custody.BalanceOf(ctx, asset)
		if err != nil {
			return errors.Wrapf(err, "balance of %s", asset.Hex())
		}
		if balance.Lt(totalYield) {
			return &AmountError{Err: ErrInsufficientBalance, Entity: campaignID, Account: asset, Available: cloneAmount(balance), Requested: cloneAmount(totalYield)}
		}

		var (
			campaignTotal    = new(uint256.Int)
			protocolTotal    = new(uint256.Int)
			beneficiaryTotal = new(uint256.Int)
			payments         []payment
			feeBps           = uint256.NewInt(uint64(e.protocolFeeBps))
		)
		for _, user := range book.holders {
			userYield, overflow := new(uint256.Int).MulDivOverflow(totalYield, book.shares[user], book.total)
			if overflow {
				return errors.Wrap(ErrArithmeticOverflow, "user yield")
			}
			protocolAmount, overflow := new(uint256.Int).MulDivOverflow(userYield, feeBps, uint256.NewInt(BpsDenominator))
			if overflow {
				return errors.Wrap(ErrArithmeticOverflow, "protocol fee")
			}
			netYield := new(uint256.Int).Sub(userYield, protocolAmount)

			allocation, beneficiary := uint8(fullAllocation), c.PayoutRecipient
			if pref := e.preferences[user][vault]; pref != nil {
				if pref.CampaignID != campaignID {
					return &CampaignMismatchError{Vault: vault, User: user, Bound: campaignID, Referred: pref.CampaignID}
				}
				allocation, beneficiary = pref.AllocationPercentage, pref.Beneficiary
			}
			if beneficiary == (common.Address{}) {
				beneficiary = e.feeRecipient
			}
			campaignAmount, _ := new(uint256.Int).MulDivOverflow(netYield, uint256.NewInt(uint64(allocation)), uint256.NewInt(fullAllocation))
			beneficiaryAmount := new(uint256.Int).Sub(netYield, campaignAmount)

			campaignTotal.Add(campaignTotal, campaignAmount)
			protocolTotal.Add(protocolTotal, protocolAmount)
			if !beneficiaryAmount.IsZero() {
				beneficiaryTotal.Add(beneficiaryTotal, beneficiaryAmount)
				payments = append(payments, payment{user: user, beneficiary: beneficiary, amount: beneficiaryAmount})
			}
		}

		transfers := make([]Transfer, 0, len(payments)+2)
		for _, p := range payments {
			transfers = append(transfers, Transfer{To: p.beneficiary, Amount: p.amount})
		}
		transfers = append(transfers,
			Transfer{To: e.treasury, Amount: protocolTotal},
			Transfer{To: c.PayoutRecipient, Amount: campaignTotal},
		)
		if err := e.custody.TransferBatch(ctx, asset, transfers); err != nil {
			return errors.Wrapf(ErrTransferFailed, "%s of %s in %d transfers: %v", totalYield.Dec(), asset.Hex(), len(transfers), err)
		}
		if err := e.ledger.recordDistribution(campaignID, campaignTotal, protocolTotal); err != nil {
			return err
		}
		e.distributionCount++

		receipt = &DistributionReceipt{
			ID:                e.distributionCount,
			CampaignID:        campaignID,
			Asset:             asset,
			TotalYield:        cloneAmount(totalYield),
			CampaignAmount:    campaignTotal,
			ProtocolAmount:    protocolTotal,
			BeneficiaryAmount: beneficiaryTotal,
			Shareholders:      len(book.holders),
		}
		for _, p := range payments {
			tx.emit(BeneficiaryPaid{
				Vault:          vault,
				User:           p.user,
				Beneficiary:    p.beneficiary,
				Asset:          asset,
				Amount:         cloneAmount(p.amount),
				DistributionID: receipt.ID,
				Timestamp:      tx.now,
			})
		}
		tx.emit(YieldDistributed{
			Vault:             vault,
			Asset:             asset,
			CampaignID:        campaignID,
			TotalYield:        cloneAmount(totalYield),
			CampaignAmount:    cloneAmount(campaignTotal),
			ProtocolAmount:    cloneAmount(protocolTotal),
			BeneficiaryAmount: cloneAmount(beneficiaryTotal),
			Shareholders:      uint64(len(book.holders)),
			DistributionID:    receipt.ID,
			Timestamp:         tx.now,
		})
		return nil
	})
	if err != nil {
		e.recordFailure(err)
		return nil, err
	}

	if e.metrics != nil {
		e.metrics.distributions.Inc()
		e.metrics.yieldDistributed.Add(unitsFloat(receipt.Distributed()))
		e.metrics.shareholders.Observe(float64(receipt.Shareholders))
	}
	e.Logger.WithFields(logrus.Fields{
		"vault":        vault.Hex(),
		"campaign":     receipt.CampaignID.Hex(),
		"distribution": receipt.ID,
		"yield":        totalYield.Dec(),
		"campaign_amt": receipt.CampaignAmount.Dec(),
		"protocol_amt": receipt.ProtocolAmount.Dec(),
	}).Info("yield distributed")
	return receipt, nil
}

func (e *DistributionEngine) recordFailure(err error) {
	if e.metrics == nil {
		return
	}
	reason := "other"
	switch {
	case errors.Is(err, ErrOperationNotAllowed):
		reason = "halted"
	case errors.Is(err, ErrInsufficientBalance):
		reason = "balance"
	case errors.Is(err, ErrTransferFailed):
		reason = "transfer"
	case errors.Is(err, ErrCampaignMismatch):
		reason = "mismatch"
	case errors.Is(err, ErrVaultNotRegistered), errors.Is(err, ErrUnauthorizedCaller):
		reason = "caller"
	}
	e.metrics.failed.WithLabelValues(reason).Inc()
}

func (e *DistributionEngine) SetValidAllocations(caller common.Address, allocations []uint8) error {
	if err := requireRole(e.auth, DistributionAdminRole, caller); err != nil {
		return err
	}
	if len(allocations) == 0 {
		return errors.Wrap(ErrInvalidAllocation, "empty allocation set")
	}
	set, err := allocationSet(allocations)
	if err != nil {
		return err
	}
	return e.exec(func(tx *txn) error {
		e.validAllocations = set
		e.emitConfig(tx, caller)
		return nil
	})
}

func (e *DistributionEngine) SetProtocolFeeBps(caller common.Address, bps uint16) error {
	if err := requireRole(e.auth, DistributionAdminRole, caller); err != nil {
		return err
	}
	if bps > BpsDenominator {
		return errors.Wrapf(ErrInvalidFee, "%d bps", bps)
	}
	return e.exec(func(tx *txn) error {
		e.protocolFeeBps = bps
		e.emitConfig(tx, caller)
		return nil
	})
}

func (e *DistributionEngine) SetTreasury(caller common.Address, treasury common.Address) error {
	if err := requireRole(e.auth, DistributionAdminRole, caller); err != nil {
		return err
	}
	if treasury == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "treasury")
	}
	return e.exec(func(tx *txn) error {
		e.treasury = treasury
		e.emitConfig(tx, caller)
		return nil
	})
}

func (e *DistributionEngine) SetFeeRecipient(caller common.Address, recipient common.Address) error {
	if err := requireRole(e.auth, DistributionAdminRole, caller); err != nil {
		return err
	}
	if recipient == (common.Address{}) {
		return errors.Wrap(ErrZeroAddress, "fee recipient")
	}
	return e.exec(func(tx *txn) error {
		e.feeRecipient = recipient
		e.emitConfig(tx, caller)
		return nil
	})
}

func (e *DistributionEngine) emitConfig(tx *txn, actor common.Address) {
	tx.emit(DistributionConfigUpdated{
		ProtocolFeeBps:   e.protocolFeeBps,
		Treasury:         e.treasury,
		FeeRecipient:     e.feeRecipient,
		ValidAllocations: e.allocations(),
		Actor:            actor,
		Timestamp:        tx.now,
	})
}

func (e *DistributionEngine) allocations() []uint8 {
	out := make([]uint8, 0, len(e.validAllocations))
	for v := range e.validAllocations {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Preference returns the stored preference of user for vault, or nil when none was set.
func (e *DistributionEngine) Preference(user, vault common.Address) *CampaignPreference {
	var pref *CampaignPreference
	e.view(func() {
		if p := e.preferences[user][vault]; p != nil {
			cp := *p
			pref = &cp
		}
	})
	return pref
}

// Shareholders returns a copy of the vault's shareholder list in distribution order.
func (e *DistributionEngine) Shareholders(vault common.Address) []common.Address {
	var holders []common.Address
	e.view(func() {
		if book := e.vaults[vault]; book != nil {
			holders = make([]common.Address, len(book.holders))
			copy(holders, book.holders)
		}
	})
	return holders
}

func (e *DistributionEngine) UserShares(vault, user common.Address) *uint256.Int {
	var shares *uint256.Int
	e.view(func() {
		if book := e.vaults[vault]; book != nil {
			shares = cloneAmount(book.shares[user])
			return
		}
		shares = new(uint256.Int)
	})
	return shares
}

func (e *DistributionEngine) TotalVaultShares(vault common.Address) *uint256.Int {
	var total *uint256.Int
	e.view(func() {
		if book := e.vaults[vault]; book != nil {
			total = cloneAmount(book.total)
			return
		}
		total = new(uint256.Int)
	})
	return total
}

func (e *DistributionEngine) VaultCampaign(vault common.Address) (common.Hash, bool) {
	var (
		id common.Hash
		ok bool
	)
	e.view(func() { id, ok = e.vaultCampaign[vault] })
	return id, ok
}

func (e *DistributionEngine) IsAuthorizedCaller(caller common.Address) bool {
	var ok bool
	e.view(func() { ok = e.authorizedCallers[caller] })
	return ok
}

// CampaignTotals reads the cumulative payouts the ledger recorded for a campaign.
func (e *DistributionEngine) CampaignTotals(campaignID common.Hash) (*CampaignTotals, error) {
	c, err := e.ledger.Campaign(campaignID)
	if err != nil {
		return nil, err
	}
	return &CampaignTotals{TotalPayouts: c.TotalPayouts, ProtocolFees: c.ProtocolFees}, nil
}

func (e *DistributionEngine) DistributionCount() uint64 {
	var n uint64
	e.view(func() { n = e.distributionCount })
	return n
}

// ProtocolFeeBps, Treasury and FeeRecipient report the current fee routing.
func (e *DistributionEngine) ProtocolFeeBps() uint16 {
	var bps uint16
	e.view(func() { bps = e.protocolFeeBps })
	return bps
}

func (e *DistributionEngine) Treasury() common.Address {
	var addr common.Address
	e.view(func() { addr = e.treasury })
	return addr
}

func (e *DistributionEngine) FeeRecipient() common.Address {
	var addr common.Address
	e.view(func() { addr = e.feeRecipient })
	return addr
}

func (e *DistributionEngine) ValidAllocations() []uint8 {
	var out []uint8
	e.view(func() { out = e.allocations() })
	return out
}
