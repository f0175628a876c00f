package core

import (
	"bytes"
	"encoding/json"
	"io"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
)

// SchemaVersion is the layout written by TakeSnapshot. Version 0 kept cumulative campaign totals in the
// distribution section instead of on the campaign records.
const SchemaVersion = 1

const snapshotKey = "ledgerSnapshot"

type Snapshot struct {
	SchemaVersion uint32            `json:"schemaVersion"`
	Timestamp     uint64            `json:"timestamp"`
	Block         uint64            `json:"block"`
	Ledger        LedgerState       `json:"ledger"`
	Distribution  DistributionState `json:"distribution"`
	Epoch         EpochState        `json:"epoch"`
}

type LedgerState struct {
	StrategyRegistry common.Address        `json:"strategyRegistry"`
	Campaigns        []*Campaign           `json:"campaigns"`
	Stakes           []CampaignStakes      `json:"stakes"`
	Checkpoints      []CampaignCheckpoints `json:"checkpoints"`
}

type CampaignStakes struct {
	CampaignID       common.Hash      `json:"campaignId"`
	TotalActive      *uint256.Int     `json:"totalActive"`
	TotalPendingExit *uint256.Int     `json:"totalPendingExit"`
	Supporters       []SupporterEntry `json:"supporters"`
}

type SupporterEntry struct {
	Supporter common.Address  `json:"supporter"`
	Stake     *SupporterStake `json:"stake"`
}

type CampaignCheckpoints struct {
	CampaignID common.Hash       `json:"campaignId"`
	Items      []CheckpointEntry `json:"items"`
}

type CheckpointEntry struct {
	Checkpoint *Checkpoint `json:"checkpoint"`
	Votes      []VoteEntry `json:"votes"`
}

type VoteEntry struct {
	Voter   common.Address `json:"voter"`
	Support bool           `json:"support"`
}

type DistributionState struct {
	Treasury          common.Address    `json:"treasury"`
	FeeRecipient      common.Address    `json:"feeRecipient"`
	ProtocolFeeBps    uint16            `json:"protocolFeeBps"`
	ValidAllocations  []uint8           `json:"validAllocations"`
	AuthorizedCallers []common.Address  `json:"authorizedCallers"`
	Vaults            []VaultState      `json:"vaults"`
	Preferences       []PreferenceEntry `json:"preferences"`
	DistributionCount uint64            `json:"distributionCount"`
}

type VaultState struct {
	Vault      common.Address `json:"vault"`
	CampaignID common.Hash    `json:"campaignId"`
	Holders    []ShareEntry   `json:"holders"`
}

type ShareEntry struct {
	User   common.Address `json:"user"`
	Shares *uint256.Int   `json:"shares"`
}

type PreferenceEntry struct {
	User       common.Address      `json:"user"`
	Vault      common.Address      `json:"vault"`
	Preference *CampaignPreference `json:"preference"`
}

type EpochState struct {
	Config EpochConfig  `json:"config"`
	Vaults []EpochEntry `json:"vaults"`
}

type EpochEntry struct {
	Vault     common.Address `json:"vault"`
	LastEpoch uint64         `json:"lastEpoch"`
	Carried   []CarriedEntry `json:"carried,omitempty"`
}

type CarriedEntry struct {
	Asset  common.Address `json:"asset"`
	Amount *uint256.Int   `json:"amount"`
}

// TakeSnapshot captures every component. Components are read one after another, so an operation running
// concurrently may be reflected in one section but not yet in another.
func TakeSnapshot(chain ChainContext, l *CampaignLedger, e *DistributionEngine, ec *EpochCoordinator) *Snapshot {
	s := &Snapshot{
		SchemaVersion: SchemaVersion,
		Timestamp:     unixNow(chain),
		Block:         chain.BlockNumber(),
	}
	if l != nil {
		s.Ledger = l.exportState()
	}
	if e != nil {
		s.Distribution = e.exportState()
	}
	if ec != nil {
		s.Epoch = ec.exportState()
	}
	return s
}

// RestoreSnapshot replaces the state of every given component. It must run before the components serve calls.
func RestoreSnapshot(s *Snapshot, l *CampaignLedger, e *DistributionEngine, ec *EpochCoordinator) error {
	if s.SchemaVersion != SchemaVersion {
		return errors.Wrapf(ErrSnapshotVersion, "restore needs version %d, got %d", SchemaVersion, s.SchemaVersion)
	}
	if err := s.validate(); err != nil {
		return err
	}
	if l != nil {
		l.restoreState(s.Ledger)
	}
	if e != nil {
		if err := e.restoreState(s.Distribution); err != nil {
			return err
		}
	}
	if ec != nil {
		ec.restoreState(s.Epoch)
	}
	return nil
}

// validate rejects what restoreState cannot apply, so a bad snapshot leaves every component untouched.
func (s *Snapshot) validate() error {
	for _, c := range s.Ledger.Campaigns {
		if c == nil {
			return errors.Wrap(ErrCorruptSnapshot, "empty campaign record")
		}
	}
	for _, cs := range s.Ledger.Stakes {
		for _, entry := range cs.Supporters {
			if entry.Stake == nil {
				return errors.Wrapf(ErrCorruptSnapshot, "empty stake of %s in campaign %s", entry.Supporter.Hex(), cs.CampaignID.Hex())
			}
		}
	}
	for _, cc := range s.Ledger.Checkpoints {
		for i, item := range cc.Items {
			if item.Checkpoint == nil {
				return errors.Wrapf(ErrCorruptSnapshot, "empty checkpoint %d of campaign %s", i, cc.CampaignID.Hex())
			}
		}
	}
	if s.Distribution.ProtocolFeeBps > BpsDenominator {
		return errors.Wrapf(ErrInvalidFee, "%d bps", s.Distribution.ProtocolFeeBps)
	}
	if _, err := allocationSet(s.Distribution.ValidAllocations); err != nil {
		return err
	}
	for _, p := range s.Distribution.Preferences {
		if p.Preference == nil {
			return errors.Wrapf(ErrCorruptSnapshot, "empty preference of %s for vault %s", p.User.Hex(), p.Vault.Hex())
		}
	}
	return nil
}

type legacyTotals struct {
	CampaignID   common.Hash  `json:"campaignId"`
	TotalPayouts *uint256.Int `json:"totalPayouts"`
	ProtocolFees *uint256.Int `json:"protocolFees"`
}

// MigrateSnapshot decodes a stored snapshot of any known version and upgrades it to SchemaVersion.
func MigrateSnapshot(raw []byte) (*Snapshot, error) {
	s := &Snapshot{}
	if err := json.Unmarshal(raw, s); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	switch s.SchemaVersion {
	case SchemaVersion:
		return s, nil
	case 0:
		var legacy struct {
			Distribution struct {
				CampaignTotals []legacyTotals `json:"campaignTotals"`
			} `json:"distribution"`
		}
		if err := json.Unmarshal(raw, &legacy); err != nil {
			return nil, errors.Wrap(err, "decode version 0 totals")
		}
		totals := make(map[common.Hash]legacyTotals, len(legacy.Distribution.CampaignTotals))
		for _, t := range legacy.Distribution.CampaignTotals {
			totals[t.CampaignID] = t
		}
		for _, c := range s.Ledger.Campaigns {
			t := totals[c.ID]
			c.TotalPayouts = cloneAmount(t.TotalPayouts)
			c.ProtocolFees = cloneAmount(t.ProtocolFees)
		}
		s.SchemaVersion = SchemaVersion
		return s, nil
	default:
		return nil, errors.Wrapf(ErrSnapshotVersion, "unknown version %d", s.SchemaVersion)
	}
}

func (l *CampaignLedger) exportState() LedgerState {
	var st LedgerState
	l.view(func() {
		st.StrategyRegistry = l.strategyRegistry
		for _, id := range l.campaignIDs {
			st.Campaigns = append(st.Campaigns, l.campaigns[id].clone())

			book := l.stakes[id]
			stakes := CampaignStakes{
				CampaignID:       id,
				TotalActive:      cloneAmount(book.totalActive),
				TotalPendingExit: cloneAmount(book.totalPendingExit),
			}
			for _, supporter := range book.supporters {
				stakes.Supporters = append(stakes.Supporters, SupporterEntry{Supporter: supporter, Stake: book.stakes[supporter].clone()})
			}
			st.Stakes = append(st.Stakes, stakes)

			cps := CampaignCheckpoints{CampaignID: id}
			for _, rec := range l.checkpoints[id] {
				entry := CheckpointEntry{Checkpoint: rec.Checkpoint.clone()}
				for voter := range rec.hasVoted {
					entry.Votes = append(entry.Votes, VoteEntry{Voter: voter, Support: rec.votedFor[voter]})
				}
				sortVotes(entry.Votes)
				cps.Items = append(cps.Items, entry)
			}
			st.Checkpoints = append(st.Checkpoints, cps)
		}
	})
	return st
}

func (l *CampaignLedger) restoreState(st LedgerState) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.strategyRegistry = st.StrategyRegistry
	l.campaigns = make(map[common.Hash]*Campaign, len(st.Campaigns))
	l.campaignIDs = nil
	l.stakes = make(map[common.Hash]*stakeBook, len(st.Campaigns))
	l.checkpoints = make(map[common.Hash][]*checkpointRecord, len(st.Campaigns))
	for _, c := range st.Campaigns {
		l.campaigns[c.ID] = c.clone()
		l.campaignIDs = append(l.campaignIDs, c.ID)
		l.stakes[c.ID] = newStakeBook()
	}
	for _, cs := range st.Stakes {
		book, ok := l.stakes[cs.CampaignID]
		if !ok {
			continue
		}
		book.totalActive = cloneAmount(cs.TotalActive)
		book.totalPendingExit = cloneAmount(cs.TotalPendingExit)
		for _, entry := range cs.Supporters {
			book.supporters = append(book.supporters, entry.Supporter)
			book.listed[entry.Supporter] = true
			book.stakes[entry.Supporter] = entry.Stake.clone()
		}
	}
	for _, cc := range st.Checkpoints {
		if _, ok := l.campaigns[cc.CampaignID]; !ok {
			continue
		}
		for _, item := range cc.Items {
			rec := &checkpointRecord{
				Checkpoint: *item.Checkpoint.clone(),
				hasVoted:   make(map[common.Address]bool, len(item.Votes)),
				votedFor:   make(map[common.Address]bool, len(item.Votes)),
			}
			for _, v := range item.Votes {
				rec.hasVoted[v.Voter] = true
				rec.votedFor[v.Voter] = v.Support
			}
			l.checkpoints[cc.CampaignID] = append(l.checkpoints[cc.CampaignID], rec)
		}
	}
	if l.metrics != nil {
		l.metrics.campaigns.Set(float64(len(l.campaignIDs)))
	}
}

func (e *DistributionEngine) exportState() DistributionState {
	var st DistributionState
	e.view(func() {
		st.Treasury = e.treasury
		st.FeeRecipient = e.feeRecipient
		st.ProtocolFeeBps = e.protocolFeeBps
		st.ValidAllocations = e.allocations()
		st.DistributionCount = e.distributionCount
		for caller := range e.authorizedCallers {
			st.AuthorizedCallers = append(st.AuthorizedCallers, caller)
		}
		sortAddresses(st.AuthorizedCallers)

		vaults := make([]common.Address, 0, len(e.vaults))
		for vault := range e.vaults {
			vaults = append(vaults, vault)
		}
		sortAddresses(vaults)
		for _, vault := range vaults {
			book := e.vaults[vault]
			vs := VaultState{Vault: vault, CampaignID: e.vaultCampaign[vault]}
			for _, user := range book.holders {
				vs.Holders = append(vs.Holders, ShareEntry{User: user, Shares: cloneAmount(book.shares[user])})
			}
			st.Vaults = append(st.Vaults, vs)
		}

		for user, prefs := range e.preferences {
			for vault, pref := range prefs {
				p := *pref
				st.Preferences = append(st.Preferences, PreferenceEntry{User: user, Vault: vault, Preference: &p})
			}
		}
		sortPreferences(st.Preferences)
	})
	return st
}

func (e *DistributionEngine) restoreState(st DistributionState) error {
	allocations, err := allocationSet(st.ValidAllocations)
	if err != nil {
		return err
	}
	if len(allocations) == 0 {
		if allocations, err = allocationSet(DefaultValidAllocations); err != nil {
			return err
		}
	}
	if st.ProtocolFeeBps > BpsDenominator {
		return errors.Wrapf(ErrInvalidFee, "%d bps", st.ProtocolFeeBps)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if st.Treasury != (common.Address{}) {
		e.treasury = st.Treasury
	}
	if st.FeeRecipient != (common.Address{}) {
		e.feeRecipient = st.FeeRecipient
	}
	e.protocolFeeBps = st.ProtocolFeeBps
	e.validAllocations = allocations
	e.distributionCount = st.DistributionCount
	e.authorizedCallers = make(map[common.Address]bool, len(st.AuthorizedCallers))
	for _, caller := range st.AuthorizedCallers {
		e.authorizedCallers[caller] = true
	}
	e.vaultCampaign = make(map[common.Address]common.Hash)
	e.campaignVault = make(map[common.Hash]common.Address)
	e.vaults = make(map[common.Address]*shareBook, len(st.Vaults))
	for _, vs := range st.Vaults {
		if vs.CampaignID != (common.Hash{}) {
			e.vaultCampaign[vs.Vault] = vs.CampaignID
			e.campaignVault[vs.CampaignID] = vs.Vault
		}
		book := newShareBook()
		for _, h := range vs.Holders {
			if isZero(h.Shares) {
				continue
			}
			book.shares[h.User] = cloneAmount(h.Shares)
			book.total.Add(book.total, h.Shares)
			book.add(h.User)
		}
		e.vaults[vs.Vault] = book
	}
	e.preferences = make(map[common.Address]map[common.Address]*CampaignPreference)
	for _, p := range st.Preferences {
		if p.Preference == nil {
			continue
		}
		if e.preferences[p.User] == nil {
			e.preferences[p.User] = make(map[common.Address]*CampaignPreference)
		}
		pref := *p.Preference
		e.preferences[p.User][p.Vault] = &pref
	}
	return nil
}

func (ec *EpochCoordinator) exportState() EpochState {
	var st EpochState
	ec.view(func() {
		st.Config = EpochConfig{Duration: ec.config.Duration, RewardAsset: ec.config.RewardAsset, Reward: cloneAmount(ec.config.Reward)}
		for _, vault := range ec.vaults {
			entry := EpochEntry{Vault: vault, LastEpoch: ec.lastEpoch[vault]}
			assets := make([]common.Address, 0, len(ec.carried[vault]))
			for asset := range ec.carried[vault] {
				assets = append(assets, asset)
			}
			sortAddresses(assets)
			for _, asset := range assets {
				entry.Carried = append(entry.Carried, CarriedEntry{Asset: asset, Amount: cloneAmount(ec.carried[vault][asset])})
			}
			st.Vaults = append(st.Vaults, entry)
		}
	})
	return st
}

func (ec *EpochCoordinator) restoreState(st EpochState) {
	ec.mu.Lock()
	defer ec.mu.Unlock()

	if st.Config.Duration != 0 {
		ec.config = EpochConfig{Duration: st.Config.Duration, RewardAsset: st.Config.RewardAsset, Reward: cloneAmount(st.Config.Reward)}
	}
	ec.vaults = nil
	ec.lastEpoch = make(map[common.Address]uint64, len(st.Vaults))
	ec.carried = make(map[common.Address]map[common.Address]*uint256.Int)
	for _, entry := range st.Vaults {
		ec.vaults = append(ec.vaults, entry.Vault)
		ec.lastEpoch[entry.Vault] = entry.LastEpoch
		for _, c := range entry.Carried {
			if !isZero(c.Amount) {
				ec.carry(entry.Vault, c.Asset, c.Amount)
			}
		}
	}
}

// KV is the slice of axiom-kit's storage.Storage the snapshot store needs.
type KV interface {
	Get(key []byte) []byte
	Put(key, value []byte)
}

// SnapshotStore keeps the latest snapshot under a single key.
type SnapshotStore struct {
	db KV
}

func NewSnapshotStore(db KV) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) Save(snap *Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}
	s.db.Put([]byte(snapshotKey), data)
	return nil
}

// Load returns the stored snapshot upgraded to SchemaVersion, or nil when nothing was saved yet.
func (s *SnapshotStore) Load() (*Snapshot, error) {
	data := s.db.Get([]byte(snapshotKey))
	if data == nil {
		return nil, nil
	}
	return MigrateSnapshot(data)
}

func (s *SnapshotStore) Close() error {
	if c, ok := s.db.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func sortAddresses(addrs []common.Address) {
	sort.Slice(addrs, func(i, j int) bool { return bytes.Compare(addrs[i][:], addrs[j][:]) < 0 })
}

func sortVotes(votes []VoteEntry) {
	sort.Slice(votes, func(i, j int) bool { return bytes.Compare(votes[i].Voter[:], votes[j].Voter[:]) < 0 })
}

func sortPreferences(prefs []PreferenceEntry) {
	sort.Slice(prefs, func(i, j int) bool {
		if c := bytes.Compare(prefs[i].User[:], prefs[j].User[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(prefs[i].Vault[:], prefs[j].Vault[:]) < 0
	})
}
