package core

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// populate drives every component into a state worth persisting.
func populate(t *testing.T, f *fixture) {
	readyVault(t, f, 1000)
	require.Nil(t, f.engine.SetVaultPreference(alice, vaultA, carol, 75))
	t0 := f.now()
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, alice, u(400)))
	require.Nil(t, f.ledger.RecordStakeDeposit(admin, campaignA, bob, u(100)))
	require.Nil(t, f.ledger.RequestStakeExit(admin, campaignA, bob, u(40)))
	index := f.openCheckpoint(campaignA, t0+3600, t0+7200, 2000)
	f.clock.Set(time.Unix(int64(t0+3600), 0))
	require.Nil(t, f.ledger.VoteOnCheckpoint(alice, campaignA, index, true))
	require.Nil(t, f.ledger.VoteOnCheckpoint(bob, campaignA, index, false))
	require.Nil(t, f.coordinator.SetEpochConfig(admin, EpochConfig{Duration: 600, RewardAsset: gov, Reward: u(3)}))
	f.bank.Accrue(vaultA, usdc, u(500))
	_, err := f.coordinator.ProcessEpoch(ctx, keeperAddr, vaultA)
	require.Nil(t, err)
}

func TestSnapshotRoundTrip(t *testing.T) {
	f := newFixture(t)
	populate(t, f)

	db, err := leveldb.New(filepath.Join(t.TempDir(), "snapshot"))
	require.Nil(t, err)
	store := NewSnapshotStore(db)
	defer store.Close()

	empty, err := store.Load()
	require.Nil(t, err)
	assert.Nil(t, empty)

	snap := TakeSnapshot(f.clock, f.ledger, f.engine, f.coordinator)
	assert.EqualValues(t, SchemaVersion, snap.SchemaVersion)
	require.Nil(t, store.Save(snap))

	loaded, err := store.Load()
	require.Nil(t, err)
	require.NotNil(t, loaded)

	restored := newFixture(t)
	restored.clock.Set(f.clock.Now())
	require.Nil(t, RestoreSnapshot(loaded, restored.ledger, restored.engine, restored.coordinator))

	again := TakeSnapshot(restored.clock, restored.ledger, restored.engine, restored.coordinator)
	assert.Equal(t, snap.Ledger, again.Ledger)
	assert.Equal(t, snap.Distribution, again.Distribution)
	assert.Equal(t, snap.Epoch, again.Epoch)

	// the restored ledger keeps enforcing what the original enforced
	err = restored.ledger.VoteOnCheckpoint(alice, campaignA, 0, true)
	assert.True(t, errors.Is(err, ErrAlreadyVoted))
	pref := restored.engine.Preference(alice, vaultA)
	require.NotNil(t, pref)
	assert.Equal(t, carol, pref.Beneficiary)
	_, err = restored.coordinator.ProcessEpoch(ctx, keeperAddr, vaultA)
	assert.True(t, errors.Is(err, ErrEpochNotReady))

	restored.bank.Mint(usdc, engineAddr, u(1000))
	receipt, err := restored.engine.DistributeToAllUsers(ctx, vaultA, usdc, u(1000))
	require.Nil(t, err)
	assert.EqualValues(t, 2, receipt.ID, "distribution ids continue after a restore")
}

func TestRestoreRejectsOtherVersion(t *testing.T) {
	f := newFixture(t)
	snap := TakeSnapshot(f.clock, f.ledger, f.engine, f.coordinator)
	snap.SchemaVersion = SchemaVersion + 1
	err := RestoreSnapshot(snap, f.ledger, f.engine, f.coordinator)
	assert.True(t, errors.Is(err, ErrSnapshotVersion))

	raw, err := json.Marshal(snap)
	require.Nil(t, err)
	_, err = MigrateSnapshot(raw)
	assert.True(t, errors.Is(err, ErrSnapshotVersion))

	_, err = MigrateSnapshot([]byte("not json"))
	assert.NotNil(t, err)
}

func TestMigrateVersionZero(t *testing.T) {
	f := newFixture(t)
	readyVault(t, f, 1000)
	_, err := f.engine.DistributeToAllUsers(ctx, vaultA, usdc, u(1000))
	require.Nil(t, err)
	snap := TakeSnapshot(f.clock, f.ledger, f.engine, f.coordinator)

	// version 0 kept the cumulative totals next to the distribution settings
	raw, err := json.Marshal(snap)
	require.Nil(t, err)
	var doc map[string]any
	require.Nil(t, json.Unmarshal(raw, &doc))
	doc["schemaVersion"] = 0
	for _, c := range doc["ledger"].(map[string]any)["campaigns"].([]any) {
		campaign := c.(map[string]any)
		delete(campaign, "TotalPayouts")
		delete(campaign, "ProtocolFees")
	}
	doc["distribution"].(map[string]any)["campaignTotals"] = []any{
		map[string]any{"campaignId": campaignA.Hex(), "totalPayouts": "976", "protocolFees": "24"},
	}
	legacy, err := json.Marshal(doc)
	require.Nil(t, err)

	migrated, err := MigrateSnapshot(legacy)
	require.Nil(t, err)
	assert.EqualValues(t, SchemaVersion, migrated.SchemaVersion)
	require.Len(t, migrated.Ledger.Campaigns, 1)
	assert.Equal(t, uint64(976), migrated.Ledger.Campaigns[0].TotalPayouts.Uint64())
	assert.Equal(t, uint64(24), migrated.Ledger.Campaigns[0].ProtocolFees.Uint64())

	restored := newFixture(t)
	require.Nil(t, RestoreSnapshot(migrated, restored.ledger, restored.engine, restored.coordinator))
	totals, err := restored.engine.CampaignTotals(campaignA)
	require.Nil(t, err)
	assert.Equal(t, uint64(976), totals.TotalPayouts.Uint64())
}

func TestRestoreRejectsCorruptSnapshot(t *testing.T) {
	f := newFixture(t)
	readyVault(t, f, 1000)
	require.Nil(t, f.engine.SetVaultPreference(alice, vaultA, carol, 75))
	good := TakeSnapshot(f.clock, f.ledger, f.engine, f.coordinator)

	tests := []struct {
		name   string
		modify func(s *Snapshot)
		target error
	}{
		{"empty preference", func(s *Snapshot) { s.Distribution.Preferences[0].Preference = nil }, ErrCorruptSnapshot},
		{"empty campaign", func(s *Snapshot) { s.Ledger.Campaigns = append(s.Ledger.Campaigns, nil) }, ErrCorruptSnapshot},
		{"bad allocation", func(s *Snapshot) { s.Distribution.ValidAllocations = []uint8{0} }, ErrInvalidAllocation},
		{"fee above denominator", func(s *Snapshot) { s.Distribution.ProtocolFeeBps = BpsDenominator + 1 }, ErrInvalidFee},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := json.Marshal(good)
			require.Nil(t, err)
			snap := &Snapshot{}
			require.Nil(t, json.Unmarshal(raw, snap))
			tt.modify(snap)

			restored := newFixture(t)
			restored.createCampaign(campaignB)
			err = RestoreSnapshot(snap, restored.ledger, restored.engine, restored.coordinator)
			assert.True(t, errors.Is(err, tt.target), "got %v", err)
			assert.Equal(t, []common.Hash{campaignB}, restored.ledger.CampaignIDs(), "nothing was restored")
		})
	}
}
