package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

type memKV struct {
	mu   sync.Mutex
	data map[string][]byte
	puts int
}

func newMemKV() *memKV {
	return &memKV{data: make(map[string][]byte)}
}

func (m *memKV) Get(key []byte) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[string(key)]
}

func (m *memKV) Put(key, value []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[string(key)] = value
	m.puts++
}

func (m *memKV) Puts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

func newTestKeeper(t *testing.T, f *fixture, store *SnapshotStore, interval time.Duration) *Keeper {
	k, err := NewKeeper(KeeperConfig{
		Coordinator:   f.coordinator,
		Ledger:        f.ledger,
		Engine:        f.engine,
		Chain:         f.clock,
		Caller:        keeperAddr,
		Interval:      interval,
		Store:         store,
		FlushInterval: interval,
		FlushBackoff:  time.Millisecond,
	})
	require.Nil(t, err)
	return k
}

func TestKeeperTick(t *testing.T) {
	f := newFixture(t)
	epochReadyVault(t, f)
	require.Nil(t, f.coordinator.RegisterVault(admin, vaultB))
	k := newTestKeeper(t, f, nil, time.Minute)

	f.bank.Accrue(vaultA, usdc, u(1000))
	assert.Equal(t, 1, k.Tick(ctx), "vaultB has nothing to harvest and is skipped")
	assert.Equal(t, uint64(976), f.bank.Balance(usdc, recipient).Uint64())

	f.bank.Accrue(vaultA, usdc, u(1000))
	assert.Equal(t, 0, k.Tick(ctx), "vaultA is not due again before the epoch ends")

	f.clock.Advance(DefaultEpochDuration)
	assert.Equal(t, 1, k.Tick(ctx))
	assert.EqualValues(t, 2, f.engine.DistributionCount())
}

func TestKeeperStartStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	epochReadyVault(t, f)
	f.bank.Accrue(vaultA, usdc, u(1000))
	kv := newMemKV()
	k := newTestKeeper(t, f, NewSnapshotStore(kv), 10*time.Millisecond)

	require.Nil(t, k.Start(context.Background()))
	assert.NotNil(t, k.Start(context.Background()), "a running keeper cannot start twice")

	assert.Eventually(t, func() bool { return f.engine.DistributionCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return kv.Puts() > 0 }, time.Second, 5*time.Millisecond)

	require.Nil(t, k.Stop())
	snap, err := NewSnapshotStore(kv).Load()
	require.Nil(t, err)
	require.NotNil(t, snap)
	assert.EqualValues(t, 1, snap.Distribution.DistributionCount)
}

func TestKeeperStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t)
	k := newTestKeeper(t, f, nil, time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		k.Run(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("keeper did not stop")
	}
	assert.Nil(t, k.Stop())
}

func TestKeeperFlush(t *testing.T) {
	f := newFixture(t)
	f.createCampaign(campaignA)
	kv := newMemKV()
	k := newTestKeeper(t, f, NewSnapshotStore(kv), time.Minute)

	require.Nil(t, k.Flush())
	assert.Equal(t, 1, kv.Puts())

	snap, err := NewSnapshotStore(kv).Load()
	require.Nil(t, err)
	require.Len(t, snap.Ledger.Campaigns, 1)
	assert.Equal(t, campaignA, snap.Ledger.Campaigns[0].ID)
}

func TestNewKeeperValidation(t *testing.T) {
	f := newFixture(t)
	_, err := NewKeeper(KeeperConfig{Chain: f.clock})
	assert.True(t, errors.Is(err, ErrNilCollaborator))
	_, err = NewKeeper(KeeperConfig{Coordinator: f.coordinator, Chain: f.clock, Store: NewSnapshotStore(newMemKV())})
	assert.True(t, errors.Is(err, ErrNilCollaborator))

	k, err := NewKeeper(KeeperConfig{Coordinator: f.coordinator, Chain: f.clock})
	require.Nil(t, err)
	assert.Equal(t, DefaultKeeperInterval, k.cfg.Interval)
	assert.Nil(t, k.Flush(), "flushing without a store is a no-op")
}
