package repo

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	c := DefaultConfig("/tmp/giving")
	assert.Nil(t, c.Validate())
	assert.EqualValues(t, 250, c.Distribution.ProtocolFeeBps)
	assert.Equal(t, []uint{50, 75, 100}, c.Distribution.ValidAllocations)
	assert.Equal(t, time.Hour, c.Ledger.MinVotingEligibility)
	assert.Len(t, c.Access.Grants, 6)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(c *Config)
	}{
		{"fee above denominator", func(c *Config) { c.Distribution.ProtocolFeeBps = 10001 }},
		{"zero allocation", func(c *Config) { c.Distribution.ValidAllocations = []uint{0, 100} }},
		{"allocation above 100", func(c *Config) { c.Distribution.ValidAllocations = []uint{101} }},
		{"sub second epoch", func(c *Config) { c.Epoch.Duration = time.Millisecond }},
		{"keeper without interval", func(c *Config) { c.Keeper.Interval = 0 }},
		{"zero block interval", func(c *Config) { c.Chain.BlockInterval = 0 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig(t.TempDir())
			tt.modify(c)
			assert.NotNil(t, c.Validate())
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	r, err := Load(dir)
	require.Nil(t, err)
	assert.True(t, Exist(filepath.Join(dir, cfgFileName)))
	assert.Equal(t, dir, r.Config.RepoRoot)

	r, err = Load(dir)
	require.Nil(t, err)
	assert.Equal(t, "info", r.Config.Log.Level)
	assert.Equal(t, 24*time.Hour, r.Config.Epoch.Duration)
	assert.Equal(t, []uint{50, 75, 100}, r.Config.Distribution.ValidAllocations)
	assert.Equal(t, DefaultAdminAddr, r.Config.Access.Admin)
	require.Len(t, r.Config.Access.Grants, 6)
	assert.Equal(t, "TREASURY_ROLE", r.Config.Access.Grants[5].Role)
}

func TestLoadWithEnv(t *testing.T) {
	dir := t.TempDir()
	_, err := Load(dir)
	require.Nil(t, err)

	t.Setenv("GIVING_LOG_LEVEL", "debug")
	t.Setenv("GIVING_KEEPER_ENABLE", "false")
	r, err := Load(dir)
	require.Nil(t, err)
	assert.Equal(t, "debug", r.Config.Log.Level)
	assert.False(t, r.Config.Keeper.Enable)
}

func TestFlush(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(dir)
	require.Nil(t, err)

	r.Config.Distribution.ProtocolFeeBps = 100
	r.Config.Epoch.Reward = "1000"
	require.Nil(t, r.Flush())

	r, err = Load(dir)
	require.Nil(t, err)
	assert.EqualValues(t, 100, r.Config.Distribution.ProtocolFeeBps)
	assert.Equal(t, "1000", r.Config.Epoch.Reward)
}

func TestRepoPaths(t *testing.T) {
	r := &Repo{Config: DefaultConfig("/data/giving")}
	assert.Equal(t, "/data/giving/leveldb", r.StoragePath())
	assert.Equal(t, "/data/giving/journal.db", r.JournalPath())

	r.Config.Storage.Dir = "/var/lib/giving/snapshots"
	assert.Equal(t, "/var/lib/giving/snapshots", r.StoragePath())
}

func TestLoadRepoRootFromEnv(t *testing.T) {
	p, err := LoadRepoRootFromEnv("/explicit")
	require.Nil(t, err)
	assert.Equal(t, "/explicit", p)

	dir := t.TempDir()
	t.Setenv(rootPathEnvVar, dir)
	p, err = LoadRepoRootFromEnv("")
	require.Nil(t, err)
	assert.Equal(t, dir, p)
}

func TestFlushFoldsEnv(t *testing.T) {
	dir := t.TempDir()
	r, err := Load(dir)
	require.Nil(t, err)

	t.Setenv("GIVING_LOG_LEVEL", "warn")
	require.Nil(t, r.Flush())
	assert.Equal(t, "warn", r.Config.Log.Level)

	raw, err := os.ReadFile(r.ConfigPath())
	require.Nil(t, err)
	assert.Contains(t, string(raw), "warn")
}

func TestLoadRejectsBrokenFile(t *testing.T) {
	dir := t.TempDir()
	require.Nil(t, os.WriteFile(filepath.Join(dir, cfgFileName), []byte("[log\nlevel = "), 0644))
	_, err := Load(dir)
	assert.NotNil(t, err)
}

func TestCheckWritable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "root")
	require.Nil(t, CheckWritable(dir))
	assert.True(t, Exist(dir))

	entries, err := os.ReadDir(dir)
	require.Nil(t, err)
	assert.Empty(t, entries)
}
