package main

import (
	"context"
	"net/http"
	"time"

	"github.com/axiomesh/axiom-kit/log"
	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/axiomesh/giving/core"
	"github.com/axiomesh/giving/journal"
	"github.com/axiomesh/giving/repo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// custody account of the distribution engine inside the in-process bank
var engineAccount = common.HexToAddress("0x0000000000000000000000000000000000003002")

type settings struct {
	admin        common.Address
	grants       map[common.Hash][]common.Address
	registry     common.Address
	strategies   []repo.Strategy
	treasury     common.Address
	feeRecipient common.Address
	allocations  []uint8
	epoch        core.EpochConfig
	keeperCaller common.Address
	genesis      time.Time
}

// parseSettings turns the textual config into ledger values.
func parseSettings(cfg *repo.Config) (*settings, error) {
	s := &settings{
		admin:        common.HexToAddress(cfg.Access.Admin),
		grants:       make(map[common.Hash][]common.Address),
		registry:     common.HexToAddress(cfg.Ledger.StrategyRegistry),
		strategies:   cfg.Ledger.Strategies,
		treasury:     common.HexToAddress(cfg.Distribution.Treasury),
		feeRecipient: common.HexToAddress(cfg.Distribution.FeeRecipient),
		keeperCaller: common.HexToAddress(cfg.Keeper.Caller),
		genesis:      time.Unix(cfg.Chain.GenesisTime, 0),
	}
	if !common.IsHexAddress(cfg.Access.Admin) {
		return nil, errors.Errorf("access.admin %q is not an address", cfg.Access.Admin)
	}
	for _, g := range cfg.Access.Grants {
		role, ok := core.RoleByName(g.Role)
		if !ok {
			return nil, errors.Errorf("access.grants: unknown role %q", g.Role)
		}
		for _, account := range g.Accounts {
			if !common.IsHexAddress(account) {
				return nil, errors.Errorf("access.grants: %q is not an address", account)
			}
			s.grants[role] = append(s.grants[role], common.HexToAddress(account))
		}
	}
	for _, v := range cfg.Distribution.ValidAllocations {
		s.allocations = append(s.allocations, uint8(v))
	}
	reward, err := uint256.FromDecimal(cfg.Epoch.Reward)
	if err != nil {
		return nil, errors.Wrapf(err, "epoch.reward %q", cfg.Epoch.Reward)
	}
	s.epoch = core.EpochConfig{
		Duration:    uint64(cfg.Epoch.Duration / time.Second),
		RewardAsset: common.HexToAddress(cfg.Epoch.RewardAsset),
		Reward:      reward,
	}
	if !reward.IsZero() && s.epoch.RewardAsset == (common.Address{}) {
		return nil, errors.New("epoch.reward_asset is required when epoch.reward is set")
	}
	if cfg.Chain.GenesisTime == 0 {
		s.genesis = time.Now()
	}
	return s, nil
}

type node struct {
	logger   *logrus.Logger
	registry *prometheus.Registry
	bus      *core.EventBus

	authority   *core.RoleAuthority
	catalog     *core.MemoryCatalog
	bank        *core.MemoryBank
	chain       core.ChainContext
	ledger      *core.CampaignLedger
	engine      *core.DistributionEngine
	coordinator *core.EpochCoordinator

	recorder *core.LogRecorder
	journal  *journal.Journal
	store    *core.SnapshotStore
	keeper   *core.Keeper
	metrics  *http.Server

	keeperEnabled bool
}

func buildNode(r *repo.Repo, logger *logrus.Logger) (*node, error) {
	cfg := r.Config
	s, err := parseSettings(cfg)
	if err != nil {
		return nil, err
	}

	n := &node{
		logger:        logger,
		registry:      prometheus.NewRegistry(),
		catalog:       core.NewMemoryCatalog(),
		bank:          core.NewMemoryBank(),
		chain:         core.WallClock{Genesis: s.genesis, BlockInterval: cfg.Chain.BlockInterval},
		authority:     core.NewRoleAuthority(s.admin),
		keeperEnabled: cfg.Keeper.Enable,
	}
	var promRegistry prometheus.Registerer
	if cfg.Metrics.Enable {
		promRegistry = n.registry
	}
	n.bus = core.NewEventBus(promRegistry, logger)

	for role, accounts := range s.grants {
		for _, account := range accounts {
			if err := n.authority.GrantRole(s.admin, role, account); err != nil {
				return nil, errors.Wrapf(err, "grant %s", core.RoleName(role))
			}
		}
	}
	for _, st := range s.strategies {
		status := core.StrategyActive
		if st.Deprecated {
			status = core.StrategyDeprecated
		}
		n.catalog.Put(common.HexToHash(st.ID), st.Name, status)
	}

	if n.ledger, err = core.NewCampaignLedger(core.LedgerConfig{
		Authority:            n.authority,
		Catalog:              n.catalog,
		StrategyRegistry:     s.registry,
		Chain:                n.chain,
		Bus:                  n.bus,
		Logger:               logger,
		PromRegistry:         promRegistry,
		MinVotingEligibility: cfg.Ledger.MinVotingEligibility,
	}); err != nil {
		return nil, err
	}
	if n.engine, err = core.NewDistributionEngine(core.DistributionConfig{
		Authority:        n.authority,
		Ledger:           n.ledger,
		Custody:          n.bank.Custody(engineAccount),
		Treasury:         s.treasury,
		FeeRecipient:     s.feeRecipient,
		ProtocolFeeBps:   cfg.Distribution.ProtocolFeeBps,
		ValidAllocations: s.allocations,
		Chain:            n.chain,
		Bus:              n.bus,
		Logger:           logger,
		PromRegistry:     promRegistry,
	}); err != nil {
		return nil, err
	}
	if n.coordinator, err = core.NewEpochCoordinator(core.EpochCoordinatorConfig{
		Authority:     n.authority,
		Engine:        n.engine,
		Yield:         n.bank.YieldSource(engineAccount),
		RewardCustody: n.bank.Custody(s.treasury),
		Epoch:         s.epoch,
		Chain:         n.chain,
		Bus:           n.bus,
		Logger:        logger,
		PromRegistry:  promRegistry,
	}); err != nil {
		return nil, err
	}

	db, err := leveldb.New(r.StoragePath())
	if err != nil {
		return nil, errors.Wrap(err, "open snapshot storage")
	}
	n.store = core.NewSnapshotStore(db)
	snap, err := n.store.Load()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		if err := core.RestoreSnapshot(snap, n.ledger, n.engine, n.coordinator); err != nil {
			return nil, err
		}
		logger.Infof("restored snapshot of block %d", snap.Block)
	}

	n.recorder = core.NewLogRecorder(n.bus, logger)
	if cfg.Journal.Enable {
		if n.journal, err = journal.Open(r.JournalPath(), logger); err != nil {
			return nil, err
		}
		n.journal.Attach(n.bus)
	}

	if n.keeper, err = core.NewKeeper(core.KeeperConfig{
		Coordinator:   n.coordinator,
		Ledger:        n.ledger,
		Engine:        n.engine,
		Chain:         n.chain,
		Caller:        s.keeperCaller,
		Interval:      cfg.Keeper.Interval,
		Store:         n.store,
		FlushInterval: cfg.Storage.FlushInterval,
		Logger:        logger,
	}); err != nil {
		return nil, err
	}

	if cfg.Metrics.Enable {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(n.registry, promhttp.HandlerOpts{}))
		n.metrics = &http.Server{Addr: cfg.Metrics.Address, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	}
	return n, nil
}

func (n *node) Start(ctx context.Context) error {
	if n.metrics != nil {
		go func() {
			if err := n.metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				n.logger.Errorf("metrics server: %s", err)
			}
		}()
		n.logger.Infof("metrics served on %s", n.metrics.Addr)
	}
	if n.keeperEnabled {
		return n.keeper.Start(ctx)
	}
	return nil
}

func (n *node) Stop() error {
	// Keeper.Stop also writes the final snapshot.
	if err := n.keeper.Stop(); err != nil {
		n.logger.Errorf("stop keeper: %s", err)
	}
	if n.metrics != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = n.metrics.Shutdown(ctx)
	}
	n.recorder.Stop()
	if n.journal != nil {
		if err := n.journal.Close(); err != nil {
			n.logger.Errorf("close journal: %s", err)
		}
	}
	n.bus.Stop()
	return n.store.Close()
}

func newLogger(level string) *logrus.Logger {
	logger := log.New()
	logger.SetLevel(log.ParseLevel(level))
	return logger
}
