package main

import (
	"fmt"
	"time"

	"github.com/axiomesh/axiom-kit/storage/leveldb"
	"github.com/axiomesh/giving/core"
	"github.com/axiomesh/giving/journal"
	"github.com/axiomesh/giving/repo"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"
)

var simulateCMD = &cli.Command{
	Name:  "simulate",
	Usage: "Run a governance and distribution round against an in-memory ledger",
	Flags: []cli.Flag{
		&cli.Uint64Flag{
			Name:  "yield",
			Usage: "yield harvested from the vault, in minor units",
			Value: 1000,
		},
		&cli.BoolFlag{
			Name:  "fail-checkpoint",
			Usage: "vote against the checkpoint so payouts halt",
		},
		&cli.BoolFlag{
			Name:  "seed",
			Usage: "save the resulting ledger into the repo so `giving start` resumes from it",
		},
		&cli.StringFlag{
			Name:  "log-level",
			Usage: "log level of the simulated ledger",
			Value: "warn",
		},
	},
	Action: simulate,
}

var (
	simAdmin     = common.HexToAddress("0x0000000000000000000000000000000000005001")
	simTreasury  = common.HexToAddress("0x0000000000000000000000000000000000005002")
	simRecipient = common.HexToAddress("0x0000000000000000000000000000000000005003")
	simVault     = common.HexToAddress("0x0000000000000000000000000000000000005004")
	simAsset     = common.HexToAddress("0x0000000000000000000000000000000000005005")
	simAlice     = common.HexToAddress("0x0000000000000000000000000000000000005101")
	simBob       = common.HexToAddress("0x0000000000000000000000000000000000005102")
	simKeeper    = common.HexToAddress("0x0000000000000000000000000000000000005103")

	simCampaign = common.HexToHash("0x01")
	simStrategy = common.HexToHash("0xaa")
)

func simulate(ctx *cli.Context) error {
	logger := newLogger(ctx.String("log-level"))
	clock := core.NewManualClock(time.Unix(1_700_000_000, 0))
	bus := core.NewEventBus(nil, logger)
	defer bus.Stop()

	jrn, err := journal.Open("", logger)
	if err != nil {
		return err
	}
	defer jrn.Close()
	jrn.Attach(bus)

	s, err := newSandbox(clock, bus, logger)
	if err != nil {
		return err
	}
	if err := s.runGovernance(ctx.Bool("fail-checkpoint")); err != nil {
		return err
	}

	s.bank.Accrue(simVault, simAsset, uint256.NewInt(ctx.Uint64("yield")))
	receipt, err := s.coordinator.ProcessEpoch(ctx.Context, simKeeper, simVault)
	if err != nil {
		fmt.Println("distribution rejected:", err)
		return s.seedIfAsked(ctx)
	}
	d := receipt.Distribution
	fmt.Printf("distribution #%d to %d shareholders\n", d.ID, d.Shareholders)
	fmt.Printf("  campaign:    %s\n", d.CampaignAmount.Dec())
	fmt.Printf("  protocol:    %s\n", d.ProtocolAmount.Dec())
	fmt.Printf("  beneficiary: %s\n", d.BeneficiaryAmount.Dec())
	fmt.Printf("  dust:        %s\n", new(uint256.Int).Sub(d.TotalYield, d.Distributed()).Dec())
	fmt.Printf("recipient balance %s, treasury balance %s\n",
		s.bank.Balance(simAsset, simRecipient).Dec(), s.bank.Balance(simAsset, simTreasury).Dec())

	// handlers run on their own goroutines
	time.Sleep(100 * time.Millisecond)
	n, err := jrn.Count()
	if err != nil {
		return err
	}
	fmt.Printf("%d events journaled\n", n)

	return s.seedIfAsked(ctx)
}

func (s *sandbox) seedIfAsked(ctx *cli.Context) error {
	if !ctx.Bool("seed") {
		return nil
	}
	root, err := getRootPath(ctx)
	if err != nil {
		return err
	}
	return s.seed(root)
}

// seed stores the sandbox state as the snapshot of the repo at root. A repo
// that already holds a snapshot is left alone.
func (s *sandbox) seed(root string) error {
	r, err := repo.Load(root)
	if err != nil {
		return err
	}
	db, err := leveldb.New(r.StoragePath())
	if err != nil {
		return errors.Wrap(err, "open snapshot storage")
	}
	store := core.NewSnapshotStore(db)
	defer store.Close()

	existing, err := store.Load()
	if err != nil {
		return err
	}
	if existing != nil {
		return errors.Errorf("%s already holds a snapshot of block %d", r.StoragePath(), existing.Block)
	}
	snap := core.TakeSnapshot(s.clock, s.ledger, s.engine, s.coordinator)
	if err := store.Save(snap); err != nil {
		return err
	}
	fmt.Printf("seeded %s at block %d\n", r.StoragePath(), snap.Block)
	return nil
}

type sandbox struct {
	clock       *core.ManualClock
	bank        *core.MemoryBank
	ledger      *core.CampaignLedger
	engine      *core.DistributionEngine
	coordinator *core.EpochCoordinator
}

func newSandbox(clock *core.ManualClock, bus *core.EventBus, logger *logrus.Logger) (*sandbox, error) {
	auth := core.NewRoleAuthority(simAdmin)
	for _, role := range []common.Hash{
		core.CampaignCreatorRole, core.CampaignAdminRole, core.StakeManagerRole,
		core.CheckpointCouncilRole, core.DistributionAdminRole, core.TreasuryRole,
	} {
		if err := auth.GrantRole(simAdmin, role, simAdmin); err != nil {
			return nil, err
		}
	}
	catalog := core.NewMemoryCatalog()
	catalog.Put(simStrategy, "aave-usdc", core.StrategyActive)

	s := &sandbox{clock: clock, bank: core.NewMemoryBank()}
	var err error
	if s.ledger, err = core.NewCampaignLedger(core.LedgerConfig{
		Authority: auth, Catalog: catalog, StrategyRegistry: simAdmin, Chain: clock, Bus: bus, Logger: logger,
	}); err != nil {
		return nil, err
	}
	if s.engine, err = core.NewDistributionEngine(core.DistributionConfig{
		Authority: auth, Ledger: s.ledger, Custody: s.bank.Custody(engineAccount), Treasury: simTreasury,
		Chain: clock, Bus: bus, Logger: logger,
	}); err != nil {
		return nil, err
	}
	if s.coordinator, err = core.NewEpochCoordinator(core.EpochCoordinatorConfig{
		Authority: auth, Engine: s.engine, Yield: s.bank.YieldSource(engineAccount),
		Chain: clock, Bus: bus, Logger: logger,
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// runGovernance takes one campaign through approval, a supporter stake and a checkpoint vote, then wires its
// vault with two shareholders holding 300 and 700 shares.
func (s *sandbox) runGovernance(fail bool) error {
	steps := []struct {
		name string
		run  func() error
	}{
		{"submit campaign", func() error {
			return s.ledger.SubmitCampaign(simAdmin, core.CampaignInput{
				ID: simCampaign, PayoutRecipient: simRecipient, StrategyID: simStrategy,
				TargetStake: uint256.NewInt(1000), MinStake: uint256.NewInt(100),
			})
		}},
		{"approve campaign", func() error { return s.ledger.ApproveCampaign(simAdmin, simCampaign, simAdmin) }},
		{"bind vault", func() error {
			return s.ledger.SetCampaignVault(simAdmin, simCampaign, simVault, common.Hash{})
		}},
		{"deposit stake", func() error {
			return s.ledger.RecordStakeDeposit(simAdmin, simCampaign, simAlice, uint256.NewInt(500))
		}},
	}
	for _, step := range steps {
		if err := step.run(); err != nil {
			return errors.Wrap(err, step.name)
		}
	}

	t0 := uint64(s.clock.Now().Unix())
	index, err := s.ledger.ScheduleCheckpoint(simAdmin, simCampaign, core.CheckpointInput{
		WindowStart: t0 + 3600, WindowEnd: t0 + 7200, ExecutionDeadline: t0 + 7200, QuorumBps: 5000,
	})
	if err != nil {
		return errors.Wrap(err, "schedule checkpoint")
	}
	if err := s.ledger.UpdateCheckpointStatus(simAdmin, simCampaign, index, core.CheckpointStatusVoting); err != nil {
		return errors.Wrap(err, "open voting")
	}
	s.clock.Advance(time.Hour + time.Second)
	if err := s.ledger.VoteOnCheckpoint(simAlice, simCampaign, index, !fail); err != nil {
		return errors.Wrap(err, "vote")
	}
	s.clock.Advance(time.Hour)
	status, err := s.ledger.FinalizeCheckpoint(simAdmin, simCampaign, index)
	if err != nil {
		return errors.Wrap(err, "finalize checkpoint")
	}
	fmt.Printf("checkpoint %d finalized: %s\n", index, status)

	if err := s.engine.RegisterCampaignVault(simAdmin, simVault, simCampaign); err != nil {
		return err
	}
	if err := s.engine.SetAuthorizedCaller(simAdmin, simVault, true); err != nil {
		return err
	}
	if err := s.engine.UpdateUserShares(simVault, simAlice, uint256.NewInt(300)); err != nil {
		return err
	}
	if err := s.engine.UpdateUserShares(simVault, simBob, uint256.NewInt(700)); err != nil {
		return err
	}
	return s.coordinator.RegisterVault(simAdmin, simVault)
}
