package core

import (
	"github.com/holiman/uint256"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type busMetrics struct {
	eventsTotal *prometheus.CounterVec
}

func newBusMetrics(promRegistry prometheus.Registerer) *busMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &busMetrics{
		eventsTotal: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "giving_events_total",
			Help: "events published by the ledger, by type",
		}, []string{"type"}),
	}
}

type ledgerMetrics struct {
	campaigns          prometheus.Gauge
	stakeDeposits      prometheus.Counter
	votesCast          *prometheus.CounterVec
	checkpointsResults *prometheus.CounterVec
}

func newLedgerMetrics(promRegistry prometheus.Registerer) *ledgerMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &ledgerMetrics{
		campaigns: promautoFactory.NewGauge(prometheus.GaugeOpts{
			Name: "giving_campaigns_int",
			Help: "number of campaigns in the registry",
		}),
		stakeDeposits: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "giving_stake_deposits_total",
			Help: "stake deposits recorded",
		}),
		votesCast: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "giving_checkpoint_votes_total",
			Help: "checkpoint votes cast, by support",
		}, []string{"support"}),
		checkpointsResults: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "giving_checkpoints_finalized_total",
			Help: "finalized checkpoints, by result",
		}, []string{"result"}),
	}
}

type distributionMetrics struct {
	distributions    prometheus.Counter
	failed           *prometheus.CounterVec
	yieldDistributed prometheus.Counter
	shareholders     prometheus.Histogram
}

func newDistributionMetrics(promRegistry prometheus.Registerer) *distributionMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &distributionMetrics{
		distributions: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "giving_distributions_total",
			Help: "successful yield distributions",
		}),
		failed: promautoFactory.NewCounterVec(prometheus.CounterOpts{
			Name: "giving_distributions_failed_total",
			Help: "rejected yield distributions, by reason",
		}, []string{"reason"}),
		yieldDistributed: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "giving_yield_distributed_units_total",
			Help: "minor units of yield routed out of custody",
		}),
		shareholders: promautoFactory.NewHistogram(prometheus.HistogramOpts{
			Name:    "giving_distribution_shareholders",
			Help:    "shareholders paid per distribution",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		}),
	}
}

type epochMetrics struct {
	processed     prometheus.Counter
	rewardsFailed prometheus.Counter
}

func newEpochMetrics(promRegistry prometheus.Registerer) *epochMetrics {
	promautoFactory := promauto.With(promRegistry)
	return &epochMetrics{
		processed: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "giving_epochs_processed_total",
			Help: "epochs that triggered a distribution",
		}),
		rewardsFailed: promautoFactory.NewCounter(prometheus.CounterOpts{
			Name: "giving_epoch_rewards_failed_total",
			Help: "caller rewards that could not be paid",
		}),
	}
}

// unitsFloat converts an amount for counters; precision loss above 2^53 is acceptable there.
func unitsFloat(x *uint256.Int) float64 {
	f, _ := x.ToBig().Float64()
	return f
}
