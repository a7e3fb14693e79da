package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type VaultMetrics struct {
	operations   *prometheus.CounterVec
	accruals     prometheus.Counter
	accrualGap   prometheus.Histogram
	liquidations *prometheus.CounterVec
}

var (
	vaultOnce     sync.Once
	vaultRegistry *VaultMetrics
)

// Vault returns the metrics registry tracking vault engine activity.
func Vault() *VaultMetrics {
	vaultOnce.Do(func() {
		vaultRegistry = &VaultMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rangevault",
				Subsystem: "vault",
				Name:      "operations_total",
				Help:      "Count of completed vault operations by type.",
			}, []string{"op"}),
			accruals: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "rangevault",
				Subsystem: "vault",
				Name:      "accruals_total",
				Help:      "Count of interest accrual executions.",
			}),
			accrualGap: prometheus.NewHistogram(prometheus.HistogramOpts{
				Namespace: "rangevault",
				Subsystem: "vault",
				Name:      "accrual_gap_seconds",
				Help:      "Elapsed seconds covered by each accrual.",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 10),
			}),
			liquidations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "rangevault",
				Subsystem: "vault",
				Name:      "liquidations_total",
				Help:      "Count of liquidations segmented by shortfall outcome.",
			}, []string{"outcome"}),
		}
		prometheus.MustRegister(
			vaultRegistry.operations,
			vaultRegistry.accruals,
			vaultRegistry.accrualGap,
			vaultRegistry.liquidations,
		)
	})
	return vaultRegistry
}

// ObserveOperation increments the completed-operation counter.
func (m *VaultMetrics) ObserveOperation(op string) {
	if m == nil {
		return
	}
	if op == "" {
		op = "unknown"
	}
	m.operations.WithLabelValues(op).Inc()
}

// ObserveAccrual records one accrual execution and the gap it covered.
func (m *VaultMetrics) ObserveAccrual(elapsedSeconds uint64) {
	if m == nil {
		return
	}
	m.accruals.Inc()
	m.accrualGap.Observe(float64(elapsedSeconds))
}

// ObserveLiquidation records a completed liquidation.
func (m *VaultMetrics) ObserveLiquidation(shortfall bool) {
	if m == nil {
		return
	}
	outcome := "covered"
	if shortfall {
		outcome = "shortfall"
	}
	m.liquidations.WithLabelValues(outcome).Inc()
}
