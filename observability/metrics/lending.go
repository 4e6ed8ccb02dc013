package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"lendchain/native/lending"
)

// LendingMetrics tracks instruction traffic and protocol health. It
// implements the processor's Metrics interface.
type LendingMetrics struct {
	instructions *prometheus.CounterVec
	transactions *prometheus.CounterVec
	utilization  *prometheus.GaugeVec
	borrowRate   *prometheus.GaugeVec
}

var (
	lendingOnce     sync.Once
	lendingRegistry *LendingMetrics
)

// Lending returns the lazily-initialised lending metrics registry.
func Lending() *LendingMetrics {
	lendingOnce.Do(func() {
		lendingRegistry = &LendingMetrics{
			instructions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_instructions_total",
				Help: "Count of processed instructions by operation and error code.",
			}, []string{"op", "code"}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "lending_transactions_total",
				Help: "Count of processed transactions by outcome.",
			}, []string{"outcome"}),
			utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_reserve_utilization",
				Help: "Last observed utilization ratio per reserve.",
			}, []string{"reserve"}),
			borrowRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Name: "lending_reserve_borrow_rate",
				Help: "Last observed annual borrow rate per reserve.",
			}, []string{"reserve"}),
		}
		prometheus.MustRegister(
			lendingRegistry.instructions,
			lendingRegistry.transactions,
			lendingRegistry.utilization,
			lendingRegistry.borrowRate,
		)
	})
	return lendingRegistry
}

// ObserveInstruction implements lending.Metrics.
func (m *LendingMetrics) ObserveInstruction(op string, code lending.ErrorCode) {
	if m == nil {
		return
	}
	outcome := "ok"
	if code != 0 {
		outcome = errorCodeLabel(code)
	}
	m.instructions.WithLabelValues(op, outcome).Inc()
}

// ObserveTransaction implements lending.Metrics.
func (m *LendingMetrics) ObserveTransaction(ok bool) {
	if m == nil {
		return
	}
	outcome := "committed"
	if !ok {
		outcome = "aborted"
	}
	m.transactions.WithLabelValues(outcome).Inc()
}

// SetReserveGauges records interest-model observations for one reserve.
func (m *LendingMetrics) SetReserveGauges(reserve string, utilization, borrowRate float64) {
	if m == nil {
		return
	}
	m.utilization.WithLabelValues(reserve).Set(utilization)
	m.borrowRate.WithLabelValues(reserve).Set(borrowRate)
}

func errorCodeLabel(code lending.ErrorCode) string {
	switch code {
	case lending.CodeInsufficientLiquidity:
		return "insufficient_liquidity"
	case lending.CodeReserveStale:
		return "reserve_stale"
	case lending.CodeObligationStale:
		return "obligation_stale"
	case lending.CodeObligationHealthy:
		return "obligation_healthy"
	case lending.CodeObligationUnhealthy:
		return "obligation_unhealthy"
	case lending.CodeBorrowLimitExceeded:
		return "borrow_limit"
	case lending.CodeUtilizationCapExceeded:
		return "utilization_cap"
	case lending.CodeFlashLoanNotRepaid:
		return "flash_not_repaid"
	case lending.CodeLiquidationSlippage:
		return "liquidation_slippage"
	case lending.CodeOracleStale, lending.CodeNoValidPriceSource:
		return "oracle"
	default:
		return "error"
	}
}
