package observability

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestPayoutsSingleton(t *testing.T) {
	require.Same(t, Payouts(), Payouts())
}

func TestObservePayoutOutcomes(t *testing.T) {
	m := Payouts()

	before := testutil.ToFloat64(m.payoutsTotal.WithLabelValues("DAILY_BASE", "success"))
	m.ObservePayout("daily_base", 120*time.Millisecond, nil)
	require.Equal(t, before+1, testutil.ToFloat64(m.payoutsTotal.WithLabelValues("DAILY_BASE", "success")))

	beforeErr := testutil.ToFloat64(m.payoutsTotal.WithLabelValues("DUST_SWEEP", "error"))
	m.ObservePayout("DUST_SWEEP", time.Second, errors.New("rpc timeout"))
	require.Equal(t, beforeErr+1, testutil.ToFloat64(m.payoutsTotal.WithLabelValues("DUST_SWEEP", "error")))
}

func TestQueueDepthGauge(t *testing.T) {
	m := Payouts()
	m.SetQueueDepth("queued", 7)
	require.Equal(t, 7.0, testutil.ToFloat64(m.queueDepth.WithLabelValues("QUEUED")))
}

func TestRecordSettlementAccumulatesBonus(t *testing.T) {
	m := Payouts()
	days := testutil.ToFloat64(m.settlementsTotal)
	bonus := testutil.ToFloat64(m.bonusDistributed)

	m.RecordSettlement(19_999_998)
	m.RecordSettlement(0)

	require.Equal(t, days+2, testutil.ToFloat64(m.settlementsTotal))
	require.Equal(t, bonus+19_999_998, testutil.ToFloat64(m.bonusDistributed))
}

func TestWorkerPausedGauge(t *testing.T) {
	m := Payouts()
	m.SetWorkerPaused(true)
	require.Equal(t, 1.0, testutil.ToFloat64(m.workerPaused))
	m.SetWorkerPaused(false)
	require.Equal(t, 0.0, testutil.ToFloat64(m.workerPaused))
}

func TestRecordErrorDefaultsReason(t *testing.T) {
	m := Payouts()
	before := testutil.ToFloat64(m.errors.WithLabelValues("WORKER", "unspecified"))
	m.RecordError("worker", "  ")
	require.Equal(t, before+1, testutil.ToFloat64(m.errors.WithLabelValues("WORKER", "unspecified")))
}

func TestNilReceiverIsSafe(t *testing.T) {
	var m *PayoutMetrics
	require.NotPanics(t, func() {
		m.ObservePayout("DAILY_BASE", time.Second, nil)
		m.SetQueueDepth("QUEUED", 1)
		m.RecordSettlement(1)
		m.RecordError("worker", "x")
		m.SetWorkerPaused(true)
	})
}
