package metrics

import (
	"net/http"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsHandler(t *testing.T) {
	h := MetricsHandler()
	assert.NotNil(t, h)
	assert.Implements(t, (*http.Handler)(nil), h)
}

func TestObserveDelivery(t *testing.T) {
	sentBefore := testutil.ToFloat64(DeliveryAttempts.WithLabelValues("lab_results_ready", "sent"))
	failedBefore := testutil.ToFloat64(DeliveryAttempts.WithLabelValues("lab_results_ready", "failed"))

	ObserveDelivery("lab_results_ready", "sent", true, time.Now().Add(-50*time.Millisecond))
	ObserveDelivery("lab_results_ready", "sent", true, time.Now())
	ObserveDelivery("lab_results_ready", "failed", false, time.Now())

	assert.Equal(t, sentBefore+2, testutil.ToFloat64(DeliveryAttempts.WithLabelValues("lab_results_ready", "sent")))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(DeliveryAttempts.WithLabelValues("lab_results_ready", "failed")))
	assert.GreaterOrEqual(t, testutil.CollectAndCount(DeliveryDuration), 2)
}
