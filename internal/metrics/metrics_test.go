package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCountersAreRegistered(t *testing.T) {
	before := testutil.ToFloat64(Messages.WithLabelValues("metrics_test"))
	Messages.WithLabelValues("metrics_test").Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Messages.WithLabelValues("metrics_test")))

	before = testutil.ToFloat64(Alerts.WithLabelValues(AlertDropped))
	Alerts.WithLabelValues(AlertDropped).Inc()
	assert.Equal(t, before+1, testutil.ToFloat64(Alerts.WithLabelValues(AlertDropped)))
}

func TestJoinedChannelsGauge(t *testing.T) {
	JoinedChannels.Set(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(JoinedChannels))
	JoinedChannels.Set(0)
}
