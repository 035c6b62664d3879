package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// TestSetCounters verifies the collectors register and count against an
// isolated registry.
func TestSetCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	set, err := New(reg)
	require.NoError(t, err)

	set.Published("collect-progress")
	set.Published("collect-progress")
	set.DecodeFailure("malformed")
	set.Broadcast(3)
	set.Dropped("drop_oldest")
	set.SubscriberAdded()
	set.SubscriberAdded()
	set.SubscriberRemoved()
	set.ChannelCreated()
	set.ChannelEvicted()

	require.Equal(t, float64(2), testutil.ToFloat64(set.published.WithLabelValues("collect-progress")))
	require.Equal(t, float64(1), testutil.ToFloat64(set.decodeFailures.WithLabelValues("malformed")))
	require.Equal(t, float64(3), testutil.ToFloat64(set.broadcasts))
	require.Equal(t, float64(1), testutil.ToFloat64(set.dropped.WithLabelValues("drop_oldest")))
	require.Equal(t, float64(1), testutil.ToFloat64(set.subscribers))
	require.Equal(t, float64(0), testutil.ToFloat64(set.tenantChannels))
	require.Equal(t, float64(1), testutil.ToFloat64(set.evicted))
}

// TestSetDoubleRegister verifies a duplicate registration surfaces an error.
func TestSetDoubleRegister(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	_, err := New(reg)
	require.NoError(t, err)
	_, err = New(reg)
	require.Error(t, err)
}

// TestNilSetIsSafe verifies every method tolerates a nil receiver.
func TestNilSetIsSafe(t *testing.T) {
	t.Parallel()

	var set *Set
	set.Published("x")
	set.DecodeFailure("x")
	set.Broadcast(1)
	set.Dropped("x")
	set.SubscriberAdded()
	set.SubscriberRemoved()
	set.ChannelCreated()
	set.ChannelEvicted()
}
