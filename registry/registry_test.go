package registry

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/bfix/torsupervisor/servicehandler"
)

func TestCorrelateNewPrefersExactLabelOverHeadOfQueue(t *testing.T) {
	r := New(servicehandler.EchoFactory{}, nil, nil)

	_, err := r.Provision("alpha")
	require.NoError(t, err)
	_, err = r.Provision("beta")
	require.NoError(t, err)
	// Labels are queued in the opposite order to PendingNew, so the
	// first reply pops "beta" while alpha is the head of PendingNew.
	r.QueueLabel("beta")
	r.QueueLabel("alpha")

	// The first reply must bind to the beta entry by its popped label,
	// not silently take alpha as head-of-queue.
	svc, label, err := r.CorrelateNew("betaonion", "PK-beta", true)
	require.NoError(t, err)
	require.Equal(t, "beta", label)
	require.Equal(t, "betaonion", svc.Onion)

	svc2, label2, err := r.CorrelateNew("alphaonion", "PK-alpha", true)
	require.NoError(t, err)
	require.Equal(t, "alpha", label2)
	require.Equal(t, "alphaonion", svc2.Onion)
}

func TestCorrelateNewFallsBackToHeadOfQueueWithoutLabelMatch(t *testing.T) {
	r := New(servicehandler.EchoFactory{}, nil, nil)
	_, err := r.Provision("first")
	require.NoError(t, err)
	_, err = r.Provision("second")
	require.NoError(t, err)

	// No private key in this block: no label is popped, so the first
	// pending entry is taken regardless of any label text.
	svc, _, err := r.CorrelateNew("whatever", "", false)
	require.NoError(t, err)
	require.Equal(t, "first", svc.Label)
}

func TestRequestCountsAndReset(t *testing.T) {
	r := New(servicehandler.EchoFactory{}, nil, nil)
	_, err := r.Provision("svc")
	require.NoError(t, err)
	svc, _, err := r.CorrelateNew("onionaddr", "pk", true)
	require.NoError(t, err)
	require.True(t, svc.Online)
	require.Equal(t, []string{"onionaddr"}, r.Onions())

	r.Reset()
	require.Empty(t, r.Onions())
	require.Empty(t, r.RequestCounts())
}
