package identity

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddTorIdentityDisambiguatesLabel(t *testing.T) {
	m := NewMemoryStore()
	m.AddTorIdentity("main")
	m.AddTorIdentity("main")
	m.AddTorIdentity("main")

	var labels []string
	for _, id := range m.GetTorIdentities() {
		labels = append(labels, id.Label)
	}
	require.ElementsMatch(t, []string{"main", "main-2", "main-3"}, labels)
}

func TestStoreTorIdentityRetiresMatchingPlaceholder(t *testing.T) {
	m := NewMemoryStore()
	m.AddTorIdentity("main")
	require.Len(t, m.GetTorIdentities(), 1)
	require.True(t, m.GetTorIdentities()[0].IsPlaceholder())

	m.StoreTorIdentity("abc123.onion", "ED25519-V3:deadbeef", "main", true)

	ids := m.GetTorIdentities()
	require.Len(t, ids, 1, "the placeholder must be retired, not kept alongside the assigned identity")
	require.False(t, ids[0].IsPlaceholder())
	require.Equal(t, "abc123.onion", ids[0].Onion)
	require.Equal(t, "main", ids[0].Label)
	require.Equal(t, "ED25519-V3:deadbeef", m.TorPrivKeyFor("abc123.onion"))
}

func TestRemoveAndSetOnline(t *testing.T) {
	m := NewMemoryStore()
	m.StoreTorIdentity("xyz.onion", "key", "svc", true)

	require.True(t, m.SetTorIdentityOnline("XYZ.onion", false))
	ids := m.GetTorIdentities()
	require.Len(t, ids, 1)
	require.False(t, ids[0].Online)

	require.True(t, m.RemoveTorIdentity("xyz.onion"))
	require.Empty(t, m.GetTorIdentities())
	require.False(t, m.SetTorIdentityOnline("xyz.onion", true))
}
