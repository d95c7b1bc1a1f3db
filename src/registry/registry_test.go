package registry

import (
	"testing"

	"benchflow/src/transport"
	"benchflow/src/wire"

	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	r := New(6000, true)
	rec1 := r.Register("id1", "w1", wire.RoleSender)
	rec2 := r.Register("id1", "w1-renamed", wire.RoleReceiver)
	require.Same(t, rec1, rec2)
	require.Equal(t, 1, r.NumWorkers())
}

func TestUpdateUnknownIdentityErrors(t *testing.T) {
	r := New(6000, true)
	err := r.Update("nope", wire.StateConnectedToSync, 0)
	require.ErrorIs(t, err, ErrUnknownIdentity)
}

func TestTryFormGroupSenderBind(t *testing.T) {
	r := New(6000, true)
	r.Register("sender1", "s1", wire.RoleSender)
	r.Register("recv1", "r1", wire.RoleReceiver)
	r.Register("recv2", "r2", wire.RoleReceiver)

	g, ok := r.TryFormGroup(2)
	require.True(t, ok)
	require.Equal(t, transport.Identity("sender1"), g.SenderIdentity)
	require.Equal(t, []transport.Identity{"recv1", "recv2"}, g.ReceiverIdentities)
	require.Equal(t, 6000, g.SenderDataPort)
	require.Equal(t, []int{6000, 6000}, g.ReceiverDataPorts)
}

func TestTryFormGroupReceiverBind(t *testing.T) {
	r := New(6000, false)
	r.Register("sender1", "s1", wire.RoleSender)
	r.Register("recv1", "r1", wire.RoleReceiver)
	r.Register("recv2", "r2", wire.RoleReceiver)

	g, ok := r.TryFormGroup(2)
	require.True(t, ok)
	require.Equal(t, []int{6000, 6001}, g.ReceiverDataPorts)
}

func TestTryFormGroupNotEnoughPeers(t *testing.T) {
	r := New(6000, true)
	r.Register("sender1", "s1", wire.RoleSender)
	_, ok := r.TryFormGroup(2)
	require.False(t, ok)
}

func TestPortAllocationNonOverlapping(t *testing.T) {
	r := New(6000, false)
	for i := 0; i < 4; i++ {
		r.Register(transport.Identity(string(rune('a'+i))+"-sender"), "s", wire.RoleSender)
	}
	for i := 0; i < 8; i++ {
		r.Register(transport.Identity(string(rune('a'+i))+"-recv"), "r", wire.RoleReceiver)
	}

	g1, ok := r.TryFormGroup(2)
	require.True(t, ok)
	g2, ok := r.TryFormGroup(2)
	require.True(t, ok)

	for _, p1 := range g1.ReceiverDataPorts {
		for _, p2 := range g2.ReceiverDataPorts {
			require.NotEqual(t, p1, p2)
		}
	}
}

func TestAllPeersMilestone(t *testing.T) {
	r := New(6000, true)
	require.False(t, r.AllPeers(wire.StateConnectedToSync, 0))

	r.Register("id1", "w1", wire.RoleSender)
	r.Register("id2", "w2", wire.RoleReceiver)
	require.False(t, r.AllPeers(wire.StateConnectedToSync, 0))

	require.NoError(t, r.Update("id1", wire.StateConnectedToSync, 0))
	require.False(t, r.AllPeers(wire.StateConnectedToSync, 0))

	require.NoError(t, r.Update("id2", wire.StateConnectedToSync, 0))
	require.True(t, r.AllPeers(wire.StateConnectedToSync, 0))
}
