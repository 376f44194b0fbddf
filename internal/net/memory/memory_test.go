package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tabletop/session/internal/channel"
	sessionnet "tabletop/session/internal/net"
	"tabletop/session/internal/net/token"
)

func credential(t *testing.T, id uint64) []byte {
	t.Helper()
	tok, err := token.Issue(token.Key{}, 0, id, time.Now(), time.Minute)
	require.NoError(t, err)
	return tok.Marshal()
}

func newHost(t *testing.T, network *Network, maxClients int) *Server {
	t.Helper()
	admission := sessionnet.NewAdmission(token.Verifier{}, maxClients)
	host := network.NewServer("host", admission)
	require.NoError(t, host.Listen(context.Background()))
	return host
}

func TestHandshakeAndMessages(t *testing.T) {
	network := NewNetwork(Options{})
	host := newHost(t, network, 0)
	client := network.NewClient()

	require.NoError(t, client.Dial(context.Background(), "host", credential(t, 5)))

	events := host.Poll()
	require.Len(t, events, 1)
	require.Equal(t, sessionnet.EventConnected, events[0].Kind)
	require.Equal(t, uint64(5), events[0].Client)

	events = client.Poll()
	require.Len(t, events, 1)
	require.Equal(t, sessionnet.EventConnected, events[0].Kind)

	require.NoError(t, client.Send(channel.UnorderedReliable, []byte("ping")))
	require.NoError(t, host.Send(5, channel.UnorderedReliable, []byte("pong")))

	events = host.Poll()
	require.Len(t, events, 1)
	require.Equal(t, sessionnet.EventMessage, events[0].Kind)
	require.Equal(t, uint64(5), events[0].Client)
	require.Equal(t, []byte("ping"), events[0].Data)

	events = client.Poll()
	require.Len(t, events, 1)
	require.Equal(t, []byte("pong"), events[0].Data)
	require.Equal(t, sessionnet.HostID, events[0].Client)
}

func TestHandshakeFailures(t *testing.T) {
	t.Run("no host", func(t *testing.T) {
		network := NewNetwork(Options{})
		client := network.NewClient()
		require.NoError(t, client.Dial(context.Background(), "nowhere", credential(t, 1)))
		events := client.Poll()
		require.Len(t, events, 1)
		require.Equal(t, sessionnet.EventConnectFailed, events[0].Kind)
		require.Equal(t, sessionnet.ReasonTimedOut, events[0].Reason)
	})

	t.Run("expired token", func(t *testing.T) {
		network := NewNetwork(Options{})
		newHost(t, network, 0)
		tok, err := token.Issue(token.Key{}, 0, 1, time.Now().Add(-time.Hour), time.Minute)
		require.NoError(t, err)
		client := network.NewClient()
		require.NoError(t, client.Dial(context.Background(), "host", tok.Marshal()))
		events := client.Poll()
		require.Len(t, events, 1)
		require.Equal(t, sessionnet.ReasonTokenExpired, events[0].Reason)
	})

	t.Run("duplicate id denied", func(t *testing.T) {
		network := NewNetwork(Options{})
		newHost(t, network, 0)
		first := network.NewClient()
		require.NoError(t, first.Dial(context.Background(), "host", credential(t, 9)))
		second := network.NewClient()
		require.NoError(t, second.Dial(context.Background(), "host", credential(t, 9)))
		events := second.Poll()
		require.Len(t, events, 1)
		require.Equal(t, sessionnet.EventConnectFailed, events[0].Kind)
		require.Equal(t, sessionnet.ReasonDenied, events[0].Reason)
	})

	t.Run("full host denied", func(t *testing.T) {
		network := NewNetwork(Options{})
		newHost(t, network, 1)
		require.NoError(t, network.NewClient().Dial(context.Background(), "host", credential(t, 1)))
		late := network.NewClient()
		require.NoError(t, late.Dial(context.Background(), "host", credential(t, 2)))
		events := late.Poll()
		require.Len(t, events, 1)
		require.Equal(t, sessionnet.ReasonDenied, events[0].Reason)
	})
}

func TestDisconnect(t *testing.T) {
	t.Run("client leaves", func(t *testing.T) {
		network := NewNetwork(Options{})
		host := newHost(t, network, 0)
		client := network.NewClient()
		require.NoError(t, client.Dial(context.Background(), "host", credential(t, 3)))
		host.Poll()
		client.Poll()

		require.NoError(t, client.Close())
		events := host.Poll()
		require.Len(t, events, 1)
		require.Equal(t, sessionnet.EventDisconnected, events[0].Kind)
		require.Equal(t, uint64(3), events[0].Client)
		require.Empty(t, client.Poll())
		require.Empty(t, host.Clients())
		require.ErrorIs(t, client.Send(channel.UnorderedReliable, []byte("x")), sessionnet.ErrNotConnected)
	})

	t.Run("host closes", func(t *testing.T) {
		network := NewNetwork(Options{})
		host := newHost(t, network, 0)
		client := network.NewClient()
		require.NoError(t, client.Dial(context.Background(), "host", credential(t, 3)))
		client.Poll()

		require.NoError(t, host.Close())
		events := client.Poll()
		require.Len(t, events, 1)
		require.Equal(t, sessionnet.EventDisconnected, events[0].Kind)
		require.Equal(t, sessionnet.ReasonTransportLost, events[0].Reason)
	})
}

func TestUnreliableLoss(t *testing.T) {
	network := NewNetwork(Options{DropEvery: 3, Reorder: true})
	host := newHost(t, network, 0)
	client := network.NewClient()
	require.NoError(t, client.Dial(context.Background(), "host", credential(t, 4)))
	client.Poll()

	for _, b := range []byte{1, 2, 3, 4, 5} {
		require.NoError(t, host.Send(4, channel.SequencedUnreliable, []byte{b}))
	}
	require.NoError(t, host.Send(4, channel.SequencedReliable, []byte{99}))

	var got []byte
	for _, ev := range client.Poll() {
		got = append(got, ev.Data[0])
	}
	// Frame 3 is dropped, (1,2) and (4,5) arrive swapped, reliable data is untouched.
	require.Equal(t, []byte{2, 1, 5, 4, 99}, got)
}

func TestReorderReleasesTrailingFrameOnPoll(t *testing.T) {
	network := NewNetwork(Options{Reorder: true})
	host := newHost(t, network, 0)
	client := network.NewClient()
	require.NoError(t, client.Dial(context.Background(), "host", credential(t, 6)))
	client.Poll()
	host.Poll()

	for _, b := range []byte{1, 2, 3} {
		require.NoError(t, host.Send(6, channel.SequencedUnreliable, []byte{b}))
	}
	require.NoError(t, host.Send(6, channel.SequencedReliable, []byte{9}))

	var got []byte
	for _, ev := range client.Poll() {
		got = append(got, ev.Data[0])
	}
	// Frame 3 has no partner and is released by the poll itself.
	require.Equal(t, []byte{2, 1, 9, 3}, got)
	require.Empty(t, client.Poll())

	require.NoError(t, client.Send(channel.SequencedUnreliable, []byte{7}))
	events := host.Poll()
	require.Len(t, events, 1)
	require.Equal(t, sessionnet.EventMessage, events[0].Kind)
	require.Equal(t, []byte{7}, events[0].Data)
}
