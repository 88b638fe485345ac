package transport_test

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"
	"golang.org/x/net/ipv4"

	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/transport"
	"github.com/malbeclabs/pimd/internal/vif"
)

func TestTransport_Conn_EnablesControlMessages(t *testing.T) {
	t.Parallel()

	raw := &mockRawConn{loopback: true}
	_, err := transport.NewConn(newTestLogger(t), raw)
	require.NoError(t, err)
	require.NotZero(t, raw.ctrl&ipv4.FlagInterface)
	require.NotZero(t, raw.ctrl&ipv4.FlagDst)
	require.False(t, raw.loopback)
}

func TestTransport_Conn_SendMulticastOnInterface(t *testing.T) {
	t.Parallel()

	raw := &mockRawConn{}
	c, err := transport.NewConn(newTestLogger(t), raw)
	require.NoError(t, err)

	v := &vif.Vif{Name: "eth0", IfIndex: 7, Addr: netip.MustParseAddr("10.0.0.1")}
	payload := []byte{0x20, 0, 0, 0}
	require.NoError(t, c.Send(v, pim.AllPIMRouters, payload))

	calls := raw.writeCalls()
	require.Len(t, calls, 1)
	w := calls[0]
	require.Equal(t, 1, w.h.TTL)
	require.Equal(t, transport.ProtocolPIM, w.h.Protocol)
	require.True(t, w.h.Dst.Equal(net.IPv4(224, 0, 0, 13)))
	require.Equal(t, ipv4.HeaderLen+len(payload), w.h.TotalLen)
	require.NotNil(t, w.cm)
	require.Equal(t, 7, w.cm.IfIndex)
	require.True(t, w.cm.Src.Equal(net.IPv4(10, 0, 0, 1)))
	require.Equal(t, payload, w.b)
}

func TestTransport_Conn_SendUnicastRouted(t *testing.T) {
	t.Parallel()

	raw := &mockRawConn{}
	c, err := transport.NewConn(newTestLogger(t), raw)
	require.NoError(t, err)

	require.NoError(t, c.Send(nil, netip.MustParseAddr("192.0.2.1"), []byte{1, 2, 3, 4}))
	calls := raw.writeCalls()
	require.Len(t, calls, 1)
	require.Greater(t, calls[0].h.TTL, 1)
	require.Nil(t, calls[0].cm)
}

func TestTransport_Conn_SendRejectsIPv6(t *testing.T) {
	t.Parallel()

	raw := &mockRawConn{}
	c, err := transport.NewConn(newTestLogger(t), raw)
	require.NoError(t, err)

	err = c.Send(nil, netip.MustParseAddr("ff02::d"), []byte{1})
	require.ErrorIs(t, err, transport.ErrNotIPv4)
	require.Empty(t, raw.writeCalls())
}
