package router

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/transport"
)

func TestRouter_Hello_StartSendsHellos(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.StaticRPs = nil })
	h.r.Shutdown()
	h.sender.take()
	require.NoError(t, h.r.Start())

	hellos := ofType(h.sender.take(), pim.Hello)
	require.Len(t, hellos, 3)
	for _, m := range hellos {
		require.Equal(t, pim.AllPIMRouters, m.Dst)
		hm := m.Body.(*pim.HelloMessage)
		require.Equal(t, uint16(105), hm.Holdtime)
		require.True(t, hm.HasGenerationID)
		require.NotZero(t, hm.GenerationID)
		require.True(t, hm.HasDRPriority)
	}
}

func TestRouter_Hello_HigherPriorityNeighborTakesDR(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.True(t, h.vif(vifUp).IsDR())

	h.hello(t, ifIndexUp, addrUp, 5)

	v := h.vif(vifUp)
	require.Equal(t, addrUp, v.DR)
	require.False(t, v.IsDR())
	require.Equal(t, 1.0, testutil.ToFloat64(h.r.metrics.DRChanges.WithLabelValues("eth0")))

	// A new neighbor gets a triggered Hello.
	h.runEvents(TriggeredHelloDelay)
	hellos := ofType(h.sender.take(), pim.Hello)
	require.Len(t, hellos, 1)
	require.Equal(t, "eth0", hellos[0].Vif)
}

func TestRouter_Hello_LowerPriorityNeighborLeavesUsDR(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.vif(vifUp).DRPriority = 10
	h.hello(t, ifIndexUp, addrUp, 5)
	require.True(t, h.vif(vifUp).IsDR())
}

func TestRouter_Hello_AddressDecidesWithoutPriority(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.vif(vifUp).DRPriority = 100
	require.NoError(t, h.recv(ifIndexUp, addrUp, pim.AllPIMRouters, &pim.HelloMessage{
		HasHoldtime: true,
		Holdtime:    105,
	}))
	// One router omits the priority, so the highest address wins.
	require.Equal(t, addrUp, h.vif(vifUp).DR)
}

func TestRouter_Hello_GoodbyeRemovesNeighbor(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.hello(t, ifIndexUp, addrUp, 5)
	require.Len(t, h.r.Snapshot().Neighbors, 1)

	require.NoError(t, h.recv(ifIndexUp, addrUp, pim.AllPIMRouters, &pim.HelloMessage{HasHoldtime: true, Holdtime: 0}))
	require.Empty(t, h.r.Snapshot().Neighbors)
	require.True(t, h.vif(vifUp).IsDR())
}

func TestRouter_Hello_NeighborExpires(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.hello(t, ifIndexUp, addrUp, 5)

	h.advance(100 * time.Second)
	require.Len(t, h.r.Snapshot().Neighbors, 1)
	h.advance(5 * time.Second)
	require.Empty(t, h.r.Snapshot().Neighbors)
	require.True(t, h.vif(vifUp).IsDR())
}

func TestRouter_Hello_NeighborLimit(t *testing.T) {
	t.Parallel()

	h := newHarness(t, func(c *Config) { c.MaxNeighbors = 1 })
	h.hello(t, ifIndexUp, addrUp, 1)
	err := h.recv(ifIndexUp, addrPeer, pim.AllPIMRouters, &pim.HelloMessage{HasHoldtime: true, Holdtime: 105})
	require.ErrorIs(t, err, ErrTooManyNeighbors)
	require.Len(t, h.r.Snapshot().Neighbors, 1)
}

func TestRouter_Hello_PeriodicRefresh(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.advance(HelloPeriod)
	require.Len(t, ofType(h.sender.take(), pim.Hello), 3)
}

func TestRouter_Hello_ShutdownSendsGoodbye(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	h.r.Shutdown()
	hellos := ofType(h.sender.take(), pim.Hello)
	require.Len(t, hellos, 3)
	for _, m := range hellos {
		require.Zero(t, m.Body.(*pim.HelloMessage).Holdtime)
	}
}

func TestRouter_Packet_DropsLocalAndUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	require.NoError(t, h.recv(ifIndexUp, addrLocal0, pim.AllPIMRouters, &pim.HelloMessage{HasHoldtime: true, Holdtime: 105}))
	require.Empty(t, h.r.Snapshot().Neighbors)

	err := h.recv(99, addrUp, pim.AllPIMRouters, &pim.HelloMessage{HasHoldtime: true, Holdtime: 105})
	require.ErrorIs(t, err, ErrUnknownInterface)
}

func TestRouter_Packet_BadChecksumCounted(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	payload, err := pim.Serialize(&pim.HelloMessage{HasHoldtime: true, Holdtime: 105})
	require.NoError(t, err)
	payload[2] ^= 0xff

	err = h.r.HandlePacket(transport.Packet{Src: addrUp, Dst: pim.AllPIMRouters, IfIndex: ifIndexUp, Payload: payload})
	require.ErrorIs(t, err, pim.ErrBadChecksum)
	require.Equal(t, 1.0, testutil.ToFloat64(h.r.metrics.PacketsInvalid.WithLabelValues("checksum")))
	require.Empty(t, h.r.Snapshot().Neighbors)
}
