package router

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimd/internal/pim"
	"github.com/malbeclabs/pimd/internal/transport"
)

func TestRouter_Run_DispatchesUntilCancelled(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(t.Context())
	packets := make(chan transport.Packet, 1)
	errCh := make(chan error, 1)
	go func() { errCh <- h.r.Run(ctx, packets) }()

	payload, err := pim.Serialize(&pim.HelloMessage{HasHoldtime: true, Holdtime: 105})
	require.NoError(t, err)
	packets <- transport.Packet{Src: addrUp, Dst: pim.AllPIMRouters, IfIndex: ifIndexUp, Payload: payload}

	require.Eventually(t, func() bool {
		return len(h.r.Snapshot().Neighbors) == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}

func TestRouter_Run_ReturnsWhenPacketsClose(t *testing.T) {
	t.Parallel()

	h := newHarness(t, nil)
	packets := make(chan transport.Packet)
	errCh := make(chan error, 1)
	go func() { errCh <- h.r.Run(t.Context(), packets) }()
	close(packets)

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for Run to return")
	}
}
