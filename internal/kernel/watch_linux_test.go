package kernel

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

type watchFixture struct {
	nl      *fakeNetlink
	clock   *clockwork.FakeClock
	changes atomic.Int32
	errCh   chan error
	cancel  context.CancelFunc
}

func startWatcher(t *testing.T, nl *fakeNetlink) (*watchFixture, context.Context) {
	t.Helper()
	f := &watchFixture{nl: nl, clock: clockwork.NewFakeClock(), errCh: make(chan error, 1)}
	w, err := NewRouteWatcher(&WatcherConfig{
		Logger:         newTestLogger(t),
		Netlink:        nl,
		Clock:          f.clock,
		Settle:         time.Second,
		InitialBackoff: time.Second,
		MaxBackoff:     4 * time.Second,
		OnChange:       func() { f.changes.Add(1) },
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(t.Context())
	f.cancel = cancel
	go func() { f.errCh <- w.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-f.errCh:
		case <-time.After(5 * time.Second):
			t.Error("watcher did not stop")
		}
	})
	return f, ctx
}

func (f *watchFixture) nextSub(t *testing.T) subscription {
	t.Helper()
	select {
	case s := <-f.nl.subs:
		return s
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}
	return subscription{}
}

func (f *watchFixture) requireChanges(t *testing.T, n int32) {
	t.Helper()
	require.Eventually(t, func() bool { return f.changes.Load() == n }, 5*time.Second, 5*time.Millisecond)
}

func v4Update(cidr string) netlink.RouteUpdate {
	_, dst, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(err)
	}
	return netlink.RouteUpdate{Type: unix.RTM_NEWROUTE, Route: netlink.Route{Dst: dst, Family: netlink.FAMILY_V4}}
}

func TestKernel_Watcher_ConfigValidate(t *testing.T) {
	t.Parallel()

	cfg := &WatcherConfig{Logger: newTestLogger(t), Netlink: newFakeNetlink(), OnChange: func() {}}
	require.NoError(t, cfg.Validate())
	require.Equal(t, defaultSettle, cfg.Settle)
	require.Equal(t, defaultInitialBackoff, cfg.InitialBackoff)
	require.Equal(t, defaultMaxBackoff, cfg.MaxBackoff)
	require.NotNil(t, cfg.Clock)

	_, err := NewRouteWatcher(&WatcherConfig{Logger: newTestLogger(t), Netlink: newFakeNetlink()})
	require.ErrorContains(t, err, "on change callback is required")
}

func TestKernel_Watcher_SettlesBurst(t *testing.T) {
	t.Parallel()

	f, ctx := startWatcher(t, newFakeNetlink())
	sub := f.nextSub(t)
	f.requireChanges(t, 1)

	sub.ch <- v4Update("192.168.0.0/16")
	sub.ch <- v4Update("192.168.1.0/24")
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	sub.ch <- v4Update("192.168.2.0/24")

	f.clock.Advance(time.Second)
	f.requireChanges(t, 2)
	require.Never(t, func() bool { return f.changes.Load() > 2 }, 50*time.Millisecond, 5*time.Millisecond)
}

func TestKernel_Watcher_ResubscribesAfterClose(t *testing.T) {
	t.Parallel()

	f, ctx := startWatcher(t, newFakeNetlink())
	sub := f.nextSub(t)
	f.requireChanges(t, 1)

	close(sub.ch)
	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	f.clock.Advance(2 * time.Second)

	f.nextSub(t)
	f.requireChanges(t, 2)
}

func TestKernel_Watcher_RetriesFailedSubscribe(t *testing.T) {
	t.Parallel()

	nl := newFakeNetlink()
	nl.subErr = errors.New("netlink unavailable")
	f, ctx := startWatcher(t, nl)

	require.NoError(t, f.clock.BlockUntilContext(ctx, 1))
	require.Zero(t, f.changes.Load())

	nl.mu.Lock()
	nl.subErr = nil
	nl.mu.Unlock()
	f.clock.Advance(4 * time.Second)

	f.nextSub(t)
	f.requireChanges(t, 1)
}

func TestKernel_Watcher_StopsOnCancel(t *testing.T) {
	t.Parallel()

	f, _ := startWatcher(t, newFakeNetlink())
	f.nextSub(t)
	f.cancel()
	select {
	case err := <-f.errCh:
		require.NoError(t, err)
		f.errCh <- nil
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestKernel_Watcher_RelevantUpdate(t *testing.T) {
	t.Parallel()

	require.True(t, relevantUpdate(v4Update("10.0.0.0/8")))
	require.True(t, relevantUpdate(netlink.RouteUpdate{}))

	local := v4Update("10.0.0.1/32")
	local.Table = unix.RT_TABLE_LOCAL
	require.False(t, relevantUpdate(local))

	v6 := v4Update("2001:db8::/32")
	v6.Family = netlink.FAMILY_V6
	require.False(t, relevantUpdate(v6))
}
