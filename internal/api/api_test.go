package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/malbeclabs/pimd/internal/mrt"
	"github.com/malbeclabs/pimd/internal/router"
)

var (
	grpA = netip.MustParseAddr("239.1.1.1")
	grpB = netip.MustParseAddr("239.2.2.2")
	srcA = netip.MustParseAddr("10.0.2.50")
	rpA  = netip.MustParseAddr("10.0.0.1")
)

type fakeSource struct {
	snap   router.Snapshot
	routes map[netip.Addr]router.RouteInfo
}

func (f *fakeSource) Snapshot() router.Snapshot { return f.snap }

func (f *fakeSource) Route(src, grp netip.Addr, kinds mrt.Kinds) (router.RouteInfo, bool) {
	if src.IsValid() && kinds&mrt.MatchSG != 0 {
		for _, rt := range f.snap.Routes {
			if rt.Kind == "sg" && rt.Source == src && rt.Group == grp {
				return rt, true
			}
		}
	}
	rt, ok := f.routes[grp]
	return rt, ok
}

func (f *fakeSource) RP(grp netip.Addr) (netip.Addr, bool) {
	if grp == grpA {
		return rpA, true
	}
	return netip.Addr{}, false
}

func newFakeSource() *fakeSource {
	wc := router.RouteInfo{Kind: "wc", Group: grpA, IIF: "eth0", Upstream: rpA, Oifs: []string{"eth1"}}
	return &fakeSource{
		snap: router.Snapshot{
			Interfaces: []router.InterfaceInfo{{Name: "eth0", Addr: netip.MustParseAddr("10.0.1.1"), IsDR: true}},
			Neighbors:  []router.NeighborInfo{{Iface: "eth0", Addr: netip.MustParseAddr("10.0.1.2"), Holdtime: 105 * time.Second}},
			Routes: []router.RouteInfo{
				wc,
				{Kind: "sg", Source: srcA, Group: grpA, IIF: "eth1"},
				{Kind: "wc", Group: grpB, IIF: "eth0"},
			},
			RPs: []router.RPInfo{{RP: rpA, Prefix: netip.MustParsePrefix("224.0.0.0/4"), Static: true}},
			BSR: router.BSRInfo{Addr: rpA, Priority: 7, Elected: true},
		},
		routes: map[netip.Addr]router.RouteInfo{grpA: wc},
	}
}

func getJSON(t *testing.T, srv *httptest.Server, path string, wantStatus int, out any) {
	t.Helper()
	resp, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, wantStatus, resp.StatusCode)
	if out != nil {
		require.Equal(t, "application/json", resp.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
}

func TestAPI_Handler_Endpoints(t *testing.T) {
	t.Parallel()

	src := newFakeSource()
	srv := httptest.NewServer(NewHandler(newTestLogger(t), src))
	t.Cleanup(srv.Close)

	var snap router.Snapshot
	getJSON(t, srv, "/status", http.StatusOK, &snap)
	if diff := cmp.Diff(src.snap, snap, cmp.Comparer(func(a, b netip.Addr) bool { return a == b }), cmp.Comparer(func(a, b netip.Prefix) bool { return a == b })); diff != "" {
		t.Fatalf("snapshot mismatch (-want +got):\n%s", diff)
	}

	var nbrs []router.NeighborInfo
	getJSON(t, srv, "/neighbors", http.StatusOK, &nbrs)
	require.Len(t, nbrs, 1)
	require.Equal(t, 105*time.Second, nbrs[0].Holdtime)

	var ifaces []router.InterfaceInfo
	getJSON(t, srv, "/interfaces", http.StatusOK, &ifaces)
	require.Equal(t, "eth0", ifaces[0].Name)

	var bsr router.BSRInfo
	getJSON(t, srv, "/bsr", http.StatusOK, &bsr)
	require.True(t, bsr.Elected)
	require.Equal(t, uint8(7), bsr.Priority)

	var rps []router.RPInfo
	getJSON(t, srv, "/rp", http.StatusOK, &rps)
	require.Equal(t, rpA, rps[0].RP)
}

func TestAPI_Handler_RoutesFilter(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(newTestLogger(t), newFakeSource()))
	t.Cleanup(srv.Close)

	var routes []router.RouteInfo
	getJSON(t, srv, "/routes", http.StatusOK, &routes)
	require.Len(t, routes, 3)

	routes = nil
	getJSON(t, srv, "/routes?group=239.1.1.1", http.StatusOK, &routes)
	require.Len(t, routes, 2)
	for _, rt := range routes {
		require.Equal(t, grpA, rt.Group)
	}

	routes = nil
	getJSON(t, srv, "/routes?group=239.9.9.9", http.StatusOK, &routes)
	require.NotNil(t, routes)
	require.Empty(t, routes)

	getJSON(t, srv, "/routes?group=nope", http.StatusBadRequest, nil)
}

func TestAPI_Handler_RouteLookup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(newTestLogger(t), newFakeSource()))
	t.Cleanup(srv.Close)

	var rt router.RouteInfo
	getJSON(t, srv, "/route?group=239.1.1.1&source=10.0.2.50", http.StatusOK, &rt)
	require.Equal(t, "sg", rt.Kind)

	getJSON(t, srv, "/route?group=239.1.1.1&source=10.9.9.9", http.StatusOK, &rt)
	require.Equal(t, "wc", rt.Kind)

	getJSON(t, srv, "/route?group=239.3.3.3", http.StatusNotFound, nil)
	getJSON(t, srv, "/route", http.StatusBadRequest, nil)
	getJSON(t, srv, "/route?group=239.1.1.1&source=x", http.StatusBadRequest, nil)
}

func TestAPI_Handler_RPForGroup(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(newTestLogger(t), newFakeSource()))
	t.Cleanup(srv.Close)

	var m RPMatch
	getJSON(t, srv, "/rp?group=239.1.1.1", http.StatusOK, &m)
	require.Equal(t, RPMatch{Group: grpA, RP: rpA}, m)

	getJSON(t, srv, "/rp?group=239.2.2.2", http.StatusNotFound, nil)
	getJSON(t, srv, "/rp?group=10.0.0.1", http.StatusBadRequest, nil)
}

func TestAPI_Handler_MethodNotAllowed(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(NewHandler(newTestLogger(t), newFakeSource()))
	t.Cleanup(srv.Close)

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestAPI_Server_UnixSocketRoundTrip(t *testing.T) {
	t.Parallel()

	dir, err := os.MkdirTemp("/tmp", "pimd-api")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	sock := filepath.Join(dir, "pimd.sock")
	// a stale socket file from an earlier run is replaced
	require.NoError(t, os.WriteFile(sock, nil, 0o600))

	ctx, cancel := context.WithCancel(t.Context())
	log := newTestLogger(t)
	srv := NewApiServer(
		WithSockFile(sock),
		WithBaseContext(ctx),
		WithLogger(log),
		WithHandler(NewHandler(log, newFakeSource())),
	)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe(ctx) }()

	client := NewClient(sock)
	var snap router.Snapshot
	require.Eventually(t, func() bool {
		snap, err = client.Status(ctx)
		return err == nil
	}, 5*time.Second, 10*time.Millisecond)
	require.Len(t, snap.Routes, 3)

	routes, err := client.Routes(ctx, "239.2.2.2")
	require.NoError(t, err)
	require.Len(t, routes, 1)

	m, err := client.RPFor(ctx, "239.1.1.1")
	require.NoError(t, err)
	require.Equal(t, rpA, m.RP)

	_, err = client.RPFor(ctx, "239.2.2.2")
	require.ErrorContains(t, err, "404")

	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("api server did not stop")
	}
	_, err = os.Stat(sock)
	require.True(t, os.IsNotExist(err))
}

func TestAPI_Server_RequiresSockFile(t *testing.T) {
	t.Parallel()

	err := NewApiServer().ListenAndServe(t.Context())
	require.ErrorContains(t, err, "socket file is required")
}
