//go:build linux

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lmittmann/tint"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/malbeclabs/pimd/internal/api"
	"github.com/malbeclabs/pimd/internal/config"
	"github.com/malbeclabs/pimd/internal/kernel"
	"github.com/malbeclabs/pimd/internal/router"
	"github.com/malbeclabs/pimd/internal/transport"
	"github.com/malbeclabs/pimd/internal/vif"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const (
	defaultConfigPath  = "/etc/pimd/pimd.yaml"
	defaultSockFile    = "/var/run/pimd.sock"
	defaultMetricsAddr = ":9121"

	// joinGroupTimeout bounds the retries for ALL-PIM-ROUTERS membership on
	// an interface that is still coming up.
	joinGroupTimeout = 2 * time.Minute
	packetBacklog    = 256
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() error {
	configFlag := flag.String("config", defaultConfigPath, "path to the yaml configuration file")
	sockFileFlag := flag.String("sock-file", defaultSockFile, "unix socket for the status api")
	metricsAddrFlag := flag.String("metrics-addr", defaultMetricsAddr, "address to listen on for prometheus metrics, empty to disable")
	verboseFlag := flag.Bool("verbose", false, "verbose mode - show debug logs")
	showVersionFlag := flag.Bool("version", false, "show version and exit")
	flag.Parse()

	if *showVersionFlag {
		fmt.Printf("version: %s, commit: %s, date: %s\n", version, commit, date)
		os.Exit(0)
	}

	log := newLogger(*verboseFlag)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		log.Error("failed to load config", "path", *configFlag, "error", err)
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	nl := kernel.Netlink{}
	specs, err := interfaceSpecs(nl, cfg)
	if err != nil {
		log.Error("failed to list interfaces", "error", err)
		return err
	}
	vifs := vif.NewTable()
	if err := kernel.Discover(nl, specs, vifs); err != nil {
		log.Error("failed to discover interfaces", "error", err)
		return err
	}

	mroute, err := kernel.Open(log)
	if err != nil {
		log.Error("failed to open multicast routing socket", "error", err)
		return err
	}
	defer mroute.Close()
	for _, v := range vifs.All() {
		if v.Disabled {
			continue
		}
		if err := mroute.AddVif(v); err != nil {
			log.Error("failed to add vif", "iface", v.Name, "error", err)
			return err
		}
		defer func() {
			if err := mroute.DelVif(v); err != nil {
				log.Warn("failed to delete vif", "iface", v.Name, "error", err)
			}
		}()
	}

	conn, err := transport.Listen(log)
	if err != nil {
		log.Error("failed to open pim socket", "error", err)
		return err
	}
	defer conn.Close()

	clock := clockwork.NewRealClock()
	metrics := router.NewMetrics()
	metrics.Register(prometheus.DefaultRegisterer)

	rtr, err := router.New(routerConfig(log, clock, cfg, vifs, nl, mroute, conn, metrics))
	if err != nil {
		log.Error("failed to create router", "error", err)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, v := range vifs.All() {
		if v.Register || v.Disabled {
			continue
		}
		g.Go(func() error {
			if err := conn.JoinAllRouters(gctx, v, joinGroupTimeout); err != nil && gctx.Err() == nil {
				log.Error("interface will not receive pim hellos", "iface", v.Name, "error", err)
			}
			return nil
		})
	}

	if err := rtr.Start(); err != nil {
		log.Error("failed to start router", "error", err)
		return err
	}
	defer rtr.Shutdown()
	addStaticJoins(log, rtr, vifs, cfg.StaticJoins)

	packets := make(chan transport.Packet, packetBacklog)
	g.Go(func() error {
		return transport.NewReceiver(log, conn, clock).Run(gctx, packets)
	})
	g.Go(func() error {
		return rtr.Run(gctx, packets)
	})
	g.Go(func() error {
		return mroute.ReadUpcalls(gctx, rtr)
	})

	watcher, err := kernel.NewRouteWatcher(&kernel.WatcherConfig{
		Logger:   log,
		Netlink:  nl,
		Clock:    clock,
		OnChange: rtr.RefreshRPF,
	})
	if err != nil {
		log.Error("failed to create route watcher", "error", err)
		return err
	}
	g.Go(func() error {
		return watcher.Run(gctx)
	})

	if *sockFileFlag != "" {
		srv := api.NewApiServer(
			api.WithSockFile(*sockFileFlag),
			api.WithBaseContext(gctx),
			api.WithLogger(log),
			api.WithHandler(api.NewHandler(log, rtr)),
		)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}

	if *metricsAddrFlag != "" {
		g.Go(func() error {
			return serveMetrics(gctx, log, *metricsAddrFlag)
		})
	}

	log.Info("pimd started", "version", version, "interfaces", len(specs))
	if err := g.Wait(); err != nil {
		log.Error("pimd stopped", "error", err)
		return err
	}
	log.Info("context done, stopping")
	return nil
}

// interfaceSpecs runs pim on every multicast interface, with the configured
// overrides applied. Interfaces named in the config are used even when they
// are down, so a misconfiguration surfaces at startup.
func interfaceSpecs(nl kernel.Netlinker, cfg *config.Config) ([]kernel.InterfaceSpec, error) {
	names, err := kernel.MulticastInterfaces(nl)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var specs []kernel.InterfaceSpec
	add := func(name string) {
		if seen[name] {
			return
		}
		seen[name] = true
		spec := kernel.InterfaceSpec{Name: name, DRPriority: config.DefaultDRPriority}
		if iface, ok := cfg.Interface(name); ok {
			spec.DRPriority = iface.Priority()
			spec.Disabled = iface.Disabled
		}
		specs = append(specs, spec)
	}
	for _, iface := range cfg.Interfaces {
		add(iface.Name)
	}
	for _, name := range names {
		add(name)
	}
	return specs, nil
}

func routerConfig(log *slog.Logger, clock clockwork.Clock, cfg *config.Config, vifs *vif.Table, nl kernel.Netlinker, fwd *kernel.MRoute, conn *transport.Conn, metrics *router.Metrics) *router.Config {
	rc := &router.Config{
		Logger:            log,
		Clock:             clock,
		Vifs:              vifs,
		RPF:               kernel.NewRPF(nl, vifs),
		Forwarder:         fwd,
		Sender:            conn,
		Metrics:           metrics,
		MaxRoutes:         cfg.MaxRoutes,
		MaxNeighbors:      cfg.MaxNeighbors,
		SSMRange:          cfg.SSMRange,
		RegisterRate:      rate.Limit(cfg.RegisterRate),
		RegisterBurst:     cfg.RegisterBurst,
		DefaultPreference: cfg.DefaultRoutePreference,
		DefaultMetric:     cfg.DefaultRouteMetric,
	}
	if c := cfg.CandRP; c != nil {
		rc.CandRP = &router.CandRPConfig{
			Addr:     c.Address,
			Priority: c.Priority,
			Interval: c.Interval,
			Holdtime: c.Holdtime,
			Groups:   c.Groups,
		}
	}
	if c := cfg.CandBSR; c != nil {
		rc.CandBSR = &router.CandBSRConfig{
			Addr:        c.Address,
			Priority:    c.Priority,
			HashMaskLen: c.HashMaskLen,
		}
	}
	for _, s := range cfg.StaticRPs {
		rc.StaticRPs = append(rc.StaticRPs, router.StaticRP{
			Addr:     s.Address,
			Priority: s.Priority,
			Groups:   s.Groups,
		})
	}
	return rc
}

// addStaticJoins stands in for IGMP membership on the configured interfaces.
func addStaticJoins(log *slog.Logger, rtr *router.Router, vifs *vif.Table, joins []config.StaticJoin) {
	for _, j := range joins {
		v, ok := vifs.ByName(j.Interface)
		if !ok {
			log.Warn("static join on unknown interface", "iface", j.Interface, "group", j.Group)
			continue
		}
		if err := rtr.AddLeaf(v.Index, j.Source, j.Group); err != nil {
			log.Warn("failed to add static join", "iface", j.Interface, "src", j.Source, "group", j.Group, "error", err)
		}
	}
}

func serveMetrics(ctx context.Context, log *slog.Logger, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(sctx)
	}()
	log.Info("Prometheus metrics server listening", "address", listener.Addr().String())
	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("prometheus metrics server: %w", err)
	}
	return nil
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level: logLevel,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			if s, ok := a.Value.Any().(string); ok && s == "" {
				return slog.Attr{}
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	t = t.UTC()
	base := t.Format("2006-01-02T15:04:05")
	ms := t.Nanosecond() / 1_000_000
	return fmt.Sprintf("%s.%03dZ", base, ms)
}
