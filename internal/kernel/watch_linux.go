package kernel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const (
	defaultSettle         = time.Second
	defaultInitialBackoff = time.Second
	defaultMaxBackoff     = 30 * time.Second
)

var errSubscriptionClosed = errors.New("kernel: route subscription closed")

type WatcherConfig struct {
	Logger  *slog.Logger
	Netlink Netlinker
	Clock   clockwork.Clock

	// Settle is how long a burst of route changes is collected before
	// OnChange runs once for all of them.
	Settle         time.Duration
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// OnChange is called after the unicast routing table changed, and once
	// after every (re)subscription to cover changes missed in between.
	OnChange func()
}

func (c *WatcherConfig) Validate() error {
	if c.Logger == nil {
		return errors.New("logger is required")
	}
	if c.Netlink == nil {
		return errors.New("netlink is required")
	}
	if c.OnChange == nil {
		return errors.New("on change callback is required")
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	if c.Settle == 0 {
		c.Settle = defaultSettle
	}
	if c.InitialBackoff == 0 {
		c.InitialBackoff = defaultInitialBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = defaultMaxBackoff
	}
	return nil
}

// RouteWatcher follows IPv4 unicast route changes over netlink.
type RouteWatcher struct {
	log *slog.Logger
	cfg *WatcherConfig
}

func NewRouteWatcher(cfg *WatcherConfig) (*RouteWatcher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("error validating watcher config: %w", err)
	}
	return &RouteWatcher{log: cfg.Logger, cfg: cfg}, nil
}

// Run watches until ctx is done, resubscribing with exponential backoff
// whenever the subscription fails.
func (w *RouteWatcher) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	bo.InitialInterval = w.cfg.InitialBackoff
	bo.MaxInterval = w.cfg.MaxBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		subscribed, err := w.watch(ctx)
		if err == nil {
			continue
		}
		if subscribed {
			bo.Reset()
		}
		wait := bo.NextBackOff()
		w.log.Warn("kernel: route subscription lost", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
			return nil
		case <-w.cfg.Clock.After(wait):
		}
	}
}

func (w *RouteWatcher) watch(ctx context.Context) (bool, error) {
	ch := make(chan netlink.RouteUpdate, 64)
	done := make(chan struct{})
	defer close(done)
	errCh := make(chan error, 1)
	onError := func(err error) {
		select {
		case errCh <- err:
		default:
		}
	}
	if err := w.cfg.Netlink.RouteSubscribe(ch, done, onError); err != nil {
		return false, fmt.Errorf("error subscribing to route updates: %w", err)
	}
	w.log.Debug("kernel: subscribed to route updates")
	w.cfg.OnChange()

	var settle clockwork.Timer
	var settleC <-chan time.Time
	defer func() {
		if settle != nil {
			settle.Stop()
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return true, nil
		case u, ok := <-ch:
			if !ok {
				select {
				case err := <-errCh:
					return true, err
				default:
					return true, errSubscriptionClosed
				}
			}
			if !relevantUpdate(u) || settle != nil {
				continue
			}
			settle = w.cfg.Clock.NewTimer(w.cfg.Settle)
			settleC = settle.Chan()
		case <-settleC:
			settle, settleC = nil, nil
			w.cfg.OnChange()
		}
	}
}

func relevantUpdate(u netlink.RouteUpdate) bool {
	if u.Table == unix.RT_TABLE_LOCAL {
		return false
	}
	if u.Family != 0 && u.Family != netlink.FAMILY_V4 {
		return false
	}
	return u.Dst == nil || u.Dst.IP.To4() != nil
}
