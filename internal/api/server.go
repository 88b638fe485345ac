// Package api serves the router's status as JSON over a unix socket.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const shutdownTimeout = 5 * time.Second

type ApiServer struct {
	*http.Server
	log      *slog.Logger
	sockFile string
}

type Option func(*ApiServer)

func NewApiServer(options ...Option) *ApiServer {
	api := &ApiServer{
		Server: &http.Server{ReadHeaderTimeout: 5 * time.Second},
		log:    slog.Default(),
	}
	for _, o := range options {
		o(api)
	}
	return api
}

func WithSockFile(sockFile string) Option {
	return func(a *ApiServer) {
		a.sockFile = sockFile
	}
}

func WithBaseContext(ctx context.Context) Option {
	return func(a *ApiServer) {
		a.BaseContext = func(net.Listener) context.Context { return ctx }
	}
}

func WithHandler(h http.Handler) Option {
	return func(a *ApiServer) {
		a.Handler = h
	}
}

func WithLogger(log *slog.Logger) Option {
	return func(a *ApiServer) {
		a.log = log
	}
}

// ListenAndServe serves on the configured unix socket until ctx is done. A
// stale socket file is replaced.
func (a *ApiServer) ListenAndServe(ctx context.Context) error {
	if a.sockFile == "" {
		return errors.New("api: socket file is required")
	}
	_ = unix.Unlink(a.sockFile)
	lis, err := net.Listen("unix", a.sockFile)
	if err != nil {
		return fmt.Errorf("error creating listener: %w", err)
	}
	defer unix.Unlink(a.sockFile) //nolint

	if err := os.Chmod(a.sockFile, 0o666); err != nil {
		a.log.Error("api: error setting socket file perms", "error", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Serve(lis) }()
	a.log.Info("api: serving status", "sock_file", a.sockFile)

	select {
	case <-ctx.Done():
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.Shutdown(sctx); err != nil {
			return fmt.Errorf("error shutting down api server: %w", err)
		}
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
