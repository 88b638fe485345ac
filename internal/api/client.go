package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"

	"github.com/malbeclabs/pimd/internal/router"
)

// Client reads the status API over the daemon's unix socket.
type Client struct {
	http *http.Client
}

func NewClient(sockFile string) *Client {
	return &Client{http: &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, "unix", sockFile)
			},
		},
	}}
}

func (c *Client) Status(ctx context.Context) (router.Snapshot, error) {
	var s router.Snapshot
	err := c.get(ctx, "/status", nil, &s)
	return s, err
}

func (c *Client) Routes(ctx context.Context, group string) ([]router.RouteInfo, error) {
	q := url.Values{}
	if group != "" {
		q.Set("group", group)
	}
	var routes []router.RouteInfo
	err := c.get(ctx, "/routes", q, &routes)
	return routes, err
}

func (c *Client) RPFor(ctx context.Context, group string) (RPMatch, error) {
	var m RPMatch
	err := c.get(ctx, "/rp", url.Values{"group": {group}}, &m)
	return m, err
}

func (c *Client) get(ctx context.Context, path string, q url.Values, out any) error {
	u := url.URL{Scheme: "http", Host: "pimd", Path: path, RawQuery: q.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("error during request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s: %s", path, resp.Status, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("error decoding %s: %w", path, err)
	}
	return nil
}
