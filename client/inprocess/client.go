// Package inprocess runs a doclock server inside the current process and
// hands back a client wired to it over a private unix socket.
package inprocess

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"pkt.systems/doclock"
	"pkt.systems/doclock/api"
	doclockclient "pkt.systems/doclock/client"
)

// Client provides the doclock client API backed by an in-process server instance.
type Client struct {
	inner     *doclockclient.Client
	server    *doclock.Server
	stop      func(context.Context) error
	cleanup   func()
	closeOnce sync.Once
	closeErr  error
}

// New starts an in-process doclock server and returns a client connected to
// it. The returned client should be closed when no longer needed to release
// resources.
// Example:
//
//	ctx := context.Background()
//	cfg := doclock.Config{Store: "mem://"}
//	inproc, err := inprocess.New(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer inproc.Close(ctx)
func New(ctx context.Context, cfg doclock.Config, opts ...doclock.Option) (*Client, error) {
	if cfg.ListenProto == "" {
		cfg.ListenProto = "unix"
	}
	if cfg.ListenProto != "unix" {
		return nil, fmt.Errorf("inprocess: only unix sockets are supported; set ListenProto to 'unix'")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	socketDir, err := os.MkdirTemp("", "doclock-inproc-")
	if err != nil {
		return nil, err
	}
	cleanup := func() { _ = os.RemoveAll(socketDir) }

	if cfg.Listen == "" {
		cfg.Listen = filepath.Join(socketDir, "doclock.sock")
	}

	srv, stop, err := doclock.StartServer(ctx, cfg, opts...)
	if err != nil {
		cleanup()
		return nil, err
	}

	clientOpts := []doclockclient.Option{}
	if cfg.AdminToken != "" {
		clientOpts = append(clientOpts, doclockclient.WithAdminToken(cfg.AdminToken))
	}
	cli, err := doclockclient.New("unix://"+cfg.Listen, clientOpts...)
	if err != nil {
		_ = stop(context.Background())
		cleanup()
		return nil, err
	}

	c := &Client{
		inner:   cli,
		server:  srv,
		stop:    stop,
		cleanup: cleanup,
	}
	return c, nil
}

// Close shuts down the embedded server and releases resources.
func (c *Client) Close(ctx context.Context) error {
	c.closeOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		if c.inner != nil {
			_ = c.inner.Close()
		}
		if c.stop != nil {
			if err := c.stop(ctx); err != nil {
				c.closeErr = err
			}
		}
		if c.cleanup != nil {
			c.cleanup()
		}
	})
	return c.closeErr
}

// Server exposes the embedded server, e.g. to trigger ReapNow in tests.
func (c *Client) Server() *doclock.Server {
	return c.server
}

// Client returns the underlying HTTP client for helpers such as Hold.
func (c *Client) Client() *doclockclient.Client {
	return c.inner
}

// Inspect proxies to the embedded client Inspect call.
func (c *Client) Inspect(ctx context.Context, documentID string) (*api.InspectResponse, error) {
	return c.inner.Inspect(ctx, documentID)
}

// Acquire proxies to the embedded client Acquire call.
func (c *Client) Acquire(ctx context.Context, documentID, userName string, session doclockclient.SessionIdentity) (*api.AcquireResponse, error) {
	return c.inner.Acquire(ctx, documentID, userName, session)
}

// Renew forwards heartbeat requests to the embedded client.
func (c *Client) Renew(ctx context.Context, documentID string, session doclockclient.SessionIdentity) (*api.RenewResponse, error) {
	return c.inner.Renew(ctx, documentID, session)
}

// Release sends the release request through the embedded client.
func (c *Client) Release(ctx context.Context, documentID string, session doclockclient.SessionIdentity) (*api.ReleaseResponse, error) {
	return c.inner.Release(ctx, documentID, session)
}

// ListLocks returns the lock directory.
func (c *Client) ListLocks(ctx context.Context) (*api.ListLocksResponse, error) {
	return c.inner.ListLocks(ctx)
}

// Hold acquires documentID and keeps the lease alive until the returned
// heartbeat is closed.
func (c *Client) Hold(ctx context.Context, documentID, userName string, session doclockclient.SessionIdentity, opts doclockclient.HeartbeatOptions) (*doclockclient.Heartbeat, error) {
	return doclockclient.Hold(ctx, c.inner, documentID, userName, session, opts)
}
