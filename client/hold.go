package client

import (
	"context"
	"errors"

	"pkt.systems/doclock/api"
)

// Hold acquires documentID for session and keeps it alive with a heartbeat.
// A conflict with the caller's own session resumes the lease through Renew
// instead of failing. Conflicts with other sessions return *LockedError.
func Hold(ctx context.Context, c *Client, documentID, userName string, session SessionIdentity, opts HeartbeatOptions) (*Heartbeat, error) {
	if c == nil {
		return nil, errors.New("doclock: hold requires a client")
	}
	lock, err := acquireOrResume(ctx, c, documentID, userName, session)
	if err != nil {
		return nil, err
	}
	hb, err := StartHeartbeat(ctx, c, documentID, session, opts)
	if err != nil {
		return nil, err
	}
	hb.mu.Lock()
	hb.last = lock
	hb.mu.Unlock()
	return hb, nil
}

func acquireOrResume(ctx context.Context, c *Client, documentID, userName string, session SessionIdentity) (api.Lock, error) {
	acquired, err := c.Acquire(ctx, documentID, userName, session)
	if err == nil {
		return acquired.Lock, nil
	}
	var locked *LockedError
	if !errors.As(err, &locked) || !locked.SameSession {
		return api.Lock{}, err
	}
	c.logger.Debug("client.hold.resume", "document_id", documentID)
	renewed, err := c.Renew(ctx, documentID, session)
	if err != nil {
		return api.Lock{}, err
	}
	return renewed.Lock, nil
}
