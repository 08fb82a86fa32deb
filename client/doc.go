// Package client provides the Go SDK for talking to a doclock server over HTTP.
// It mirrors the CLI behaviour while exposing a type-safe API that is easy to
// embed in editors, workers and administrative tools.
//
// # Quick start
//
// Construct a client with `client.New`. The URL scheme decides the transport:
//
//   - https://host:9341 – TLS terminated by the server or a proxy
//   - http://host:9341 – plaintext for trusted networks or local testing
//   - unix:///path/to/doclock.sock – Unix-domain sockets when the server listens on a local socket
//
// Every lease call takes an explicit SessionIdentity. Mint one per editing
// session and keep it for as long as the session lives:
//
//	ctx := context.Background()
//	cli, err := client.New("http://doclock.internal:9341")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer cli.Close()
//
//	session := client.NewSessionIdentity()
//	hold, err := client.Hold(ctx, cli, "doc-42", "Ana", session, client.HeartbeatOptions{
//	    OnLost: func(err error) { log.Printf("edit lease lost: %v", err) },
//	})
//	if client.IsLocked(err) {
//	    var locked *client.LockedError
//	    errors.As(err, &locked)
//	    log.Printf("document is being edited by %s", locked.UserName)
//	    return
//	}
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer hold.Close()
//
// # Leases and heartbeats
//
// A lease lives for the server's TTL (five minutes by default) after its last
// heartbeat. `StartHeartbeat` renews on a fixed period (sixty seconds by
// default). The first failed renewal is reported as lease loss exactly once,
// through `HeartbeatOptions.OnLost` and the `Lost()` channel, and the
// heartbeat stops. It never re-acquires on its own: the document may have been
// edited by someone else in the meantime.
//
// `Heartbeat.Close` stops renewing and issues a best-effort release on a
// detached goroutine. Close never blocks; the server stays correct without the
// release because expired leases are reclaimed on the next read.
//
// # Conflicts
//
// Acquire refuses a live lease with a *LockedError that carries the holder's
// user name and timestamps. SameSession reports that the caller's own session
// already holds the lease, typically after a reload; Hold resumes such leases
// through Renew. Other failures surface as *APIError with the server's error
// code, the raw body and a parsed Retry-After hint for throttled or draining
// servers.
package client
