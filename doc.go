// Package doclock exposes the Go APIs behind a single-binary document locking
// service. Editors acquire a short lease on a document id, renew it with
// periodic heartbeats, and release it when they close the document. A lease
// that stops being renewed lapses after the configured TTL (five minutes by
// default) and the next acquirer takes over. The server is designed to run
// cleanly as PID 1, but the package also makes it easy to embed the server or
// talk to doclock from Go clients.
//
// # Running a server
//
// The server listens on the network specified by `Config.ListenProto` (default
// `tcp`) and address `Config.Listen` (default `:9341`). HTTP/1.1 and
// cleartext HTTP/2 are served on the same port.
//
//	cfg := doclock.Config{
//	    Store:       "disk:///var/lib/doclock",
//	    Listen:      ":9341",
//	    AdminToken:  os.Getenv("DOCLOCK_ADMIN_TOKEN"),
//	}
//	srv, err := doclock.NewServer(cfg)
//	if err != nil { log.Fatal(err) }
//	go func() {
//	    if err := srv.Start(); err != nil {
//	        log.Fatalf("doclock: %v", err)
//	    }
//	}()
//	defer srv.Shutdown(context.Background())
//
// Shutdown first drains for `Config.DrainGrace` (default 10 s): `/readyz`
// reports 503, new acquisitions fail with `shutdown_draining` and a
// `Retry-After` hint, and every response carries `Shutdown-Imminent: true`.
// Renewals and releases keep working so holders can hand documents back
// cleanly. The HTTP server, reaper, storage backend and telemetry are then
// stopped in that order.
//
// # Unix domain sockets
//
// For same-host sidecars set `ListenProto` to "unix". Stale sockets are
// removed on start and the socket file is cleaned up on shutdown.
//
//	cfg := doclock.Config{
//	    Store:       "mem://",
//	    ListenProto: "unix",
//	    Listen:      "/var/run/doclock.sock",
//	}
//	srv, stop, err := doclock.StartServer(ctx, cfg)
//	if err != nil { log.Fatal(err) }
//	defer stop(context.Background())
//
// # Client SDK
//
// The Go client (`pkt.systems/doclock/client`) wraps the HTTP API. The base
// URL decides the transport: `http://host:9341`, `https://host:9341`, or
// `unix:///path/to/doclock.sock`. Every editor instance mints one
// `client.SessionIdentity` and uses it for all of its leases.
//
//	cli, err := client.New("http://doclock.internal:9341")
//	if err != nil { log.Fatal(err) }
//	session := client.NewSessionIdentity()
//	hb, err := client.Hold(ctx, cli, "reports/q3.docx", "Ana", session, client.HeartbeatOptions{
//	    OnLost: func(err error) { log.Printf("lost edit lock: %v", err) },
//	})
//	if client.IsLocked(err) { /* show who holds it */ }
//	defer hb.Close()
//
// A heartbeat that fails to renew reports the loss exactly once and stops; it
// never re-acquires behind the user's back.
//
// # Storage backends
//
// Configure the storage layer via `Config.Store`:
//
//   - `mem://` – in-memory (tests and local experimentation)
//   - `disk:///var/lib/doclock` – one file per lock on local disk
//   - `s3://host:port/bucket` – MinIO or other S3-compatible stores
//   - `aws://bucket/prefix` – AWS S3 (standard credential chain, requires region)
//   - `azure://account/container` – Azure Blob Storage (Shared Key or SAS auth)
//   - `postgres://user@host/db?table=doclock_kv` – a single PostgreSQL table
//   - `redis://host:6379/0?prefix=doclock:` – Redis keys
//   - `etcd://host:2379,host2:2379/doclock` – etcd v3 keys
//
// Backends that support conditional writes get atomic compare-and-swap
// semantics; the rest fall back to read-check-write with the documented race.
//
// # Host pressure guard
//
// Each server samples host memory, swap, load and CPU and throttles new
// acquisitions with 503 `throttled` plus `Retry-After` when the host is
// overloaded. Renewals and releases are never throttled.
package doclock
