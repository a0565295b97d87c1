// Package msgspool implements a store-and-forward message spool for
// devices on unreliable links.
//
// Devices submit messages (and parts of oversized messages) whenever
// their link is up; the spool verifies, routes, and processes them, and
// holds outbound messages until the destination device next connects
// and downloads them. Delivery is at-least-once end to end: every
// inbound operation is idempotent against retransmission, and every
// outbound row survives until the device explicitly acknowledges
// receipt.
//
// # Getting Started
//
// Register a handler per message type, create the service, and start
// the background workers:
//
//	registry, err := messaging.NewRegistry([]messaging.HandlerConfig{{
//	    TypeID:       "sensor-report",
//	    Archivable:   true,
//	    Secure:       true,
//	    Asynchronous: true,
//	    Handler: messaging.HandlerFunc(
//	        func(ctx context.Context, m *message.Message) (*message.Message, error) {
//	            fmt.Printf("report from %s: %d bytes\n", m.Username, len(m.Payload))
//	            return nil, nil
//	        }),
//	}})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	cfg := config.DefaultConfig()
//	cfg.MasterKey = masterKeyBase64
//	cfg.DataDir = "/var/lib/msgspool"
//
//	svc, err := msgspool.New(cfg, registry, hostname)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer svc.Close()
//
//	if err := svc.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//
// Inbound traffic then flows through svc.Manager.SubmitMessage and
// svc.Manager.SubmitPart; device polls are served by DownloadMessages
// and DownloadParts, and confirmed with ConfirmMessage and ConfirmPart.
//
// # Subsystems
//
// The subpackages can also be used directly:
//
//   - message: the message and part model and their state machines
//   - storage: the transactional store (in-memory and bolt backends)
//   - lifecycle: the claim-and-lock engine over the store
//   - parts: splitting oversized payloads and reassembling part sets
//   - crypto: AES payload encryption and per-device key derivation
//   - messaging: the orchestrator, handler registry, and workers
//   - config: TOML configuration loading and validation
//   - errors: the error classification carried on wire result codes
//
// # Encryption
//
// Payload confidentiality uses AES-CBC under a key derived per
// (username, device) pair from a single master key, so a device only
// ever holds its own key. Encrypted messages carry a plaintext SHA-256
// hash that is verified after decryption; handlers marked Secure never
// see a payload that failed that gate.
package msgspool
