// Package messaging implements the orchestrator of the store-and-forward
// engine: it sequences de-duplication, type routing, encryption, archival,
// queueing, handler dispatch, and part fan-out/fan-in. External transports
// and background workers call into this package.
package messaging

import (
	"context"
	"fmt"

	"github.com/opd-ai/msgspool/errors"
	"github.com/opd-ai/msgspool/message"
)

// Handler processes one message of a registered type and may produce a
// response message for delivery back to the device.
type Handler interface {
	Handle(ctx context.Context, m *message.Message) (*message.Message, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, m *message.Message) (*message.Message, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, m *message.Message) (*message.Message, error) {
	return f(ctx, m)
}

// HandlerConfig declares one message type and its handler capabilities.
type HandlerConfig struct {
	// TypeID is the message type this handler serves.
	TypeID string
	// Archivable marks types whose messages are written to the audit log.
	Archivable bool
	// Secure types refuse plaintext input: an unencrypted message of a
	// secure type is rejected before any processing.
	Secure bool
	// Synchronous types are processed inline on submission.
	Synchronous bool
	// Asynchronous types are queued and processed by background workers.
	Asynchronous bool
	// Handler receives the decrypted message.
	Handler Handler
}

// Registry maps message type ids to handler capabilities. It is built
// once at startup from an explicit configuration list and passed by
// reference; there is no ambient global registration.
type Registry struct {
	entries map[string]HandlerConfig
}

// NewRegistry builds a registry from the given configurations.
func NewRegistry(configs []HandlerConfig) (*Registry, error) {
	entries := make(map[string]HandlerConfig, len(configs))
	for _, hc := range configs {
		if hc.TypeID == "" {
			return nil, fmt.Errorf("messaging: handler config with empty typeId")
		}
		if hc.Handler == nil {
			return nil, fmt.Errorf("messaging: handler for type %q is nil", hc.TypeID)
		}
		if !hc.Synchronous && !hc.Asynchronous {
			return nil, fmt.Errorf("messaging: type %q supports neither synchronous nor asynchronous processing", hc.TypeID)
		}
		if _, dup := entries[hc.TypeID]; dup {
			return nil, fmt.Errorf("messaging: duplicate handler for type %q", hc.TypeID)
		}
		entries[hc.TypeID] = hc
	}
	return &Registry{entries: entries}, nil
}

// CanProcess reports whether a handler is registered for the type.
func (r *Registry) CanProcess(typeID string) bool {
	_, ok := r.entries[typeID]
	return ok
}

// IsArchivable reports whether messages of the type are archived.
func (r *Registry) IsArchivable(typeID string) bool {
	return r.entries[typeID].Archivable
}

// IsSecure reports whether the type demands encrypted input.
func (r *Registry) IsSecure(typeID string) bool {
	return r.entries[typeID].Secure
}

// SupportsSynchronous reports whether the type can be processed inline.
func (r *Registry) SupportsSynchronous(typeID string) bool {
	return r.entries[typeID].Synchronous
}

// SupportsAsynchronous reports whether the type can be queued.
func (r *Registry) SupportsAsynchronous(typeID string) bool {
	return r.entries[typeID].Asynchronous
}

// Dispatch hands the message to its type's handler. A handler failure
// is classified as a processing failure so callers can drive the
// retry-or-fail path.
func (r *Registry) Dispatch(ctx context.Context, m *message.Message) (*message.Message, error) {
	hc, ok := r.entries[m.TypeID]
	if !ok {
		return nil, errors.Ef(errors.KindUnrecognizedType, "no handler for type %q", m.TypeID)
	}
	resp, err := hc.Handler.Handle(ctx, m)
	if err != nil {
		return nil, errors.Wrap(errors.KindProcessingFailed,
			fmt.Sprintf("handler for type %q", m.TypeID), err)
	}
	return resp, nil
}
