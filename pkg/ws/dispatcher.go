package ws

import (
	"context"
	"errors"
)

// ErrUnknownType is returned when no handler is registered for a message type.
var ErrUnknownType = errors.New("ws: unknown message type")

// Handler processes one raw socket message of a registered type.
type Handler interface {
	Handle(ctx context.Context, raw []byte) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, raw []byte) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, raw []byte) error {
	return f(ctx, raw)
}

// Dispatcher routes raw messages to handlers keyed by the envelope type.
type Dispatcher struct {
	handlers map[string]Handler
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler)}
}

// Register binds a handler to a message type.
func (d *Dispatcher) Register(msgType string, handler Handler) {
	d.handlers[msgType] = handler
}

// RegisterFunc binds a handler function to a message type.
func (d *Dispatcher) RegisterFunc(msgType string, handler HandlerFunc) {
	d.handlers[msgType] = handler
}

// HasHandler reports whether a handler is registered for the type.
func (d *Dispatcher) HasHandler(msgType string) bool {
	_, ok := d.handlers[msgType]
	return ok
}

// Dispatch probes the envelope and invokes the matching handler.
func (d *Dispatcher) Dispatch(ctx context.Context, raw []byte) error {
	env, err := Peek(raw)
	if err != nil {
		return err
	}
	handler, ok := d.handlers[env.Type]
	if !ok {
		return ErrUnknownType
	}
	return handler.Handle(ctx, raw)
}
