// Package router consumes the bus and dispatches envelopes to connections of this process.
package router

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/nkiryanov/hotline/internal/apperrors"
	"github.com/nkiryanov/hotline/internal/bus"
	"github.com/nkiryanov/hotline/internal/events"
	"github.com/nkiryanov/hotline/internal/logger"
	"github.com/nkiryanov/hotline/internal/metrics"
	"github.com/nkiryanov/hotline/internal/registry"
)

type connections interface {
	Get(identity string) (registry.Handle, bool)
}

type fanout interface {
	Publish(e events.Envelope) int
}

type Router struct {
	channels   []string
	subscriber bus.Subscriber
	registry   connections
	hub        fanout
	logger     logger.Logger
}

func New(channels []string, subscriber bus.Subscriber, reg connections, hub fanout, l logger.Logger) *Router {
	return &Router{
		channels:   channels,
		subscriber: subscriber,
		registry:   reg,
		hub:        hub,
		logger:     l.With("component", "router"),
	}
}

// Run subscribes to every channel and dispatches until ctx is done or the bus closes.
// Returned channel is closed once every channel loop stopped.
func (r *Router) Run(ctx context.Context) (<-chan struct{}, error) {
	streams := make([]<-chan []byte, 0, len(r.channels))
	for _, channel := range r.channels {
		stream, err := r.subscriber.Subscribe(ctx, channel)
		if err != nil {
			return nil, err
		}
		streams = append(streams, stream)
	}

	idleStopped := make(chan struct{})

	var wg sync.WaitGroup
	for i, stream := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.consume(r.channels[i], stream)
		}()
	}

	go func() {
		defer close(idleStopped)
		wg.Wait()
		r.logger.Debug("Router stopped")
	}()

	return idleStopped, nil
}

func (r *Router) consume(channel string, stream <-chan []byte) {
	for data := range stream {
		r.Dispatch(channel, data)
	}
}

// Dispatch handles one raw message. Malformed ones are logged and skipped.
func (r *Router) Dispatch(channel string, data []byte) {
	l := r.logger.With("channel", channel)

	envelope, err := events.Decode(data)
	if err != nil {
		metrics.EnvelopesMalformed.WithLabelValues(channel).Inc()
		l.Warn("Malformed envelope skipped", "error", err, "size", len(data))
		return
	}

	event, err := events.Classify(envelope)
	if err != nil {
		metrics.EnvelopesMalformed.WithLabelValues(channel).Inc()
		l.Warn("Malformed envelope skipped", "error", err, "data_type", envelope.DataType)
		return
	}

	switch e := event.(type) {
	case events.Revocation:
		metrics.EnvelopesRouted.WithLabelValues(channel, "revocation").Inc()
		l := l.With("identity", e.Identity, "token_uid", e.TokenUID)

		switch err := r.revoke(e); {
		case err == nil:
			l.Info("Connection closed on revocation", "revocation_type", e.Body.RevocationType)
		case errors.Is(err, apperrors.ErrConnectionNotFound):
			l.Debug("Revocation for identity not connected here")
		default:
			l.Warn("Revoked connection closed with error", "error", err)
		}

	case events.DomainEvent:
		metrics.EnvelopesRouted.WithLabelValues(channel, "domain").Inc()
		delivered := r.hub.Publish(e.Envelope)
		l.Debug("Envelope routed",
			"event_type", e.Envelope.EventType,
			"data_type", e.Envelope.DataType,
			"receiver", e.Envelope.ReceiverUID,
			"subscribers", delivered,
		)
	}
}

// revoke closes the identity connection of this process.
// apperrors.ErrConnectionNotFound if it lives in another process or nowhere.
func (r *Router) revoke(e events.Revocation) error {
	h, ok := r.registry.Get(e.Identity)
	if !ok {
		return apperrors.ErrConnectionNotFound
	}

	reason := e.Body.Reason
	if reason == "" {
		reason = e.Body.RevocationType
	}

	err := h.Close(registry.CloseRevoked, reason)
	if err != nil && !errors.Is(err, registry.ErrClosed) {
		return fmt.Errorf("error while closing revoked connection. Err: %w", err)
	}

	return nil
}
