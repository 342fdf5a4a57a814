// Package events publishes instance lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/jbweber/kiln/api/v1alpha1"
)

// DefaultSubjectPrefix is prepended to the event type to form the subject,
// e.g. "kiln.events.instance.started".
const DefaultSubjectPrefix = "kiln.events"

// conn is the subset of *nats.Conn the publisher uses.
type conn interface {
	Publish(subject string, data []byte) error
	IsClosed() bool
	Drain() error
	Close()
}

// Publisher sends InstanceEvents as JSON messages.
type Publisher struct {
	nc     conn
	prefix string
	log    *zap.Logger
}

// Options configures a NATS connection.
type Options struct {
	URL           string
	SubjectPrefix string
	// Name identifies the connection on the server. Defaults to "kiln".
	Name   string
	Logger *zap.Logger
}

// NewPublisher connects to the NATS server at opts.URL. The connection
// reconnects forever; publishes made while disconnected are buffered by the
// client.
func NewPublisher(opts Options) (*Publisher, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	if opts.Name == "" {
		opts.Name = "kiln"
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}

	nc, err := nats.Connect(opts.URL,
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats at %s: %w", opts.URL, err)
	}
	return newPublisher(nc, opts.SubjectPrefix, log), nil
}

func newPublisher(nc conn, prefix string, log *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: strings.TrimSuffix(prefix, "."), log: log}
}

// Subject returns the subject an event of type t is published on.
func (p *Publisher) Subject(t v1alpha1.EventType) string {
	return p.prefix + "." + string(t)
}

// Publish sends event. It does not wait for the server to acknowledge.
func (p *Publisher) Publish(ctx context.Context, event v1alpha1.InstanceEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	subject := p.Subject(event.Type)
	if err := p.nc.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	p.log.Debug("published event", zap.String("subject", subject), zap.String("instance_id", event.InstanceID))
	return nil
}

// Close flushes pending messages and closes the connection.
func (p *Publisher) Close() error {
	if p.nc == nil || p.nc.IsClosed() {
		return nil
	}
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("failed to drain nats connection: %w", err)
	}
	return nil
}
