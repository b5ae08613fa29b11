// Package natsbridge republishes handheld events on NATS so other services
// can consume reads without holding a WebSocket open.
package natsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotside-studios/handheld-agent/buildinfo"
	"github.com/dotside-studios/handheld-agent/handheld"
	"github.com/dotside-studios/handheld-agent/protocol"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rs/zerolog"
)

// DefaultSubjectPrefix is the first token of every published subject.
const DefaultSubjectPrefix = "handheld"

const publishTimeout = 5 * time.Second

// Config selects the NATS server and how events are published.
type Config struct {
	URL           string
	SubjectPrefix string
	// Stream, when set, publishes through JetStream into this stream, which
	// is created if missing. Duplicate event IDs are dropped by the server.
	Stream string
}

// Sink delivers one message.
type Sink interface {
	Publish(ctx context.Context, msg *nats.Msg) error
}

type coreSink struct{ conn *nats.Conn }

func (s coreSink) Publish(_ context.Context, msg *nats.Msg) error {
	return s.conn.PublishMsg(msg)
}

type streamSink struct{ js jetstream.JetStream }

func (s streamSink) Publish(ctx context.Context, msg *nats.Msg) error {
	_, err := s.js.PublishMsg(ctx, msg)
	return err
}

// Publisher is a handheld.Subscriber that publishes every event as JSON on
// <prefix>.<backend>.<eventType>. The event ID travels in the Nats-Msg-Id
// header.
type Publisher struct {
	handheld.NopSubscriber

	sink   Sink
	prefix string
	conn   *nats.Conn
	log    zerolog.Logger
}

// NewPublisher creates a publisher writing to sink.
func NewPublisher(sink Sink, prefix string, logger zerolog.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Publisher{
		sink:   sink,
		prefix: strings.TrimSuffix(prefix, "."),
		log:    logger.With().Str("component", "natsbridge").Logger(),
	}
}

// Dial connects to NATS and returns a publisher owning the connection.
func Dial(cfg Config, logger zerolog.Logger) (*Publisher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	log := logger.With().Str("component", "natsbridge").Logger()

	conn, err := nats.Connect(cfg.URL,
		nats.Name(buildinfo.UserAgent()),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	var sink Sink = coreSink{conn: conn}
	prefix := cfg.SubjectPrefix
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if cfg.Stream != "" {
		js, err := jetstream.New(conn)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create JetStream context: %w", err)
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:        cfg.Stream,
			Description: "Handheld reader events",
			Subjects:    []string{prefix + ".>"},
			Duplicates:  2 * time.Minute,
			MaxAge:      24 * time.Hour,
		}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("failed to create stream %s: %w", cfg.Stream, err)
		}
		sink = streamSink{js: js}
	}

	p := NewPublisher(sink, prefix, logger)
	p.conn = conn
	log.Info().Str("url", cfg.URL).Str("prefix", prefix).Str("stream", cfg.Stream).Msg("NATS bridge connected")
	return p, nil
}

// Subject returns the subject ev is published on.
func (p *Publisher) Subject(ev handheld.Event) string {
	return p.prefix + "." + ev.Backend.String() + "." + ev.Type.String()
}

// ReceiveEvent implements handheld.EventReceiver.
func (p *Publisher) ReceiveEvent(ev handheld.Event) {
	data, err := json.Marshal(protocol.FromEvent(ev))
	if err != nil {
		p.log.Error().Err(err).Stringer("type", ev.Type).Msg("Failed to marshal event")
		return
	}

	msg := nats.NewMsg(p.Subject(ev))
	msg.Data = data
	msg.Header.Set(nats.MsgIdHdr, ev.ID)
	msg.Header.Set("Content-Type", "application/json")

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	if err := p.sink.Publish(ctx, msg); err != nil {
		p.log.Warn().Err(err).Str("subject", msg.Subject).Msg("Failed to publish event")
		return
	}
	p.log.Debug().Str("subject", msg.Subject).Str("id", ev.ID).Msg("Published event")
}

// Close drains the connection opened by Dial.
func (p *Publisher) Close() error {
	if p.conn == nil {
		return nil
	}
	return p.conn.Drain()
}
