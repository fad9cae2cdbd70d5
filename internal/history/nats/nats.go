package nats

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/loykin/airship/internal/history"
)

// DefaultSubject is used when the DSN carries no path.
const DefaultSubject = "airship.history"

// Sink publishes history events as JSON on a NATS subject.
type Sink struct {
	nc      *nats.Conn
	subject string
}

// New connects to NATS. DSN format: nats://host:port/subject.
func New(dsn string, logger *slog.Logger) (*Sink, error) {
	serverURL, subject, err := ParseDSN(dsn)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []nats.Option{
		nats.Name("airship-history"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(serverURL, opts...)
	if err != nil {
		return nil, err
	}
	return &Sink{nc: nc, subject: subject}, nil
}

// ParseDSN splits a nats:// DSN into the server URL and the subject.
func ParseDSN(dsn string) (serverURL, subject string, err error) {
	u, err := url.Parse(strings.TrimSpace(dsn))
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "nats" && u.Scheme != "tls" {
		return "", "", errors.New("nats DSN must use nats:// or tls:// scheme")
	}
	if u.Host == "" {
		return "", "", errors.New("nats DSN missing host")
	}
	subject = strings.ReplaceAll(strings.Trim(u.Path, "/"), "/", ".")
	if subject == "" {
		subject = DefaultSubject
	}
	u.Path = ""
	u.RawQuery = ""
	return u.String(), subject, nil
}

// Subject returns the subject events are published on.
func (s *Sink) Subject() string { return s.subject }

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	if s.nc == nil || s.nc.IsClosed() {
		return errors.New("nats not connected")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return s.nc.Publish(s.subject, payload)
}

func (s *Sink) Close() error {
	if s.nc == nil {
		return nil
	}
	err := s.nc.Drain()
	s.nc.Close()
	return err
}
