// Package broker publishes signed JSON messages on NATS JetStream.
package broker

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nats-io/nats.go"
)

const HeaderRetryCount = "x-retry-count"

const (
	notificationRetries = 5
	defaultRetries      = 1
)

var ErrEmptySecret = errors.New("empty message signing secret")

// Envelope is the wire format: the JSON message plus an HMAC-SHA256 of it so
// consumers can reject messages not produced by this service.
type Envelope struct {
	Message json.RawMessage `json:"message"`
	Hash    string          `json:"hash"`
}

type jetStream interface {
	PublishMsg(m *nats.Msg, opts ...nats.PubOpt) (*nats.PubAck, error)
}

type Publisher struct {
	conn                *nats.Conn
	js                  jetStream
	secret              []byte
	notificationSubject string
}

// New connects to NATS and prepares a JetStream publisher.
func New(url, secret, notificationSubject string, opts ...nats.Option) (*Publisher, error) {
	const op = "broker.New"

	if secret == "" {
		return nil, fmt.Errorf("%s: %w", op, ErrEmptySecret)
	}

	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("%s: connect: %w", op, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%s: jetstream: %w", op, err)
	}

	return &Publisher{
		conn:                nc,
		js:                  js,
		secret:              []byte(secret),
		notificationSubject: notificationSubject,
	}, nil
}

// Close drains the connection, falling back to a hard close.
func (p *Publisher) Close() {
	if p == nil || p.conn == nil {
		return
	}
	if err := p.conn.Drain(); err != nil {
		p.conn.Close()
	}
}

// Publish signs v and publishes it to subject.
func (p *Publisher) Publish(ctx context.Context, subject string, v any) error {
	const op = "broker.Publish"

	data, err := Seal(p.secret, v)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	msg := nats.NewMsg(subject)
	msg.Data = data
	msg.Header.Set(HeaderRetryCount, strconv.Itoa(p.retries(subject)))

	if _, err := p.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (p *Publisher) retries(subject string) int {
	if subject == p.notificationSubject {
		return notificationRetries
	}
	return defaultRetries
}

// Seal wraps v into a signed Envelope and encodes it.
func Seal(secret []byte, v any) ([]byte, error) {
	message, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	return json.Marshal(Envelope{
		Message: message,
		Hash:    sign(secret, message),
	})
}

// Open verifies an encoded Envelope and returns its message.
func Open(secret, data []byte) (json.RawMessage, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	want, err := base64.StdEncoding.DecodeString(env.Hash)
	if err != nil {
		return nil, fmt.Errorf("decode hash: %w", err)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(env.Message)
	if !hmac.Equal(mac.Sum(nil), want) {
		return nil, errors.New("message hash mismatch")
	}

	return env.Message, nil
}

func sign(secret, message []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(message)
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Disabled stands in for Publisher when no NATS url is configured.
type Disabled struct {
	log *slog.Logger
}

func NewDisabled(log *slog.Logger) *Disabled {
	return &Disabled{log: log}
}

func (d *Disabled) Publish(_ context.Context, subject string, _ any) error {
	d.log.Debug("message dropped, broker disabled", slog.String("subject", subject))
	return nil
}
