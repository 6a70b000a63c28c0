// Package docstore connects to the MongoDB document store that holds captions
// and, with the gridfs backend, rendered artifacts.
package docstore

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"subburn/internal/pkg/errors"
	"subburn/internal/pkg/logger"
)

// Session is the slice of *mongo.Client the connector relies on.
type Session interface {
	Ping(ctx context.Context) error
	Database(name string) *mongo.Database
	Disconnect(ctx context.Context) error
}

// DialFunc opens a session; it does not need to verify reachability.
type DialFunc func(ctx context.Context, uri string) (Session, error)

type Config struct {
	URI         string
	Database    string
	Attempts    int
	RetryBase   time.Duration
	PingTimeout time.Duration
}

// Connector owns the shared client. Until Connect succeeds every accessor
// reports the store as unavailable.
type Connector struct {
	cfg     Config
	log     *logger.Logger
	dial    DialFunc
	backOff func() backoff.BackOff

	mu      sync.RWMutex
	session Session
	db      *mongo.Database
}

type Option func(*Connector)

// WithDialer replaces the MongoDB dialer.
func WithDialer(d DialFunc) Option {
	return func(c *Connector) { c.dial = d }
}

// WithBackOff replaces the retry schedule.
func WithBackOff(fn func() backoff.BackOff) Option {
	return func(c *Connector) { c.backOff = fn }
}

func New(cfg Config, log *logger.Logger, opts ...Option) *Connector {
	if cfg.Attempts < 1 {
		cfg.Attempts = 5
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 5 * time.Second
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = 5 * time.Second
	}

	c := &Connector{
		cfg:  cfg,
		log:  log.WithComponent("docstore"),
		dial: dialMongo,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Connect tries up to Attempts times, waiting attempt*RetryBase between tries.
// The returned error is informational: callers keep running in degraded mode.
func (c *Connector) Connect(ctx context.Context) error {
	c.log.Info("connecting to document store",
		"uri", MaskURI(c.cfg.URI),
		"database", c.cfg.Database,
		"attempts", c.cfg.Attempts,
	)

	attempt := 0
	sess, err := backoff.Retry(ctx, func() (Session, error) {
		attempt++
		return c.tryConnect(ctx)
	},
		backoff.WithBackOff(c.newBackOff()),
		backoff.WithMaxTries(uint(c.cfg.Attempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			c.log.Warn("document store connection failed, retrying",
				"attempt", attempt,
				"retry_in", next.String(),
				"error", err.Error(),
			)
		}),
	)
	if err != nil {
		c.log.Error("document store unreachable, continuing in degraded mode",
			"attempts", attempt,
			"error", err.Error(),
		)
		return errors.WrapWithCode(err, errors.CodeUnavailable, "docstore.Connect", "document store unreachable")
	}

	c.mu.Lock()
	c.session = sess
	c.db = sess.Database(c.cfg.Database)
	c.mu.Unlock()

	c.log.Info("document store connected", "attempt", attempt)
	return nil
}

// LinearBackOff waits Base, 2*Base, 3*Base, ... between attempts.
type LinearBackOff struct {
	Base time.Duration
	n    int
}

func (b *LinearBackOff) NextBackOff() time.Duration {
	b.n++
	return time.Duration(b.n) * b.Base
}

func (b *LinearBackOff) Reset() { b.n = 0 }

func (c *Connector) tryConnect(ctx context.Context) (Session, error) {
	dialCtx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()

	sess, err := c.dial(dialCtx, c.cfg.URI)
	if err != nil {
		return nil, err
	}
	if err := sess.Ping(dialCtx); err != nil {
		_ = sess.Disconnect(context.Background())
		return nil, err
	}
	return sess, nil
}

// Connected is the readiness predicate.
func (c *Connector) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.session != nil
}

// Database returns the configured database or an UNAVAILABLE error.
func (c *Connector) Database() (*mongo.Database, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return nil, errors.Unavailable("document store")
	}
	return c.db, nil
}

// Ping checks the live connection.
func (c *Connector) Ping(ctx context.Context) error {
	c.mu.RLock()
	sess := c.session
	c.mu.RUnlock()
	if sess == nil {
		return errors.Unavailable("document store")
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.PingTimeout)
	defer cancel()
	if err := sess.Ping(ctx); err != nil {
		return errors.WrapWithCode(err, errors.CodeUnavailable, "docstore.Ping", "document store ping failed")
	}
	return nil
}

func (c *Connector) Close(ctx context.Context) error {
	c.mu.Lock()
	sess := c.session
	c.session = nil
	c.db = nil
	c.mu.Unlock()

	if sess == nil {
		return nil
	}
	return sess.Disconnect(ctx)
}

// MaskURI hides the password of a connection string.
func MaskURI(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Redacted()
}

type mongoSession struct {
	*mongo.Client
}

func (s mongoSession) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx, readpref.Primary())
}

func (s mongoSession) Database(name string) *mongo.Database {
	return s.Client.Database(name)
}

func dialMongo(ctx context.Context, uri string) (Session, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return mongoSession{Client: client}, nil
}

func (c *Connector) newBackOff() backoff.BackOff {
	if c.backOff != nil {
		return c.backOff()
	}
	return &LinearBackOff{Base: c.cfg.RetryBase}
}
