// Package redis implements the probe store contract on top of go-redis.
package redis

import (
	"context"
	"errors"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

// Options tune the client connection
type Options struct {
	DialTimeout time.Duration
	// IOTimeout bounds every read and write, zero blocks until the context is done
	IOTimeout time.Duration
}

// Client is a single-connection redis client
type Client struct {
	rdb  *goredis.Client
	addr string
}

var _ store.Store = (*Client)(nil)

// NewClient creates a client for ep. No connection is made until the first command.
func NewClient(ep store.Endpoint, opts Options) *Client {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	ioTimeout := opts.IOTimeout
	if ioTimeout == 0 {
		ioTimeout = -1
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:                  ep.Addr(),
		Username:              ep.Username,
		Password:              ep.Password,
		DB:                    ep.DB,
		DialTimeout:           opts.DialTimeout,
		ReadTimeout:           ioTimeout,
		WriteTimeout:          ioTimeout,
		ContextTimeoutEnabled: true,
		MaxRetries:            -1, // measured commands are never retried
		PoolSize:              1,
	})

	logrus.WithFields(logrus.Fields{
		"addr": ep.Addr(),
		"db":   ep.DB,
	}).Debug("Created redis client")

	return &Client{rdb: rdb, addr: ep.Addr()}
}

// Ping sends PING
func (c *Client) Ping(ctx context.Context) error {
	return c.classify("ping", c.rdb.Ping(ctx).Err())
}

// FlushAll sends FLUSHALL
func (c *Client) FlushAll(ctx context.Context) error {
	return c.classify("flushall", c.rdb.FlushAll(ctx).Err())
}

// WriteBatch sends one SET per key inside a single pipeline
func (c *Client) WriteBatch(ctx context.Context, keys []string, value []byte) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := c.rdb.Pipelined(ctx, func(pipe goredis.Pipeliner) error {
		for _, key := range keys {
			pipe.Set(ctx, key, value, 0)
		}
		return nil
	})
	if err != nil {
		return c.classify("pipelined set", err)
	}

	logrus.WithFields(logrus.Fields{
		"addr":  c.addr,
		"count": len(keys),
		"bytes": len(keys) * len(value),
	}).Debug("Executed SET pipeline")
	return nil
}

// Count sends DBSIZE
func (c *Client) Count(ctx context.Context) (int64, error) {
	n, err := c.rdb.DBSize(ctx).Result()
	if err != nil {
		return 0, c.classify("dbsize", err)
	}
	return n, nil
}

// ValueLen sends STRLEN
func (c *Client) ValueLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.StrLen(ctx, key).Result()
	if err != nil {
		return 0, c.classify("strlen", err)
	}
	return n, nil
}

// Close releases the connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) classify(op string, err error) error {
	return store.ClassifyWith(c.addr, op, err, isTransport)
}

// isTransport treats server replies as protocol errors and everything that
// never produced a reply as a transport failure
func isTransport(err error) bool {
	var replyErr goredis.Error
	if errors.As(err, &replyErr) {
		return false
	}
	if errors.Is(err, goredis.ErrClosed) {
		return true
	}
	return store.IsTransport(err)
}
