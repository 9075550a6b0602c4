// Package etcd implements the probe store contract on top of the etcd v3 client.
package etcd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	clientv3 "go.etcd.io/etcd/client/v3"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

const (
	// keyspaceStart together with WithFromKey selects every key
	keyspaceStart = "\x00"

	// DefaultMaxTxnOps matches the server default of --max-txn-ops
	DefaultMaxTxnOps = 128
	// DefaultMaxTxnBytes stays below the server default of --max-request-bytes (1.5 MiB)
	DefaultMaxTxnBytes = 1 << 20
)

// Options tune the client connection
type Options struct {
	Role        store.Role
	DialTimeout time.Duration
	MaxTxnOps   int
	MaxTxnBytes int
}

// EtcdClient talks to exactly one etcd member
type EtcdClient struct {
	client *clientv3.Client
	addr   string
	opts   Options
}

var _ store.Store = (*EtcdClient)(nil)

// NewEtcdClient creates a client pinned to the member at ep
func NewEtcdClient(ep store.Endpoint, opts Options) (*EtcdClient, error) {
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}
	if opts.MaxTxnOps <= 0 {
		opts.MaxTxnOps = DefaultMaxTxnOps
	}
	if opts.MaxTxnBytes <= 0 {
		opts.MaxTxnBytes = DefaultMaxTxnBytes
	}

	config := clientv3.Config{
		Endpoints:   []string{ep.Addr()},
		DialTimeout: opts.DialTimeout,
		Username:    ep.Username,
		Password:    ep.Password,
		// never hop to another member, the probe measures this one
		AutoSyncInterval: 0,
	}

	client, err := clientv3.New(config)
	if err != nil {
		return nil, store.ClassifyWith(ep.Addr(), "connect", fmt.Errorf("failed to connect to etcd: %w", err), isTransport)
	}

	logrus.WithFields(logrus.Fields{
		"endpoint": ep.Addr(),
		"role":     opts.Role,
	}).Debug("Created etcd client")

	return &EtcdClient{client: client, addr: ep.Addr(), opts: opts}, nil
}

// Close closes the etcd client connection
func (c *EtcdClient) Close() error {
	if c.client != nil {
		return c.client.Close()
	}
	return nil
}

// Ping asks the member for its status
func (c *EtcdClient) Ping(ctx context.Context) error {
	resp, err := c.client.Status(ctx, c.addr)
	if err != nil {
		return c.classify("status", err)
	}
	logrus.WithFields(logrus.Fields{
		"endpoint": c.addr,
		"leader":   resp.Leader,
		"member":   resp.Header.MemberId,
		"revision": resp.Header.Revision,
	}).Debug("etcd member status")
	return nil
}

// FlushAll deletes the whole keyspace
func (c *EtcdClient) FlushAll(ctx context.Context) error {
	resp, err := c.client.Delete(ctx, keyspaceStart, clientv3.WithFromKey())
	if err != nil {
		return c.classify("delete all", err)
	}
	logrus.WithFields(logrus.Fields{
		"deleted":  resp.Deleted,
		"revision": resp.Header.Revision,
	}).Debug("Deleted all keys from etcd")
	return nil
}

// WriteBatch puts every key inside as few transactions as the server limits allow
func (c *EtcdClient) WriteBatch(ctx context.Context, keys []string, value []byte) error {
	size := chunkSize(len(value), c.opts.MaxTxnOps, c.opts.MaxTxnBytes)
	v := string(value)
	txns := 0

	for start := 0; start < len(keys); start += size {
		end := min(start+size, len(keys))
		ops := make([]clientv3.Op, 0, end-start)
		for _, key := range keys[start:end] {
			ops = append(ops, clientv3.OpPut(key, v))
		}

		resp, err := c.client.Txn(ctx).Then(ops...).Commit()
		if err != nil {
			return c.classify("txn put", err)
		}
		if !resp.Succeeded {
			return c.classify("txn put", errors.New("transaction was not applied"))
		}
		txns++
	}

	logrus.WithFields(logrus.Fields{
		"count":        len(keys),
		"transactions": txns,
	}).Debug("Put keys to etcd")
	return nil
}

// Count returns the number of keys in the keyspace. Reads against anything
// but the primary are serializable so they reflect the member's local state
// instead of being forwarded through the leader.
func (c *EtcdClient) Count(ctx context.Context) (int64, error) {
	opts := []clientv3.OpOption{clientv3.WithFromKey(), clientv3.WithCountOnly()}
	if c.opts.Role != store.RolePrimary {
		opts = append(opts, clientv3.WithSerializable())
	}
	resp, err := c.client.Get(ctx, keyspaceStart, opts...)
	if err != nil {
		return 0, c.classify("count", err)
	}
	return resp.Count, nil
}

// ValueLen returns the length of the value stored under key
func (c *EtcdClient) ValueLen(ctx context.Context, key string) (int64, error) {
	resp, err := c.client.Get(ctx, key)
	if err != nil {
		return 0, c.classify("get", err)
	}
	if len(resp.Kvs) == 0 {
		return 0, nil // Key not found
	}
	return int64(len(resp.Kvs[0].Value)), nil
}

func (c *EtcdClient) classify(op string, err error) error {
	return store.ClassifyWith(c.addr, op, err, isTransport)
}

// chunkSize returns how many puts of valueLen bytes fit in one transaction
func chunkSize(valueLen, maxOps, maxBytes int) int {
	n := maxOps
	if valueLen > 0 && maxBytes/valueLen < n {
		n = maxBytes / valueLen
	}
	return max(n, 1)
}

func isTransport(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	}
	if errors.Is(err, clientv3.ErrNoAvailableEndpoints) {
		return true
	}
	return store.IsTransport(err)
}
