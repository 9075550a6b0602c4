// Package storetest provides an in-memory primary/replica pair whose replica
// catches up after a configurable delay.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

// ErrDown is returned by every call against a node marked down
var ErrDown = errors.New("connection refused")

// Cluster simulates asynchronous replication between one primary and one replica
type Cluster struct {
	// InstantSynced is the number of written keys the replica shows before Lag elapses
	InstantSynced int64
	// Lag is the time after the last write batch at which the replica shows every key
	Lag time.Duration
	// FlushLag is how long the replica keeps showing its old keys after a flush
	FlushLag time.Duration
	// Missing keys never reach the replica
	Missing int64
	// Leftover keys exist on the replica only and survive flushes
	Leftover int64

	PrimaryDown bool
	ReplicaDown bool

	mu          sync.Mutex
	values      map[string]int64
	writtenAt   time.Time
	flushedAt   time.Time
	beforeFlush int64
	writes      int
	flushes     int
	counts      int
}

// New creates an empty cluster
func New() *Cluster {
	return &Cluster{values: make(map[string]int64)}
}

// Primary returns a store bound to the primary node
func (c *Cluster) Primary() store.Store { return &node{c: c, role: store.RolePrimary} }

// Replica returns a store bound to the replica node
func (c *Cluster) Replica() store.Store { return &node{c: c, role: store.RoleReplica} }

// Writes returns the number of write batches the primary accepted
func (c *Cluster) Writes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

// Flushes returns the number of flushes the primary accepted
func (c *Cluster) Flushes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.flushes
}

// ReplicaCounts returns how often the replica key count was read
func (c *Cluster) ReplicaCounts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts
}

// Seed stores n keys on the primary and marks them replicated
func (c *Cluster) Seed(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := 0; i < n; i++ {
		c.values[fmt.Sprintf("seed_%d", i)] = 1
	}
	c.writtenAt = time.Time{}
}

func (c *Cluster) replicaCount(now time.Time) int64 {
	if !c.flushedAt.IsZero() && now.Sub(c.flushedAt) < c.FlushLag {
		return c.beforeFlush + c.Leftover
	}
	total := int64(len(c.values)) - c.Missing
	if total < 0 {
		total = 0
	}
	if !c.writtenAt.IsZero() && now.Sub(c.writtenAt) < c.Lag {
		total = min(total, c.InstantSynced)
	}
	return total + c.Leftover
}

type node struct {
	c    *Cluster
	role store.Role
}

func (n *node) addr() string { return string(n.role) + ".test:6379" }

func (n *node) down() bool {
	if n.role == store.RolePrimary {
		return n.c.PrimaryDown
	}
	return n.c.ReplicaDown
}

func (n *node) check(ctx context.Context, op string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if n.down() {
		return &store.ConnectivityError{Addr: n.addr(), Op: op, Err: ErrDown}
	}
	return nil
}

func (n *node) Ping(ctx context.Context) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	return n.check(ctx, "ping")
}

func (n *node) FlushAll(ctx context.Context) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	if err := n.check(ctx, "flushall"); err != nil {
		return err
	}
	if n.role != store.RolePrimary {
		return &store.ProtocolError{Addr: n.addr(), Op: "flushall", Err: errors.New("READONLY replica")}
	}
	n.c.beforeFlush = int64(len(n.c.values))
	n.c.values = make(map[string]int64)
	n.c.flushedAt = time.Now()
	n.c.writtenAt = time.Time{}
	n.c.flushes++
	return nil
}

func (n *node) WriteBatch(ctx context.Context, keys []string, value []byte) error {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	if err := n.check(ctx, "write"); err != nil {
		return err
	}
	if n.role != store.RolePrimary {
		return &store.ProtocolError{Addr: n.addr(), Op: "write", Err: errors.New("READONLY replica")}
	}
	for _, k := range keys {
		n.c.values[k] = int64(len(value))
	}
	n.c.writtenAt = time.Now()
	n.c.writes++
	return nil
}

func (n *node) Count(ctx context.Context) (int64, error) {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	if err := n.check(ctx, "count"); err != nil {
		return 0, err
	}
	if n.role == store.RolePrimary {
		return int64(len(n.c.values)), nil
	}
	n.c.counts++
	return n.c.replicaCount(time.Now()), nil
}

func (n *node) ValueLen(ctx context.Context, key string) (int64, error) {
	n.c.mu.Lock()
	defer n.c.mu.Unlock()
	if err := n.check(ctx, "strlen"); err != nil {
		return 0, err
	}
	return n.c.values[key], nil
}

func (n *node) Close() error { return nil }
