// Package probe measures how long a replica takes to show a batch of keys
// written to its primary.
//
// A run is strictly sequential: connect, reset, write, snapshot, poll. The
// only blocking loops are the reset wait and the lag poll, and both stop
// when the context is done.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/cybertec-postgresql/lagprobe/internal/retry"
	"github.com/cybertec-postgresql/lagprobe/internal/stats"
	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

// Result is the outcome of one measurement
type Result struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Backend   string    `json:"backend"`
	Primary   string    `json:"primary"`
	Replica   string    `json:"replica"`

	Secondary          string `json:"secondary,omitempty"`
	SecondaryReachable bool   `json:"secondary_reachable,omitempty"`

	WriteCount    int           `json:"write_count"`
	ValueSize     int           `json:"value_size"`
	ResetWait     time.Duration `json:"reset_wait"`
	WriteDuration time.Duration `json:"write_duration"`

	ReplicaCountAtSnapshot int64 `json:"replica_count_at_snapshot"`
	Unsynced               int64 `json:"unsynced"`

	Lag         time.Duration `json:"lag"`
	Polls       int64         `json:"polls"`
	PollLatency stats.Summary `json:"poll_latency"`

	Verified bool `json:"verified"`
}

// LagSeconds returns Lag in seconds
func (r *Result) LagSeconds() float64 { return r.Lag.Seconds() }

// Observer is told about each finished step. Calls happen on the goroutine running the probe.
type Observer interface {
	Connected(cfg Config, secondaryErr error)
	Reset(waited time.Duration)
	Written(count int, took time.Duration)
	Snapshot(written, replicaCount, unsynced int64)
	Synced(lag time.Duration, polls int64)
}

// NopObserver ignores every notification
type NopObserver struct{}

func (NopObserver) Connected(Config, error)      {}
func (NopObserver) Reset(time.Duration)          {}
func (NopObserver) Written(int, time.Duration)   {}
func (NopObserver) Snapshot(int64, int64, int64) {}
func (NopObserver) Synced(time.Duration, int64)  {}

// Probe runs the measurement described by its Config
type Probe struct {
	cfg      Config
	dial     DialFunc
	observer Observer
}

// New creates a probe. A nil observer is replaced by NopObserver.
func New(cfg Config, dial DialFunc, observer Observer) *Probe {
	if observer == nil {
		observer = NopObserver{}
	}
	return &Probe{cfg: cfg, dial: dial, observer: observer}
}

// Run performs exactly one measurement. Errors are *store.ConnectivityError,
// *store.ProtocolError, *store.SyncTimeoutError or the context error.
// Time spent in the Snapshot observer is not part of the reported lag.
func (p *Probe) Run(ctx context.Context) (*Result, error) {
	if err := p.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	res := &Result{
		ID:         uuid.NewString(),
		StartedAt:  time.Now(),
		Backend:    p.cfg.Primary.Scheme,
		Primary:    p.cfg.Primary.String(),
		Replica:    p.cfg.Replica.String(),
		WriteCount: p.cfg.WriteCount,
		ValueSize:  p.cfg.ValueSize,
	}
	log := logrus.WithField("run", res.ID)

	primary, err := p.connect(ctx, p.cfg.Primary, store.RolePrimary)
	if err != nil {
		return nil, err
	}
	defer primary.Close()

	replica, err := p.connect(ctx, p.cfg.Replica, store.RoleReplica)
	if err != nil {
		return nil, err
	}
	defer replica.Close()

	secondaryErr := p.checkSecondary(ctx, res)
	p.observer.Connected(p.cfg, secondaryErr)
	log.WithFields(logrus.Fields{
		"primary": res.Primary,
		"replica": res.Replica,
	}).Debug("Connected to primary and replica")

	if res.ResetWait, err = p.reset(ctx, primary, replica); err != nil {
		return nil, err
	}
	p.observer.Reset(res.ResetWait)

	keys := Keys(p.cfg.KeyPrefix, p.cfg.WriteCount)
	payload := Payload(p.cfg.ValueSize)

	writeStart := time.Now()
	if err := primary.WriteBatch(ctx, keys, payload); err != nil {
		return nil, store.WithRole(err, store.RolePrimary)
	}
	res.WriteDuration = time.Since(writeStart)
	p.observer.Written(len(keys), res.WriteDuration)
	log.WithFields(logrus.Fields{
		"count":    len(keys),
		"duration": res.WriteDuration,
	}).Debug("Write batch completed")

	want := int64(p.cfg.WriteCount)

	// the lag timer starts together with the snapshot read
	lagStart := time.Now()
	snapshot, err := replica.Count(ctx)
	if err != nil {
		return nil, store.WithRole(err, store.RoleReplica)
	}
	res.ReplicaCountAtSnapshot = snapshot
	res.Unsynced = Unsynced(want, snapshot)
	reportStart := time.Now()
	p.observer.Snapshot(want, snapshot, res.Unsynced)
	reporting := time.Since(reportStart)

	hist := stats.NewHistogram()
	last, err := p.pollUntil(ctx, replica, p.cfg.Deadline, "lag", hist, func(n int64) bool { return n >= want })
	res.Lag = max(time.Since(lagStart)-reporting, 0)
	res.PollLatency = hist.Summary()
	res.Polls = res.PollLatency.Count
	if err != nil {
		log.WithError(err).WithField("last_count", last).Debug("Lag measurement aborted")
		return nil, err
	}
	p.observer.Synced(res.Lag, res.Polls)
	log.WithFields(logrus.Fields{
		"lag":   res.Lag,
		"polls": res.Polls,
	}).Debug("Replica caught up")

	if p.cfg.Verify {
		if err := p.verify(ctx, primary, keys); err != nil {
			return nil, err
		}
		res.Verified = true
	}

	return res, nil
}

// connect dials ep and pings it, retrying only when ConnectRetries is set
func (p *Probe) connect(ctx context.Context, ep store.Endpoint, role store.Role) (store.Store, error) {
	var s store.Store
	err := retry.WithOperation(ctx, retry.StoreDefaults(p.cfg.ConnectRetries), func() error {
		conn, err := p.dial(ctx, ep, role)
		if err != nil {
			return err
		}
		if err := conn.Ping(ctx); err != nil {
			_ = conn.Close()
			return err
		}
		s = conn
		return nil
	}, string(role)+" connect")
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, connectError(ep, role, err)
	}
	return s, nil
}

// connectError keeps protocol errors (e.g. rejected credentials) and treats
// every other failure to reach a node as a connectivity problem
func connectError(ep store.Endpoint, role store.Role, err error) error {
	var (
		connErr  *store.ConnectivityError
		protoErr *store.ProtocolError
	)
	if !errors.As(err, &connErr) && !errors.As(err, &protoErr) {
		err = &store.ConnectivityError{Addr: ep.Addr(), Op: "connect", Err: err}
	}
	return store.WithRole(err, role)
}

// checkSecondary pings the optional second replica. Its failure never aborts the run.
func (p *Probe) checkSecondary(ctx context.Context, res *Result) error {
	if p.cfg.Secondary == nil {
		return nil
	}
	res.Secondary = p.cfg.Secondary.String()

	conn, err := p.dial(ctx, *p.cfg.Secondary, store.RoleSecondary)
	if err == nil {
		err = conn.Ping(ctx)
		_ = conn.Close()
	}
	if err != nil {
		err = connectError(*p.cfg.Secondary, store.RoleSecondary, err)
		logrus.WithError(err).WithField("secondary", res.Secondary).Warn("Secondary replica is not healthy")
		return err
	}
	res.SecondaryReachable = true
	return nil
}

// reset clears the primary and, unless disabled, waits for the replica to follow
func (p *Probe) reset(ctx context.Context, primary, replica store.Store) (time.Duration, error) {
	if err := primary.FlushAll(ctx); err != nil {
		return 0, store.WithRole(err, store.RolePrimary)
	}
	if !p.cfg.WaitForReset {
		return 0, nil
	}

	start := time.Now()
	if _, err := p.pollUntil(ctx, replica, p.cfg.ResetTimeout, "reset", nil, func(n int64) bool { return n == 0 }); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// pollUntil reads the replica count until done accepts it. A positive
// deadline turns expiry into a SyncTimeoutError.
func (p *Probe) pollUntil(ctx context.Context, replica store.Store, deadline time.Duration, phase string, hist *stats.Histogram, done func(int64) bool) (int64, error) {
	pollCtx := ctx
	if deadline > 0 {
		var cancel context.CancelFunc
		pollCtx, cancel = context.WithTimeout(ctx, deadline)
		defer cancel()
	}

	last := int64(-1)
	err := retry.Until(pollCtx, p.cfg.PollInterval, func(ctx context.Context) (bool, error) {
		start := time.Now()
		n, err := replica.Count(ctx)
		if hist != nil {
			hist.Record(time.Since(start))
		}
		if err != nil {
			return false, err
		}
		last = n
		return done(n), nil
	})
	if err == nil {
		return last, nil
	}

	if ctx.Err() == nil && errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
		want := int64(0)
		if phase == "lag" {
			want = int64(p.cfg.WriteCount)
		}
		return last, &store.SyncTimeoutError{Phase: phase, Want: want, Last: last}
	}
	if ctx.Err() != nil {
		return last, ctx.Err()
	}
	return last, store.WithRole(err, store.RoleReplica)
}

// verify checks that the primary holds exactly the written keys with the configured value size
func (p *Probe) verify(ctx context.Context, primary store.Store, keys []string) error {
	addr := p.cfg.Primary.Addr()
	count, err := primary.Count(ctx)
	if err != nil {
		return store.WithRole(err, store.RolePrimary)
	}
	if count != int64(len(keys)) {
		return &store.ProtocolError{Role: store.RolePrimary, Addr: addr, Op: "verify",
			Err: fmt.Errorf("primary holds %d keys, expected %d", count, len(keys))}
	}

	for _, key := range SampleKeys(keys, p.cfg.VerifySample) {
		n, err := primary.ValueLen(ctx, key)
		if err != nil {
			return store.WithRole(err, store.RolePrimary)
		}
		if n != int64(p.cfg.ValueSize) {
			return &store.ProtocolError{Role: store.RolePrimary, Addr: addr, Op: "verify",
				Err: fmt.Errorf("value of %s is %d bytes, expected %d", key, n, p.cfg.ValueSize)}
		}
	}
	return nil
}

// Keys returns prefix0 .. prefix{n-1}
func Keys(prefix string, n int) []string {
	keys := make([]string, n)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return keys
}

// Payload returns size identical bytes
func Payload(size int) []byte {
	return bytes.Repeat([]byte{'X'}, size)
}

// Unsynced returns written - replicaCount clamped to [0, written]
func Unsynced(written, replicaCount int64) int64 {
	return min(max(written-replicaCount, 0), written)
}

// SampleKeys picks up to n keys spread evenly, always including the first and last
func SampleKeys(keys []string, n int) []string {
	if n <= 0 || len(keys) == 0 {
		return nil
	}
	if n >= len(keys) {
		return keys
	}
	if n == 1 {
		return keys[len(keys)-1:]
	}
	sample := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sample = append(sample, keys[i*(len(keys)-1)/(n-1)])
	}
	return sample
}
