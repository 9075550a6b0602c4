// Package store defines the four primitives the lag probe needs from a
// key-value store, plus the endpoint and error types shared by all backends.
package store

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// Store is the contract a measured node must satisfy.
type Store interface {
	// Ping is a lightweight liveness round trip
	Ping(ctx context.Context) error
	// FlushAll removes every key from the node
	FlushAll(ctx context.Context) error
	// WriteBatch sets every key to value using as few round trips as the backend allows
	WriteBatch(ctx context.Context, keys []string, value []byte) error
	// Count returns the total number of keys visible on the node
	Count(ctx context.Context) (int64, error)
	// ValueLen returns the stored length of key, or 0 if it does not exist
	ValueLen(ctx context.Context, key string) (int64, error)
	Close() error
}

// Role names the part a node plays in a measurement
type Role string

const (
	RolePrimary   Role = "primary"
	RoleReplica   Role = "replica"
	RoleSecondary Role = "secondary"
)

// Supported endpoint schemes
const (
	SchemeRedis = "redis"
	SchemeEtcd  = "etcd"
)

var defaultPorts = map[string]int{
	SchemeRedis: 6379,
	SchemeEtcd:  2379,
}

// Endpoint identifies one node of the measured deployment
type Endpoint struct {
	Scheme   string
	Host     string
	Port     int
	Username string
	Password string
	DB       int
}

// Addr returns host:port
func (e Endpoint) Addr() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// String renders the endpoint without credentials
func (e Endpoint) String() string {
	s := e.Scheme + "://" + e.Addr()
	if e.DB != 0 {
		s += "/" + strconv.Itoa(e.DB)
	}
	return s
}

// ParseEndpoint parses scheme://[user:password@]host[:port][/db].
// A bare host:port is treated as redis.
func ParseEndpoint(dsn string) (Endpoint, error) {
	if dsn == "" {
		return Endpoint{}, fmt.Errorf("endpoint is required")
	}
	if !strings.Contains(dsn, "://") {
		dsn = SchemeRedis + "://" + dsn
	}

	u, err := url.Parse(dsn)
	if err != nil {
		return Endpoint{}, fmt.Errorf("failed to parse endpoint %q: %w", dsn, err)
	}

	ep := Endpoint{Scheme: u.Scheme, Host: u.Hostname()}
	defaultPort, ok := defaultPorts[ep.Scheme]
	if !ok {
		return Endpoint{}, fmt.Errorf("unsupported endpoint scheme %q", u.Scheme)
	}
	if ep.Host == "" {
		return Endpoint{}, fmt.Errorf("endpoint %q has no host", dsn)
	}

	ep.Port = defaultPort
	if p := u.Port(); p != "" {
		if ep.Port, err = strconv.Atoi(p); err != nil || ep.Port <= 0 || ep.Port > 65535 {
			return Endpoint{}, fmt.Errorf("invalid port %q in endpoint %q", p, dsn)
		}
	}

	if u.User != nil {
		ep.Username = u.User.Username()
		ep.Password, _ = u.User.Password()
	}

	if path := strings.Trim(u.Path, "/"); path != "" {
		if ep.Scheme != SchemeRedis {
			return Endpoint{}, fmt.Errorf("database index is only supported for redis endpoints")
		}
		if ep.DB, err = strconv.Atoi(path); err != nil || ep.DB < 0 {
			return Endpoint{}, fmt.Errorf("invalid database index %q in endpoint %q", path, dsn)
		}
	}

	return ep, nil
}
