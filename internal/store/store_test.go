package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name    string
		dsn     string
		want    Endpoint
		wantErr string
	}{
		{
			name: "redis with port",
			dsn:  "redis://192.168.122.73:5000",
			want: Endpoint{Scheme: "redis", Host: "192.168.122.73", Port: 5000},
		},
		{
			name: "bare host and port defaults to redis",
			dsn:  "192.168.122.192:5001",
			want: Endpoint{Scheme: "redis", Host: "192.168.122.192", Port: 5001},
		},
		{
			name: "redis default port with password and db",
			dsn:  "redis://:secret@cache.local/3",
			want: Endpoint{Scheme: "redis", Host: "cache.local", Port: 6379, Password: "secret", DB: 3},
		},
		{
			name: "etcd with credentials",
			dsn:  "etcd://root:pw@10.0.0.5",
			want: Endpoint{Scheme: "etcd", Host: "10.0.0.5", Port: 2379, Username: "root", Password: "pw"},
		},
		{name: "empty", dsn: "", wantErr: "required"},
		{name: "unknown scheme", dsn: "memcached://host:11211", wantErr: "unsupported"},
		{name: "bad port", dsn: "redis://host:99999", wantErr: "invalid port"},
		{name: "etcd db index", dsn: "etcd://host:2379/1", wantErr: "only supported for redis"},
		{name: "bad db index", dsn: "redis://host:6379/x", wantErr: "invalid database index"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseEndpoint(tt.dsn)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEndpointString(t *testing.T) {
	ep := Endpoint{Scheme: "redis", Host: "::1", Port: 6380, Password: "secret", DB: 2}
	assert.Equal(t, "[::1]:6380", ep.Addr())
	assert.Equal(t, "redis://[::1]:6380/2", ep.String())
	assert.NotContains(t, ep.String(), "secret")
}

func TestClassify(t *testing.T) {
	assert.NoError(t, Classify("a:1", "ping", nil))

	var connErr *ConnectivityError
	for _, err := range []error{
		io.EOF,
		fmt.Errorf("dial: %w", syscall.ECONNREFUSED),
		&net.OpError{Op: "dial", Err: errors.New("no route")},
		context.DeadlineExceeded,
	} {
		require.ErrorAs(t, Classify("a:1", "ping", err), &connErr, "%v", err)
		assert.Equal(t, "a:1", connErr.Addr)
		assert.Equal(t, "ping", connErr.Op)
	}

	var protoErr *ProtocolError
	require.ErrorAs(t, Classify("a:1", "dbsize", errors.New("ERR unknown command")), &protoErr)
	assert.Equal(t, "dbsize", protoErr.Op)

	assert.Equal(t, context.Canceled, Classify("a:1", "dbsize", context.Canceled))

	already := &ProtocolError{Op: "set", Err: io.EOF}
	assert.Same(t, already, Classify("a:1", "ping", already))
}

func TestWithRole(t *testing.T) {
	err := WithRole(Classify("b:2", "ping", io.EOF), RoleReplica)
	assert.EqualError(t, err, "replica b:2 unreachable during ping: EOF")

	err = WithRole(Classify("b:2", "flushall", errors.New("READONLY")), RolePrimary)
	assert.EqualError(t, err, "primary b:2: flushall failed: READONLY")

	plain := errors.New("plain")
	assert.Equal(t, plain, WithRole(plain, RolePrimary))
}

func TestSyncTimeoutError(t *testing.T) {
	err := &SyncTimeoutError{Phase: "lag", Want: 1000, Last: 998}
	assert.EqualError(t, err, "replica did not reach 1000 keys during lag (last count 998)")
}
