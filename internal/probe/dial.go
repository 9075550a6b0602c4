package probe

import (
	"context"
	"fmt"
	"time"

	"github.com/cybertec-postgresql/lagprobe/internal/etcd"
	"github.com/cybertec-postgresql/lagprobe/internal/redis"
	"github.com/cybertec-postgresql/lagprobe/internal/store"
)

// DialFunc opens a store for one node
type DialFunc func(ctx context.Context, ep store.Endpoint, role store.Role) (store.Store, error)

// NetDialer opens redis or etcd clients depending on the endpoint scheme
func NetDialer(dialTimeout, ioTimeout time.Duration) DialFunc {
	return func(_ context.Context, ep store.Endpoint, role store.Role) (store.Store, error) {
		switch ep.Scheme {
		case store.SchemeRedis:
			return redis.NewClient(ep, redis.Options{DialTimeout: dialTimeout, IOTimeout: ioTimeout}), nil
		case store.SchemeEtcd:
			return etcd.NewEtcdClient(ep, etcd.Options{Role: role, DialTimeout: dialTimeout})
		default:
			return nil, fmt.Errorf("unsupported endpoint scheme %q", ep.Scheme)
		}
	}
}
