package rooms

import (
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Directory backends.
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

// Open returns the directory for backend. The returned close function
// releases backend resources that are not shared with the caller.
func Open(backend string, client *redis.Client, databaseURL string) (Directory, func() error, error) {
	switch backend {
	case BackendRedis:
		return NewRedisStore(client), func() error { return nil }, nil
	case BackendPostgres:
		store, err := ConnectPostgres(databaseURL)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("rooms: unknown backend %q", backend)
	}
}
