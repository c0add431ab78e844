package cache

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/RubensPaulo1/NexFun-sub000/internal/pkg/env"
)

var client *redis.Client

// SetupCache connects the shared client used for jobs, counters, verifier
// locks and rate limiting. An unreachable server is logged, not fatal.
func SetupCache() {
	host := env.GetEnv("CACHE_HOST", "localhost")
	port := env.GetEnv("CACHE_PORT", "6379")

	client = redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: env.GetEnv("CACHE_PASSWORD", ""),
		DB:       env.GetEnvInt("CACHE_DB", 0),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	pong, err := client.Ping(ctx).Result()
	if err != nil {
		log.Printf("Warning: Could not connect to Redis cache: %v", err)
	} else {
		log.Printf("Successfully connected to Redis cache: %s", pong)
	}
}

// GetClient returns the shared client, connecting on first use.
func GetClient() *redis.Client {
	if client == nil {
		SetupCache()
	}
	return client
}

// Throttle grants one holder per key until the ttl expires. It satisfies
// billing.Throttle.
type Throttle struct {
	Client *redis.Client
	Prefix string
}

// NewThrottle returns a throttle over the shared client.
func NewThrottle() *Throttle {
	return &Throttle{Client: GetClient(), Prefix: "lock:"}
}

// TryAcquire sets the key only if it is absent.
func (t *Throttle) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return t.Client.SetNX(ctx, t.Prefix+key, time.Now().UTC().Format(time.RFC3339Nano), ttl).Result()
}
