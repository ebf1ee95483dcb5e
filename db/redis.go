// db/redis.go
package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	logger "github.com/campusops/relay/logging"
	"github.com/campusops/relay/model"
)

var RedisClient *redis.Client

func InitRedis() error {
	RedisClient = redis.NewClient(&redis.Options{
		Addr:         viper.GetString("redis.addr"),
		Password:     viper.GetString("redis.password"),
		DB:           viper.GetInt("redis.db"),
		DialTimeout:  viper.GetDuration("redis.dialTimeout"),
		ReadTimeout:  viper.GetDuration("redis.readTimeout"),
		WriteTimeout: viper.GetDuration("redis.writeTimeout"),
		PoolSize:     viper.GetInt("redis.poolSize"),
		PoolTimeout:  viper.GetDuration("redis.poolTimeout"),
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := RedisClient.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Successfully connected to Redis")
	return nil
}

func CloseRedis() {
	if RedisClient != nil {
		if err := RedisClient.Close(); err != nil {
			logger.Error("Error closing Redis connection", zap.Error(err))
		}
	}
}

// RegisterIdentity stores a registered identity in the directory. Identities
// have no TTL; deregistration is explicit.
func RegisterIdentity(ctx context.Context, identity *model.Identity) error {
	identityJSON, err := json.Marshal(identity)
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	key := fmt.Sprintf("identity:%s", identity.Username)
	err = RedisClient.Set(ctx, key, identityJSON, 0).Err()
	if err != nil {
		return fmt.Errorf("failed to register identity: %w", err)
	}

	logger.Debug("Identity registered", zap.String("username", identity.Username))
	return nil
}

// GetIdentity looks up a registered identity. Returns (nil, nil) when the
// identity is not in the directory.
func GetIdentity(ctx context.Context, username string) (*model.Identity, error) {
	key := fmt.Sprintf("identity:%s", username)
	identityJSON, err := RedisClient.Get(ctx, key).Result()
	if err == redis.Nil {
		logger.Debug("Identity not found in directory", zap.String("username", username))
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get identity from directory: %w", err)
	}

	var identity model.Identity
	err = json.Unmarshal([]byte(identityJSON), &identity)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal identity: %w", err)
	}

	return &identity, nil
}

// DeregisterIdentity removes an identity from the directory.
func DeregisterIdentity(ctx context.Context, username string) error {
	key := fmt.Sprintf("identity:%s", username)
	err := RedisClient.Del(ctx, key).Err()
	if err != nil {
		return fmt.Errorf("failed to deregister identity: %w", err)
	}
	logger.Debug("Identity deregistered", zap.String("username", username))
	return nil
}

// RateLimit applies a sliding-window rate limit for the given key.
func RateLimit(ctx context.Context, key string, limit int, per time.Duration) (bool, error) {
	pipe := RedisClient.Pipeline()
	now := time.Now().UnixNano()
	key = fmt.Sprintf("ratelimit:%s", key)

	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", now-(per.Nanoseconds())))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now), Member: now})
	pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, per)

	cmds, err := pipe.Exec(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to execute rate limit commands: %w", err)
	}

	count := cmds[2].(*redis.IntCmd).Val()
	allowed := count <= int64(limit)
	logger.Debug("Rate limit check",
		zap.String("key", key),
		zap.Int64("count", count),
		zap.Int("limit", limit),
		zap.Bool("allowed", allowed))
	return allowed, nil
}
