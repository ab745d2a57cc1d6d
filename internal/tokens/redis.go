package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"countersign/api/internal/auth"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// RedisRegistry keeps token claims under signing:token:{hash} with a native TTL
// and a per-signer set index used for revocation.
type RedisRegistry struct {
	client *redis.Client
	clock  clockwork.Clock
	prefix string
}

func NewRedisRegistry(ctx context.Context, redisURL string, clock clockwork.Clock) (*RedisRegistry, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedisRegistryWithClient(client, clock), nil
}

func NewRedisRegistryWithClient(client *redis.Client, clock clockwork.Clock) *RedisRegistry {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RedisRegistry{client: client, clock: clock, prefix: "signing:"}
}

func (r *RedisRegistry) tokenKey(tokenHash string) string {
	return r.prefix + "token:" + tokenHash
}

func (r *RedisRegistry) signerKey(requestID, signerID string) string {
	return r.prefix + "signer:" + requestID + ":" + signerID
}

func (r *RedisRegistry) Issue(ctx context.Context, requestID, signerID string, expiresAt time.Time) (string, error) {
	now := r.clock.Now()
	ttl := expiresAt.Sub(now)
	if ttl <= 0 {
		return "", ErrPastExpiry
	}
	token, err := newTokenValue()
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(Claim{
		RequestID: requestID,
		SignerID:  signerID,
		IssuedAt:  now.UTC(),
		ExpiresAt: expiresAt.UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("marshal claim: %w", err)
	}

	hash := auth.HashToken(token)
	index := r.signerKey(requestID, signerID)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.tokenKey(hash), payload, ttl)
		pipe.SAdd(ctx, index, hash)
		pipe.Expire(ctx, index, ttl)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("save signing token: %w", err)
	}
	return token, nil
}

func (r *RedisRegistry) Lookup(ctx context.Context, token string) (Claim, error) {
	hash := auth.HashToken(token)
	raw, err := r.client.Get(ctx, r.tokenKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Claim{}, ErrNotFound
	}
	if err != nil {
		return Claim{}, fmt.Errorf("lookup signing token: %w", err)
	}
	claim, err := decodeClaim(raw)
	if err != nil {
		return Claim{}, err
	}
	if claim.expired(r.clock.Now()) {
		r.forget(ctx, hash, claim)
		return Claim{}, ErrNotFound
	}
	return claim, nil
}

func (r *RedisRegistry) Consume(ctx context.Context, token string) (Claim, error) {
	hash := auth.HashToken(token)
	raw, err := r.client.GetDel(ctx, r.tokenKey(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Claim{}, ErrNotFound
	}
	if err != nil {
		return Claim{}, fmt.Errorf("consume signing token: %w", err)
	}
	claim, err := decodeClaim(raw)
	if err != nil {
		return Claim{}, err
	}
	r.forget(ctx, hash, claim)
	if claim.expired(r.clock.Now()) {
		return Claim{}, ErrNotFound
	}
	return claim, nil
}

func (r *RedisRegistry) RevokeSigner(ctx context.Context, requestID, signerID string) error {
	index := r.signerKey(requestID, signerID)
	hashes, err := r.client.SMembers(ctx, index).Result()
	if err != nil {
		return fmt.Errorf("list signer tokens: %w", err)
	}
	keys := make([]string, 0, len(hashes)+1)
	for _, hash := range hashes {
		keys = append(keys, r.tokenKey(hash))
	}
	keys = append(keys, index)
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("revoke signer tokens: %w", err)
	}
	return nil
}

// forget removes the claim and its index membership; errors are ignored since
// the key TTL cleans up regardless.
func (r *RedisRegistry) forget(ctx context.Context, hash string, claim Claim) {
	_, _ = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.tokenKey(hash))
		pipe.SRem(ctx, r.signerKey(claim.RequestID, claim.SignerID), hash)
		return nil
	})
}

func (r *RedisRegistry) Close() error {
	return r.client.Close()
}

func (r *RedisRegistry) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func decodeClaim(raw []byte) (Claim, error) {
	var claim Claim
	if err := json.Unmarshal(raw, &claim); err != nil {
		return Claim{}, fmt.Errorf("unmarshal claim: %w", err)
	}
	return claim, nil
}
