// Package ratelimit throttles uploads per owner token.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ratelimit:owner:"

// TokenBucket is a per-owner upload limiter shared by every API replica
// through Redis.
type TokenBucket struct {
	client    *redis.Client
	burst     int
	perSecond float64
	idleTTL   time.Duration
	now       func() time.Time
}

// NewTokenBucket lets each owner make burst uploads at once, regaining
// perSecond uploads per second. Buckets idle for idleTTL are dropped.
func NewTokenBucket(client *redis.Client, burst int, perSecond float64, idleTTL time.Duration) *TokenBucket {
	return &TokenBucket{
		client:    client,
		burst:     burst,
		perSecond: perSecond,
		idleTTL:   idleTTL,
		now:       time.Now,
	}
}

// Allow takes one upload from owner's bucket. It reports whether the upload
// may proceed and how many remain.
func (b *TokenBucket) Allow(ctx context.Context, owner string) (bool, float64, error) {
	reply, err := takeScript.Run(ctx, b.client,
		[]string{keyPrefix + owner},
		b.burst, b.perSecond, b.now().UnixMilli(), b.idleTTL.Milliseconds(),
	).Slice()
	if err != nil {
		return false, 0, err
	}
	if len(reply) != 2 {
		return false, 0, fmt.Errorf("take script: want 2 values, got %d", len(reply))
	}
	granted, ok := reply[0].(int64)
	if !ok {
		return false, 0, fmt.Errorf("take script: granted is %T", reply[0])
	}
	left, ok := reply[1].(string)
	if !ok {
		return false, 0, fmt.Errorf("take script: remaining is %T", reply[1])
	}
	remaining, err := strconv.ParseFloat(left, 64)
	if err != nil {
		return false, 0, fmt.Errorf("take script: remaining %q: %w", left, err)
	}
	return granted == 1, remaining, nil
}

// The remaining count is a string because Redis truncates Lua numbers to
// integers.
var takeScript = redis.NewScript(`
local burst = tonumber(ARGV[1])
local per_ms = tonumber(ARGV[2]) / 1000
local now = tonumber(ARGV[3])
local idle = tonumber(ARGV[4])

local state = redis.call('HMGET', KEYS[1], 'left', 'at')
local left = tonumber(state[1]) or burst
local at = tonumber(state[2]) or now
left = math.min(burst, left + math.max(0, now - at) * per_ms)

local granted = 0
if left >= 1 then
  granted = 1
  left = left - 1
end

redis.call('HSET', KEYS[1], 'left', tostring(left), 'at', now)
if idle > 0 then redis.call('PEXPIRE', KEYS[1], idle) end
return {granted, tostring(left)}
`)
