package reservation

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"content-governance/internal/models"
	"content-governance/internal/store"
)

// RedisStore keeps reservations in Redis. Each reservation is a hash; an
// intent key points at the current holder and a sorted set indexes expiry.
// Check-and-insert runs as one Lua script.
type RedisStore struct {
	client       *redis.Client
	recordPrefix string
	intentPrefix string
	expiryKey    string
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:       client,
		recordPrefix: "reservation:",
		intentPrefix: "reservation:intent:",
		expiryKey:    "reservation:expiry",
	}
}

func (s *RedisStore) recordKey(id string) string {
	return s.recordPrefix + id
}

func (s *RedisStore) intentKey(siteID, intentHash, location string) string {
	return fmt.Sprintf("%s%s:%s:%s", s.intentPrefix, siteID, intentHash, location)
}

func (s *RedisStore) InsertReservation(ctx context.Context, r models.ContentReservation, now time.Time) (models.ContentReservation, error) {
	ik := s.intentKey(r.SiteID, r.IntentHash, r.Location)
	keys := []string{ik, s.recordKey(r.ID), s.expiryKey}
	res, err := reserveScript.Run(ctx, s.client, keys,
		r.ID, now.UnixMilli(), r.ExpiresAt.UnixMilli(), r.SiteID, r.IntentHash, r.Location, r.CreatedAt.UnixMilli(), s.recordPrefix,
	).Text()
	if err != nil {
		return models.ContentReservation{}, fmt.Errorf("reserve script: %w", err)
	}
	if res == "" {
		return r, nil
	}
	holder, err := s.GetReservation(ctx, res)
	if err != nil {
		return models.ContentReservation{}, fmt.Errorf("load holder %s: %w", res, err)
	}
	return holder, store.ErrConflict
}

func (s *RedisStore) FindActiveReservation(ctx context.Context, siteID, intentHash, location string, now time.Time) (models.ContentReservation, error) {
	holder, err := s.client.Get(ctx, s.intentKey(siteID, intentHash, location)).Result()
	if err == redis.Nil {
		return models.ContentReservation{}, store.ErrNotFound
	}
	if err != nil {
		return models.ContentReservation{}, err
	}
	r, err := s.GetReservation(ctx, holder)
	if err != nil {
		return models.ContentReservation{}, err
	}
	if !r.ActiveAt(now) {
		return models.ContentReservation{}, store.ErrNotFound
	}
	return r, nil
}

func (s *RedisStore) GetReservation(ctx context.Context, id string) (models.ContentReservation, error) {
	fields, err := s.client.HGetAll(ctx, s.recordKey(id)).Result()
	if err != nil {
		return models.ContentReservation{}, err
	}
	if len(fields) == 0 {
		return models.ContentReservation{}, store.ErrNotFound
	}
	r := models.ContentReservation{
		ID:         fields["id"],
		SiteID:     fields["site_id"],
		IntentHash: fields["intent_hash"],
		Location:   fields["location"],
		ExpiresAt:  millis(fields["expires_at_ms"]),
		CreatedAt:  millis(fields["created_at_ms"]),
	}
	if v, ok := fields["fulfilled_at_ms"]; ok && v != "" {
		t := millis(v)
		r.FulfilledAt = &t
	}
	return r, nil
}

// DeleteReservation is idempotent.
func (s *RedisStore) DeleteReservation(ctx context.Context, id string) error {
	return deleteScript.Run(ctx, s.client, []string{s.recordKey(id), s.expiryKey}, id).Err()
}

func (s *RedisStore) MarkReservationFulfilled(ctx context.Context, id string, at time.Time) error {
	n, err := fulfilScript.Run(ctx, s.client, []string{s.recordKey(id)}, id, at.UnixMilli()).Int()
	if err != nil {
		return err
	}
	if n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *RedisStore) DeleteExpiredReservations(ctx context.Context, now time.Time) (int64, error) {
	return sweepScript.Run(ctx, s.client, []string{s.expiryKey}, now.UnixMilli(), s.recordPrefix).Int64()
}

func millis(v string) time.Time {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// KEYS: intent key, record key, expiry zset.
// ARGV: id, now_ms, expires_ms, site_id, intent_hash, location, created_ms, record prefix.
// Returns "" on success or the id of the active holder.
var reserveScript = redis.NewScript(`
local holder = redis.call('GET', KEYS[1])
if holder then
  local rk = ARGV[8] .. holder
  local exp = tonumber(redis.call('HGET', rk, 'expires_at_ms') or '0')
  local fulfilled = redis.call('HGET', rk, 'fulfilled_at_ms')
  if exp > tonumber(ARGV[2]) and not fulfilled then
    return holder
  end
end
redis.call('HSET', KEYS[2],
  'id', ARGV[1], 'site_id', ARGV[4], 'intent_hash', ARGV[5], 'location', ARGV[6],
  'expires_at_ms', ARGV[3], 'created_at_ms', ARGV[7], 'intent_key', KEYS[1])
redis.call('SET', KEYS[1], ARGV[1])
redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
return ''
`)

// KEYS: record key, expiry zset. ARGV: id.
var deleteScript = redis.NewScript(`
local ik = redis.call('HGET', KEYS[1], 'intent_key')
if ik and redis.call('GET', ik) == ARGV[1] then
  redis.call('DEL', ik)
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[1])
return 1
`)

// KEYS: record key. ARGV: id, fulfilled_ms.
var fulfilScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], 'fulfilled_at_ms', ARGV[2])
local ik = redis.call('HGET', KEYS[1], 'intent_key')
if ik and redis.call('GET', ik) == ARGV[1] then
  redis.call('DEL', ik)
end
return 1
`)

// KEYS: expiry zset. ARGV: now_ms, record prefix.
var sweepScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
  local rk = ARGV[2] .. id
  local ik = redis.call('HGET', rk, 'intent_key')
  if ik and redis.call('GET', ik) == id then
    redis.call('DEL', ik)
  end
  redis.call('DEL', rk)
  redis.call('ZREM', KEYS[1], id)
end
return #ids
`)
