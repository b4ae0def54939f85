package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rafaeljc/bifrost/internal/observability"
	"github.com/rafaeljc/bifrost/internal/registry"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// SetResult reports what a versioned write did to the stored record.
type SetResult int

const (
	// SetResultSkipped means the stored record was as new or newer.
	SetResultSkipped SetResult = 0
	// SetResultUpdated means the record was written.
	SetResultUpdated SetResult = 1
	// SetResultRepaired means a record without a version prefix was overwritten.
	SetResultRepaired SetResult = 2
)

// versionSearchLimit bounds the pipe search: a decimal int64 is at most 20
// characters, so the separator must appear within the first 21.
const versionSearchLimit = 21

// absentMarker records that the source registry has no such record.
const absentMarker = "0|"

// setFlagScript writes KEYS[1] = ARGV[2] unless the stored version is >= ARGV[1].
// ARGV[3] is the TTL in milliseconds.
var setFlagScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
local result = 1
if current then
	local sep = string.find(string.sub(current, 1, 21), '|', 1, true)
	local version = sep and tonumber(string.sub(current, 1, sep - 1))
	if not version then
		result = 2
	elseif version >= tonumber(ARGV[1]) then
		return 0
	end
end
redis.call('SET', KEYS[1], ARGV[2], 'PX', ARGV[3])
return result
`)

// setValueScript is setFlagScript for the hash field ARGV[4] of KEYS[1].
var setValueScript = redis.NewScript(`
local current = redis.call('HGET', KEYS[1], ARGV[4])
local result = 1
if current then
	local sep = string.find(string.sub(current, 1, 21), '|', 1, true)
	local version = sep and tonumber(string.sub(current, 1, sep - 1))
	if not version then
		result = 2
	elseif version >= tonumber(ARGV[1]) then
		return 0
	end
end
redis.call('HSET', KEYS[1], ARGV[4], ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
return result
`)

// RedisRegistry is a read-through L2 cache in front of the source registry.
//
// Flags live at "<prefix>:flag:<key>" and overrides in the hash
// "<prefix>:values:<flagID>" keyed by environment. Every stored payload is
// "version|json"; versions are UpdatedAt in microseconds so that Lua compares
// them exactly. Redis failures degrade to the source registry.
type RedisRegistry struct {
	logger *slog.Logger
	client *redis.Client
	next   registry.Registry
	prefix string
	ttl    time.Duration
}

var (
	_ registry.Registry      = (*RedisRegistry)(nil)
	_ registry.ValuesBatcher = (*RedisRegistry)(nil)
)

// NewRedisRegistry wraps next with the Redis L2 cache.
func NewRedisRegistry(log *slog.Logger, client *redis.Client, next registry.Registry, prefix string, ttl time.Duration) *RedisRegistry {
	validation.AssertNotNil(client, "redis client")
	validation.AssertPresent(next, "source registry")
	if log == nil {
		log = slog.Default()
	}
	return &RedisRegistry{logger: log, client: client, next: next, prefix: prefix, ttl: ttl}
}

func (r *RedisRegistry) flagKey(key string) string {
	return r.prefix + ":flag:" + key
}

func (r *RedisRegistry) valuesKey(flagID string) string {
	return r.prefix + ":values:" + flagID
}

// GetFlag implements registry.Registry.
func (r *RedisRegistry) GetFlag(ctx context.Context, key string) (*ruleengine.FeatureFlag, error) {
	raw, err := r.client.Get(ctx, r.flagKey(key)).Result()
	switch {
	case err == nil:
		if flag, ok := r.decodeFlagRecord(key, raw); ok {
			observability.RegistryL2Hits.Inc()
			return flag, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		r.degraded(ctx, "get_flag", err)
	}
	observability.RegistryL2Misses.Inc()

	flag, err := r.next.GetFlag(ctx, key)
	if err != nil {
		return nil, err
	}
	r.backfillFlag(ctx, key, flag)
	return flag, nil
}

// GetFlagsBatch implements registry.Registry with one MGET; misses go to the
// source registry in one batch.
func (r *RedisRegistry) GetFlagsBatch(ctx context.Context, keys []string) (map[string]*ruleengine.FeatureFlag, error) {
	out := make(map[string]*ruleengine.FeatureFlag, len(keys))
	if len(keys) == 0 {
		return out, nil
	}

	redisKeys := make([]string, len(keys))
	for i, k := range keys {
		redisKeys[i] = r.flagKey(k)
	}

	misses := keys
	vals, err := r.client.MGet(ctx, redisKeys...).Result()
	if err != nil {
		r.degraded(ctx, "get_flags_batch", err)
	} else {
		misses = nil
		for i, v := range vals {
			raw, isString := v.(string)
			if !isString {
				misses = append(misses, keys[i])
				continue
			}
			flag, ok := r.decodeFlagRecord(keys[i], raw)
			if !ok {
				misses = append(misses, keys[i])
				continue
			}
			if flag != nil {
				out[keys[i]] = flag
			}
		}
		observability.RegistryL2Hits.Add(float64(len(keys) - len(misses)))
	}
	if len(misses) == 0 {
		return out, nil
	}
	observability.RegistryL2Misses.Add(float64(len(misses)))

	fetched, err := r.next.GetFlagsBatch(ctx, misses)
	if err != nil {
		return nil, err
	}
	for _, key := range misses {
		flag := fetched[key]
		if flag != nil {
			out[key] = flag
		}
		r.backfillFlag(ctx, key, flag)
	}
	return out, nil
}

// GetFlagValue implements registry.Registry.
func (r *RedisRegistry) GetFlagValue(ctx context.Context, flagID, environment string) (*ruleengine.FlagValue, error) {
	raw, err := r.client.HGet(ctx, r.valuesKey(flagID), environment).Result()
	switch {
	case err == nil:
		if v, ok := r.decodeValueRecord(flagID, raw); ok {
			observability.RegistryL2Hits.Inc()
			return v, nil
		}
	case errors.Is(err, redis.Nil):
	default:
		r.degraded(ctx, "get_flag_value", err)
	}
	observability.RegistryL2Misses.Inc()

	v, err := r.next.GetFlagValue(ctx, flagID, environment)
	if err != nil {
		return nil, err
	}
	r.backfillValue(ctx, flagID, environment, v)
	return v, nil
}

// GetFlagValuesBatch implements registry.ValuesBatcher with one pipelined
// round trip of HGETs.
func (r *RedisRegistry) GetFlagValuesBatch(ctx context.Context, flagIDs []string, environment string) (map[string]*ruleengine.FlagValue, error) {
	out := make(map[string]*ruleengine.FlagValue, len(flagIDs))
	if len(flagIDs) == 0 {
		return out, nil
	}

	cmds := make([]*redis.StringCmd, len(flagIDs))
	_, err := r.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		for i, id := range flagIDs {
			cmds[i] = p.HGet(ctx, r.valuesKey(id), environment)
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		r.degraded(ctx, "get_flag_values_batch", err)
	}

	var misses []string
	for i, id := range flagIDs {
		raw, cmdErr := cmds[i].Result()
		if cmdErr != nil {
			misses = append(misses, id)
			continue
		}
		v, ok := r.decodeValueRecord(id, raw)
		if !ok {
			misses = append(misses, id)
			continue
		}
		if v != nil {
			out[id] = v
		}
	}
	observability.RegistryL2Hits.Add(float64(len(flagIDs) - len(misses)))
	if len(misses) == 0 {
		return out, nil
	}
	observability.RegistryL2Misses.Add(float64(len(misses)))

	fetched, err := r.fetchValues(ctx, misses, environment)
	if err != nil {
		return nil, err
	}
	for _, id := range misses {
		v := fetched[id]
		if v != nil {
			out[id] = v
		}
		r.backfillValue(ctx, id, environment, v)
	}
	return out, nil
}

func (r *RedisRegistry) fetchValues(ctx context.Context, flagIDs []string, environment string) (map[string]*ruleengine.FlagValue, error) {
	if b, ok := r.next.(registry.ValuesBatcher); ok {
		return b.GetFlagValuesBatch(ctx, flagIDs, environment)
	}
	out := make(map[string]*ruleengine.FlagValue, len(flagIDs))
	for _, id := range flagIDs {
		v, err := r.next.GetFlagValue(ctx, id, environment)
		if err != nil {
			return nil, err
		}
		if v != nil {
			out[id] = v
		}
	}
	return out, nil
}

// PutFlag stores flag unless Redis already holds a version at least as new.
func (r *RedisRegistry) PutFlag(ctx context.Context, flag *ruleengine.FeatureFlag) (SetResult, error) {
	data, err := json.Marshal(flag)
	if err != nil {
		return SetResultSkipped, fmt.Errorf("failed to marshal flag %q: %w", flag.Key, err)
	}
	version := flag.UpdatedAt.UnixMicro()
	res, err := setFlagScript.Run(ctx, r.client,
		[]string{r.flagKey(flag.Key)},
		version, encodeRecord(data, version), r.ttl.Milliseconds(),
	).Int()
	if err != nil {
		return SetResultSkipped, fmt.Errorf("failed to store flag %q: %w", flag.Key, err)
	}
	return SetResult(res), nil
}

// PutFlagValue stores an override unless Redis already holds a version at
// least as new.
func (r *RedisRegistry) PutFlagValue(ctx context.Context, v *ruleengine.FlagValue) (SetResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return SetResultSkipped, fmt.Errorf("failed to marshal flag value %q/%q: %w", v.FlagID, v.Environment, err)
	}
	version := v.UpdatedAt.UnixMicro()
	res, err := setValueScript.Run(ctx, r.client,
		[]string{r.valuesKey(v.FlagID)},
		version, encodeRecord(data, version), r.ttl.Milliseconds(), v.Environment,
	).Int()
	if err != nil {
		return SetResultSkipped, fmt.Errorf("failed to store flag value %q/%q: %w", v.FlagID, v.Environment, err)
	}
	return SetResult(res), nil
}

// Forget deletes the cached flag record and all of its overrides. An empty
// flagID is resolved from the cached record.
func (r *RedisRegistry) Forget(ctx context.Context, flagKey, flagID string) error {
	if flagID == "" {
		if raw, err := r.client.Get(ctx, r.flagKey(flagKey)).Result(); err == nil {
			if flag, ok := r.decodeFlagRecord(flagKey, raw); ok && flag != nil {
				flagID = flag.ID
			}
		}
	}

	keys := []string{r.flagKey(flagKey)}
	if flagID != "" {
		keys = append(keys, r.valuesKey(flagID))
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		observability.RegistryL2Errors.WithLabelValues("forget").Inc()
		return fmt.Errorf("failed to forget flag %q: %w", flagKey, err)
	}
	return nil
}

// ForgetValues deletes every cached override of a flag, including cached
// absences, so a later write repopulates the hash from scratch.
func (r *RedisRegistry) ForgetValues(ctx context.Context, flagID string) error {
	if err := r.client.Del(ctx, r.valuesKey(flagID)).Err(); err != nil {
		observability.RegistryL2Errors.WithLabelValues("forget").Inc()
		return fmt.Errorf("failed to forget values of flag %q: %w", flagID, err)
	}
	return nil
}

// backfillFlag caches a source-registry answer; nil caches the absence.
func (r *RedisRegistry) backfillFlag(ctx context.Context, key string, flag *ruleengine.FeatureFlag) {
	var err error
	if flag == nil {
		err = setFlagScript.Run(ctx, r.client, []string{r.flagKey(key)}, 0, absentMarker, r.ttl.Milliseconds()).Err()
	} else {
		_, err = r.PutFlag(ctx, flag)
	}
	if err != nil {
		r.degraded(ctx, "backfill_flag", err)
	}
}

func (r *RedisRegistry) backfillValue(ctx context.Context, flagID, environment string, v *ruleengine.FlagValue) {
	var err error
	if v == nil {
		err = setValueScript.Run(ctx, r.client, []string{r.valuesKey(flagID)},
			0, absentMarker, r.ttl.Milliseconds(), environment).Err()
	} else {
		_, err = r.PutFlagValue(ctx, v)
	}
	if err != nil {
		r.degraded(ctx, "backfill_flag_value", err)
	}
}

// decodeFlagRecord returns (nil, true) for a cached absence and ok=false when
// the record cannot be used.
func (r *RedisRegistry) decodeFlagRecord(key, raw string) (*ruleengine.FeatureFlag, bool) {
	payload := recordPayload(raw)
	if payload == "" {
		return nil, true
	}
	var flag ruleengine.FeatureFlag
	if err := json.Unmarshal([]byte(payload), &flag); err != nil {
		r.logger.Warn("discarding undecodable cached flag", slog.String("flag_key", key), slog.String("error", err.Error()))
		return nil, false
	}
	return &flag, true
}

func (r *RedisRegistry) decodeValueRecord(flagID, raw string) (*ruleengine.FlagValue, bool) {
	payload := recordPayload(raw)
	if payload == "" {
		return nil, true
	}
	var v ruleengine.FlagValue
	if err := json.Unmarshal([]byte(payload), &v); err != nil {
		r.logger.Warn("discarding undecodable cached flag value", slog.String("flag_id", flagID), slog.String("error", err.Error()))
		return nil, false
	}
	return &v, true
}

func (r *RedisRegistry) degraded(ctx context.Context, op string, err error) {
	if ctx.Err() != nil {
		return
	}
	observability.RegistryL2Errors.WithLabelValues(op).Inc()
	r.logger.Warn("redis registry cache unavailable, using source registry",
		slog.String("operation", op),
		slog.String("error", err.Error()),
	)
}

// encodeRecord prefixes the JSON payload with its version: "version|json".
func encodeRecord(jsonData []byte, version int64) string {
	var b strings.Builder
	b.Grow(len(jsonData) + 21)
	b.WriteString(strconv.FormatInt(version, 10))
	b.WriteByte('|')
	b.Write(jsonData)
	return b.String()
}

// recordPayload strips the version prefix. Values without one are returned as
// they are.
func recordPayload(encoded string) string {
	head := encoded
	if len(head) > versionSearchLimit {
		head = head[:versionSearchLimit]
	}
	sep := strings.IndexByte(head, '|')
	if sep < 0 {
		return encoded
	}
	return encoded[sep+1:]
}
