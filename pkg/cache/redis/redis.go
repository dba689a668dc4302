package redis

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"sitecache/pkg/cache"

	"github.com/redis/rueidis"
)

// tagIndexSegment separates the per-tag member sets from cached keys.
const tagIndexSegment = "__tags:"

// deleteBatchSize caps the number of keys sent in one DEL.
const deleteBatchSize = 500

// tagIndexSample is how many index members each tagged Set checks for expiry.
const tagIndexSample = 3

//go:embed tag_index.lua
var tagIndexSource string

var tagIndexScript = rueidis.NewLuaScript(tagIndexSource)

// RedisCache is the remote backend. It owns no local state: every call is a
// round trip to a Redis-protocol store.
//
// Tags are indexed in one Redis set per tag. The set lives at least as long as
// its longest-lived member, and each tagged Set drops a few members whose keys
// have expired. InvalidateTag only deletes index members whose stored
// envelope still carries the tag, and also scans for keys following the
// "*:<tag>:*" naming convention, so keys written by other clients are found
// only if they follow that convention or maintain the set.
type RedisCache struct {
	client rueidis.Client
	name   string
	config RedisCacheConfig
}

// RedisCacheConfig configures the remote backend.
type RedisCacheConfig struct {
	Name string

	// URL is a redis:// or rediss:// connection string. Takes precedence over Addr.
	URL string

	// Addr is a plain host:port used when URL is empty.
	Addr string

	// Token authenticates against the store; it is sent as the AUTH password.
	Token    string
	Username string

	// KeyPrefix namespaces every key written by this backend. Clear only
	// touches keys under the prefix.
	KeyPrefix string

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// ScanCount is the COUNT hint for SCAN iterations.
	ScanCount int64
}

// DefaultRedisCacheConfig returns defaults for a local Redis.
func DefaultRedisCacheConfig() RedisCacheConfig {
	return RedisCacheConfig{
		Name:         cache.KindRemote,
		Addr:         "localhost:6379",
		KeyPrefix:    "site:",
		DialTimeout:  5 * time.Second,
		WriteTimeout: 3 * time.Second,
		ScanCount:    200,
	}
}

// NewRedisCache connects to the store and verifies it answers PING within
// DialTimeout.
func NewRedisCache(config RedisCacheConfig) (*RedisCache, error) {
	defaults := DefaultRedisCacheConfig()
	if config.Name == "" {
		config.Name = defaults.Name
	}
	if config.DialTimeout <= 0 {
		config.DialTimeout = defaults.DialTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ScanCount <= 0 {
		config.ScanCount = defaults.ScanCount
	}

	var clientOpts rueidis.ClientOption
	switch {
	case config.URL != "":
		parsed, err := rueidis.ParseURL(config.URL)
		if err != nil {
			return nil, fmt.Errorf("redis: invalid url: %w", err)
		}
		clientOpts = parsed
	case config.Addr != "":
		clientOpts.InitAddress = []string{config.Addr}
	default:
		return nil, errors.New("redis: no address configured (set URL or Addr)")
	}

	if config.Token != "" {
		clientOpts.Password = config.Token
	}
	if config.Username != "" {
		clientOpts.Username = config.Username
	}
	clientOpts.Dialer.Timeout = config.DialTimeout
	clientOpts.ConnWriteTimeout = config.WriteTimeout
	// Hosted stores often lack RESP3 client tracking.
	clientOpts.DisableCache = true

	client, err := rueidis.NewClient(clientOpts)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to create client: %w", errors.Join(cache.ErrBackendUnavailable, err))
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DialTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping server: %w", errors.Join(cache.ErrBackendUnavailable, err))
	}

	return &RedisCache{
		client: client,
		name:   config.Name,
		config: config,
	}, nil
}

// Get reads key. Values that are not a JSON envelope come back unchanged as
// a string.
func (r *RedisCache) Get(ctx context.Context, key string) (*cache.Entry, error) {
	resp := r.client.Do(ctx, r.client.B().Get().Key(r.fullKey(key)).Build())
	if err := resp.Error(); err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, cache.ErrKeyNotFound
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}

	raw, err := resp.ToString()
	if err != nil {
		return nil, fmt.Errorf("redis get: failed to read response: %w", err)
	}

	return decodeEntry(raw), nil
}

// Set writes entry with EX set from its TTL and records the key in the
// index set of each tag.
func (r *RedisCache) Set(ctx context.Context, key string, entry *cache.Entry) error {
	payload, err := encodeEntry(entry)
	if err != nil {
		return fmt.Errorf("redis set: failed to marshal: %w", err)
	}

	fullKey := r.fullKey(key)
	ttl := time.Duration(entry.Metadata.TTL) * time.Second

	cmd := r.client.B().Set().Key(fullKey).Value(payload).Build()
	if ttl > 0 {
		cmd = r.client.B().Set().Key(fullKey).Value(payload).Ex(ttl).Build()
	}
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	if len(entry.Metadata.Tags) == 0 {
		return nil
	}

	args := []string{fullKey, strconv.FormatInt(ttl.Milliseconds(), 10), strconv.Itoa(tagIndexSample)}
	execs := make([]rueidis.LuaExec, 0, len(entry.Metadata.Tags))
	for _, tag := range entry.Metadata.Tags {
		execs = append(execs, rueidis.LuaExec{Keys: []string{r.tagKey(tag)}, Args: args})
	}

	var errs []error
	for _, resp := range tagIndexScript.ExecMulti(ctx, r.client, execs...) {
		if err := resp.Error(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("redis set: tag index: %w", errors.Join(errs...))
	}

	return nil
}

// Delete removes key and reports whether it existed.
func (r *RedisCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Del().Key(r.fullKey(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("redis delete: %w", err)
	}
	return n > 0, nil
}

// Exists reports whether key is present. Expiry is enforced by the store.
func (r *RedisCache) Exists(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Do(ctx, r.client.B().Exists().Key(r.fullKey(key)).Build()).AsInt64()
	if err != nil {
		return false, fmt.Errorf("redis exists: %w", err)
	}
	return n > 0, nil
}

// Keys lists keys under the prefix matching pattern, with the prefix removed.
// Tag index sets are not reported.
func (r *RedisCache) Keys(ctx context.Context, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}

	fullKeys, err := r.scan(ctx, r.config.KeyPrefix+pattern)
	if err != nil {
		return nil, fmt.Errorf("redis keys: %w", err)
	}

	keys := make([]string, 0, len(fullKeys))
	for _, k := range fullKeys {
		if r.isIndexKey(k) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(k, r.config.KeyPrefix))
	}
	return keys, nil
}

// InvalidateTag deletes every index member that still carries tag plus every
// key matching the "*:<tag>:*" convention, drops the index, and returns how
// many keys existed. Members overwritten without the tag are left alone.
func (r *RedisCache) InvalidateTag(ctx context.Context, tag string) (int, error) {
	tagKey := r.tagKey(tag)

	members, err := r.client.Do(ctx, r.client.B().Smembers().Key(tagKey).Build()).AsStrSlice()
	if err != nil && !rueidis.IsRedisNil(err) {
		return 0, fmt.Errorf("redis invalidate tag: %w", err)
	}

	tagged, err := r.stillTagged(ctx, members, tag)
	if err != nil {
		return 0, fmt.Errorf("redis invalidate tag: %w", err)
	}

	scanned, err := r.scan(ctx, r.config.KeyPrefix+cache.TagScanPattern(tag))
	if err != nil {
		return 0, fmt.Errorf("redis invalidate tag: %w", err)
	}

	seen := make(map[string]struct{}, len(tagged)+len(scanned))
	targets := make([]string, 0, len(tagged)+len(scanned))
	for _, k := range append(tagged, scanned...) {
		if _, dup := seen[k]; dup || r.isIndexKey(k) {
			continue
		}
		seen[k] = struct{}{}
		targets = append(targets, k)
	}

	deleted, err := r.deleteFull(ctx, targets)
	if err != nil {
		return deleted, fmt.Errorf("redis invalidate tag: %w", err)
	}

	if err := r.client.Do(ctx, r.client.B().Del().Key(tagKey).Build()).Error(); err != nil {
		return deleted, fmt.Errorf("redis invalidate tag: drop index: %w", err)
	}

	return deleted, nil
}

// stillTagged reads the index members and keeps those whose envelope carries
// tag. Missing members are skipped. Raw values have no metadata to check, so
// the index is trusted for them.
func (r *RedisCache) stillTagged(ctx context.Context, fullKeys []string, tag string) ([]string, error) {
	tagged := make([]string, 0, len(fullKeys))
	for start := 0; start < len(fullKeys); start += deleteBatchSize {
		end := min(start+deleteBatchSize, len(fullKeys))
		batch := fullKeys[start:end]

		cmds := make([]rueidis.Completed, 0, len(batch))
		for _, k := range batch {
			cmds = append(cmds, r.client.B().Get().Key(k).Build())
		}

		for i, resp := range r.client.DoMulti(ctx, cmds...) {
			raw, err := resp.ToString()
			if err != nil {
				if rueidis.IsRedisNil(err) {
					continue
				}
				return nil, err
			}
			if e := decodeEntry(raw); e.Raw || e.HasTag(tag) {
				tagged = append(tagged, batch[i])
			}
		}
	}
	return tagged, nil
}

// Clear deletes every key under the prefix one batch at a time. It never
// issues FLUSHDB, so data from other applications sharing the store survives.
func (r *RedisCache) Clear(ctx context.Context) error {
	fullKeys, err := r.scan(ctx, r.config.KeyPrefix+"*")
	if err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	if _, err := r.deleteFull(ctx, fullKeys); err != nil {
		return fmt.Errorf("redis clear: %w", err)
	}
	return nil
}

// Stats counts the keys under the prefix.
func (r *RedisCache) Stats(ctx context.Context) (cache.Stats, error) {
	keys, err := r.Keys(ctx, "*")
	if err != nil {
		return cache.Stats{}, err
	}
	return cache.Stats{Backend: cache.KindRemote, Size: len(keys)}, nil
}

// Ping checks connectivity.
func (r *RedisCache) Ping(ctx context.Context) error {
	if err := r.client.Do(ctx, r.client.B().Ping().Build()).Error(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Name returns the backend name.
func (r *RedisCache) Name() string {
	return r.name
}

// Close closes the client.
func (r *RedisCache) Close() error {
	r.client.Close()
	return nil
}

func (r *RedisCache) fullKey(key string) string {
	return r.config.KeyPrefix + key
}

func (r *RedisCache) tagKey(tag string) string {
	return r.config.KeyPrefix + tagIndexSegment + tag
}

func (r *RedisCache) isIndexKey(fullKey string) bool {
	return strings.HasPrefix(fullKey, r.config.KeyPrefix+tagIndexSegment)
}

// scan walks the keyspace with SCAN MATCH and returns full keys.
func (r *RedisCache) scan(ctx context.Context, match string) ([]string, error) {
	var (
		keys   []string
		cursor uint64
	)
	for {
		cmd := r.client.B().Scan().Cursor(cursor).Match(match).Count(r.config.ScanCount).Build()
		entry, err := r.client.Do(ctx, cmd).AsScanEntry()
		if err != nil {
			return nil, err
		}
		keys = append(keys, entry.Elements...)
		cursor = entry.Cursor
		if cursor == 0 {
			return keys, nil
		}
	}
}

// deleteFull removes full keys in batches and returns how many existed.
func (r *RedisCache) deleteFull(ctx context.Context, fullKeys []string) (int, error) {
	deleted := 0
	for start := 0; start < len(fullKeys); start += deleteBatchSize {
		end := start + deleteBatchSize
		if end > len(fullKeys) {
			end = len(fullKeys)
		}
		n, err := r.client.Do(ctx, r.client.B().Del().Key(fullKeys[start:end]...).Build()).AsInt64()
		if err != nil {
			return deleted, err
		}
		deleted += int(n)
	}
	return deleted, nil
}

type envelope struct {
	Value    json.RawMessage `json:"value"`
	Metadata *cache.Metadata `json:"metadata"`
}

// encodeEntry renders the stored form: the JSON envelope, or the value
// coerced to a string for raw entries.
func encodeEntry(entry *cache.Entry) (string, error) {
	if entry == nil {
		return "", cache.ErrInvalidValue
	}
	if entry.Raw {
		return stringify(entry.Value), nil
	}

	value, err := json.Marshal(entry.Value)
	if err != nil {
		return "", errors.Join(cache.ErrInvalidValue, err)
	}
	meta := entry.Metadata
	if meta.Tags == nil {
		meta.Tags = []string{}
	}
	data, err := json.Marshal(envelope{Value: value, Metadata: &meta})
	if err != nil {
		return "", errors.Join(cache.ErrInvalidValue, err)
	}
	return string(data), nil
}

// decodeEntry parses an envelope. Anything else, including JSON that is not
// an envelope, is returned as a raw string value.
func decodeEntry(raw string) *cache.Entry {
	var env envelope
	if err := json.Unmarshal([]byte(raw), &env); err != nil || env.Metadata == nil || env.Value == nil {
		return &cache.Entry{Value: raw, Raw: true}
	}

	var value any
	if err := json.Unmarshal(env.Value, &value); err != nil {
		return &cache.Entry{Value: raw, Raw: true}
	}

	return &cache.Entry{Value: value, Metadata: *env.Metadata}
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case []byte:
		return string(s)
	case fmt.Stringer:
		return s.String()
	default:
		return fmt.Sprint(v)
	}
}

var (
	_ cache.Backend        = (*RedisCache)(nil)
	_ cache.TagInvalidator = (*RedisCache)(nil)
)
