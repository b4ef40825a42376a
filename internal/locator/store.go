package locator

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/redis/go-redis/v9"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Source records which strategy produced a Location.
type Source string

const (
	SourceCached     Source = "cached"
	SourceFallback   Source = "fallback"
	SourceDiscovered Source = "discovered"
)

// Location is the durable record of where the integrity module lives.
type Location struct {
	URL          string    `json:"url"`
	DiscoveredAt time.Time `json:"discoveredAt"`
	Source       Source    `json:"source"`
}

// Store is the durable scoped storage behind the locator. Get reports
// ok=false when nothing is cached; that is not an error.
type Store interface {
	Get(ctx context.Context) (Location, bool, error)
	Put(ctx context.Context, loc Location) error
	Delete(ctx context.Context) error
}

// MemoryStore keeps the location for the life of the process. Used in
// tests and as a degraded fallback when no durable backend is configured.
type MemoryStore struct {
	loc Location
	set bool
}

func NewMemoryStore() *MemoryStore { return &MemoryStore{} }

func (s *MemoryStore) Get(context.Context) (Location, bool, error) {
	return s.loc, s.set, nil
}

func (s *MemoryStore) Put(_ context.Context, loc Location) error {
	s.loc, s.set = loc, true
	return nil
}

func (s *MemoryStore) Delete(context.Context) error {
	s.loc, s.set = Location{}, false
	return nil
}

// FileStore persists the location as a small JSON file, surviving
// restarts of the daemon.
type FileStore struct {
	path string
}

func NewFileStore(path string) *FileStore { return &FileStore{path: path} }

func (s *FileStore) Get(context.Context) (Location, bool, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, fmt.Errorf("read location cache: %w", err)
	}
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return Location{}, false, fmt.Errorf("decode location cache: %w", err)
	}
	if loc.URL == "" {
		return Location{}, false, nil
	}
	return loc, true, nil
}

func (s *FileStore) Put(_ context.Context, loc Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location cache: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create cache dir: %w", err)
		}
	}
	return os.WriteFile(s.path, data, 0o644)
}

func (s *FileStore) Delete(context.Context) error {
	err := os.Remove(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

// RedisStore persists the location in Redis under a single key, sharing
// the cache across daemon instances.
type RedisStore struct {
	client *redis.Client
	key    string
}

func NewRedisStore(client *redis.Client, key string) *RedisStore {
	if key == "" {
		key = "wplacer:module-location"
	}
	return &RedisStore{client: client, key: key}
}

func (s *RedisStore) Get(ctx context.Context) (Location, bool, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return Location{}, false, nil
	}
	if err != nil {
		return Location{}, false, fmt.Errorf("redis get: %w", err)
	}
	var loc Location
	if err := json.Unmarshal(data, &loc); err != nil {
		return Location{}, false, fmt.Errorf("decode location cache: %w", err)
	}
	return loc, loc.URL != "", nil
}

func (s *RedisStore) Put(ctx context.Context, loc Location) error {
	data, err := json.Marshal(loc)
	if err != nil {
		return fmt.Errorf("encode location cache: %w", err)
	}
	return s.client.Set(ctx, s.key, data, 0).Err()
}

func (s *RedisStore) Delete(ctx context.Context) error {
	return s.client.Del(ctx, s.key).Err()
}
