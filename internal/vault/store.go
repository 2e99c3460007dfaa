package vault

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/99designs/keyring"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/YKarmar/JobFunnel/internal/types"
)

// ErrNotFound is returned when no record exists for a session id.
var ErrNotFound = errors.New("session not found")

// Store persists session records. Token fields are already encrypted when
// they reach a Store.
type Store interface {
	Get(ctx context.Context, id string) (*types.Session, error)
	Put(ctx context.Context, s *types.Session) error
	Delete(ctx context.Context, id string) error
}

// OpenStore selects a backend from a location string:
// "file:<dir>" (or a bare directory), "redis", or "keyring[:<dir>]".
func OpenStore(location string, rdb *redis.Client, ttl time.Duration) (Store, error) {
	switch {
	case location == "redis":
		if rdb == nil {
			return nil, errors.New("redis session store needs a redis client")
		}
		return NewRedisStore(rdb, ttl), nil
	case location == "keyring" || strings.HasPrefix(location, "keyring:"):
		return OpenKeyringStore(strings.TrimPrefix(strings.TrimPrefix(location, "keyring"), ":"))
	default:
		return NewFileStore(strings.TrimPrefix(location, "file:"))
	}
}

func validID(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrNotFound
	}
	return nil
}

// FileStore keeps one JSON file per session.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) Get(_ context.Context, id string) (*types.Session, error) {
	if err := validID(id); err != nil {
		return nil, err
	}
	b, err := os.ReadFile(f.path(id))
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var s types.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (f *FileStore) Put(_ context.Context, s *types.Session) error {
	if err := validID(s.ID); err != nil {
		return fmt.Errorf("put session: invalid id")
	}
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	tmp, err := os.CreateTemp(f.dir, s.ID+".*.tmp")
	if err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("write session: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp.Name(), f.path(s.ID)); err != nil {
		return fmt.Errorf("commit session: %w", err)
	}
	return nil
}

func (f *FileStore) Delete(_ context.Context, id string) error {
	if err := validID(id); err != nil {
		return nil
	}
	if err := os.Remove(f.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	return nil
}

// RedisStore keeps sessions in Redis with an expiry matching the session TTL.
type RedisStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisStore(rdb *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{rdb: rdb, ttl: ttl}
}

func redisKey(id string) string { return "jobfunnel:session:" + id }

func (r *RedisStore) Get(ctx context.Context, id string) (*types.Session, error) {
	b, err := r.rdb.Get(ctx, redisKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get session: %w", err)
	}
	var s types.Session
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (r *RedisStore) Put(ctx context.Context, s *types.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := r.rdb.Set(ctx, redisKey(s.ID), b, r.ttl).Err(); err != nil {
		return fmt.Errorf("redis put session: %w", err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, id string) error {
	if err := r.rdb.Del(ctx, redisKey(id)).Err(); err != nil {
		return fmt.Errorf("redis delete session: %w", err)
	}
	return nil
}

// KeyringStore keeps sessions in the OS credential store, for CLI use.
type KeyringStore struct {
	ring keyring.Keyring
}

const keyringService = "jobfunnel"

// OpenKeyringStore opens the system keyring, falling back to an encrypted
// file keyring under fileDir.
func OpenKeyringStore(fileDir string) (*KeyringStore, error) {
	if fileDir == "" {
		fileDir = "~/.config/jobfunnel/keyring"
	}
	ring, err := keyring.Open(keyring.Config{
		ServiceName: keyringService,
		AllowedBackends: []keyring.BackendType{
			keyring.KeychainBackend,
			keyring.SecretServiceBackend,
			keyring.WinCredBackend,
			keyring.FileBackend,
		},
		FileDir:                  fileDir,
		FilePasswordFunc:         keyring.FixedStringPrompt(os.Getenv("JOBFUNNEL_KEYRING_PASSWORD")),
		KeychainTrustApplication: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening keyring: %w", err)
	}
	return &KeyringStore{ring: ring}, nil
}

// NewKeyringStore wraps an already opened keyring.
func NewKeyringStore(ring keyring.Keyring) *KeyringStore {
	return &KeyringStore{ring: ring}
}

func (k *KeyringStore) Get(_ context.Context, id string) (*types.Session, error) {
	item, err := k.ring.Get(id)
	if errors.Is(err, keyring.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting session %q: %w", id, err)
	}
	var s types.Session
	if err := json.Unmarshal(item.Data, &s); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &s, nil
}

func (k *KeyringStore) Put(_ context.Context, s *types.Session) error {
	b, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	err = k.ring.Set(keyring.Item{
		Key:   s.ID,
		Data:  b,
		Label: "JobFunnel session (" + string(s.Provider) + ")",
	})
	if err != nil {
		return fmt.Errorf("setting session %q: %w", s.ID, err)
	}
	return nil
}

func (k *KeyringStore) Delete(_ context.Context, id string) error {
	if err := k.ring.Remove(id); err != nil && !errors.Is(err, keyring.ErrKeyNotFound) {
		return fmt.Errorf("deleting session %q: %w", id, err)
	}
	return nil
}
