package projection

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/ggp-io/eventpipe/internal/jsoncodec"
)

// DocumentStore is the narrow contract the projection handler needs from the
// read-model store: key-scoped upserts, never blind inserts. Put replaces
// the whole document; Patch upserts a subset of its fields.
type DocumentStore interface {
	Put(ctx context.Context, collection, key string, fields map[string]any) error
	Patch(ctx context.Context, collection, key string, fields map[string]any) error
}

// RedisStore keeps each document as a Redis hash under "<collection>:<key>",
// with every field value JSON-encoded. Hash-per-document makes Patch a plain
// HSET and keeps full replaces atomic via a transactional pipeline.
type RedisStore struct {
	client redis.UniversalClient
}

// NewRedisStore connects to the document store and verifies the connection.
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// NewRedisStoreFromClient wraps an existing client.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{client: client}
}

// Put replaces the document: delete plus set in one transaction so readers
// never observe stale fields from a previous shape.
func (s *RedisStore) Put(ctx context.Context, collection, key string, fields map[string]any) error {
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		docKey := documentKey(collection, key)
		pipe.Del(ctx, docKey)
		pipe.HSet(ctx, docKey, encoded)
		return nil
	})
	if err != nil {
		return fmt.Errorf("put %s/%s: %w", collection, key, err)
	}
	return nil
}

// Patch upserts the supplied fields, leaving the rest of the document alone.
func (s *RedisStore) Patch(ctx context.Context, collection, key string, fields map[string]any) error {
	encoded, err := encodeFields(fields)
	if err != nil {
		return err
	}
	if err := s.client.HSet(ctx, documentKey(collection, key), encoded).Err(); err != nil {
		return fmt.Errorf("patch %s/%s: %w", collection, key, err)
	}
	return nil
}

// Close releases the client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

func documentKey(collection, key string) string {
	return collection + ":" + key
}

func encodeFields(fields map[string]any) (map[string]string, error) {
	encoded := make(map[string]string, len(fields))
	for name, value := range fields {
		raw, err := jsoncodec.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("encode field %s: %w", name, err)
		}
		encoded[name] = string(raw)
	}
	return encoded, nil
}
