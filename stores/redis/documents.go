// Package redis stores document states in Redis, with a sorted set indexing
// document names by update time.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"collab-server/core"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const DefaultPrefix = "collab:"

type DocumentStore struct {
	client *redis.Client
	prefix string
}

// NewDocumentStore connects to redisURL and verifies the connection.
func NewDocumentStore(redisURL, prefix string) (*DocumentStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewDocumentStoreWithClient(client, prefix), nil
}

func NewDocumentStoreWithClient(client *redis.Client, prefix string) *DocumentStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &DocumentStore{client: client, prefix: prefix}
}

func (s *DocumentStore) key(name string) string {
	return s.prefix + "doc:" + name
}

func (s *DocumentStore) indexKey() string {
	return s.prefix + "documents"
}

func (s *DocumentStore) Close() error {
	return s.client.Close()
}

func (s *DocumentStore) Load(ctx context.Context, name string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, core.ErrNotFound
		}
		logrus.WithField("document_name", name).WithError(err).Error("Failed to load document from redis")
		return nil, fmt.Errorf("get document %s: %w", name, err)
	}
	return data, nil
}

// Save writes the state and its index entry in one MULTI/EXEC.
func (s *DocumentStore) Save(ctx context.Context, name string, data []byte) error {
	now := time.Now().UnixMilli()

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.key(name), data, 0)
		pipe.ZAdd(ctx, s.indexKey(), redis.Z{Score: float64(now), Member: name})
		return nil
	})
	if err != nil {
		logrus.WithField("document_name", name).WithError(err).Error("Failed to save document to redis")
		return fmt.Errorf("save document %s: %w", name, err)
	}
	return nil
}

func (s *DocumentStore) ListDocuments(ctx context.Context) ([]core.StoredDocument, error) {
	members, err := s.client.ZRevRangeWithScores(ctx, s.indexKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}

	pipe := s.client.Pipeline()
	lengths := make([]*redis.IntCmd, len(members))
	for i, m := range members {
		lengths[i] = pipe.StrLen(ctx, s.key(m.Member.(string)))
	}
	if len(members) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("read document sizes: %w", err)
		}
	}

	documents := make([]core.StoredDocument, 0, len(members))
	for i, m := range members {
		documents = append(documents, core.StoredDocument{
			Name:      m.Member.(string),
			Size:      int(lengths[i].Val()),
			UpdatedAt: int64(m.Score),
		})
	}
	return documents, nil
}
