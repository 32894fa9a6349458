package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/atelier-ai/atelier/pkg/api"
)

// RedisStore is a Store backed by Redis. It uses a simple key structure:
//
//	<prefix>run:<id>             => JSON-encoded run payload
//	<prefix>idx:all              => SET of all run IDs
//	<prefix>idx:kind:<kind>      => SET of run IDs for a given kind
//	<prefix>idx:status:<status>  => SET of run IDs for a given status
//
// The indexes are best-effort; they are always updated on Save/Update/Delete,
// and ListRuns uses set membership for filtering.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a RedisStore.
// prefix is optional but recommended (e.g. "atelier:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "atelier:"
	}
	return &RedisStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisStore) keyRun(id string) string {
	return s.prefix + "run:" + id
}

func (s *RedisStore) keyAll() string {
	return s.prefix + "idx:all"
}

func (s *RedisStore) keyKind(kind api.Kind) string {
	return s.prefix + "idx:kind:" + string(kind)
}

func (s *RedisStore) keyStatus(status api.Status) string {
	return s.prefix + "idx:status:" + string(status)
}

func (s *RedisStore) SaveRun(run *api.Run) error {
	ctx := context.Background()

	exists, err := s.client.Exists(ctx, s.keyRun(run.ID)).Result()
	if err != nil {
		return err
	}
	if exists > 0 {
		return fmt.Errorf("run already exists: %s", run.ID)
	}

	return s.write(ctx, run, "")
}

func (s *RedisStore) UpdateRun(run *api.Run) error {
	ctx := context.Background()

	prev, err := s.GetRun(run.ID)
	if err != nil {
		return err
	}

	prevStatus := ""
	if prev.Status != run.Status {
		prevStatus = string(prev.Status)
	}
	return s.write(ctx, run, prevStatus)
}

// write stores the payload and refreshes the indexes. prevStatus, when
// non-empty, names a status index the run must be removed from.
func (s *RedisStore) write(ctx context.Context, run *api.Run, prevStatus string) error {
	payload, err := EncodeRun(run)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyRun(run.ID), payload, 0)
	pipe.SAdd(ctx, s.keyAll(), run.ID)
	pipe.SAdd(ctx, s.keyKind(run.Kind), run.ID)
	pipe.SAdd(ctx, s.keyStatus(run.Status), run.ID)
	if prevStatus != "" {
		pipe.SRem(ctx, s.prefix+"idx:status:"+prevStatus, run.ID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore) GetRun(id string) (*api.Run, error) {
	ctx := context.Background()

	data, err := s.client.Get(ctx, s.keyRun(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, api.ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return DecodeRun(data)
}

func (s *RedisStore) ListRuns(filter Filter) ([]*api.Run, error) {
	ctx := context.Background()

	var ids []string
	var err error

	switch {
	case filter.Kind != "" && filter.Status != "":
		ids, err = s.client.SInter(ctx, s.keyKind(filter.Kind), s.keyStatus(filter.Status)).Result()
	case filter.Kind != "":
		ids, err = s.client.SMembers(ctx, s.keyKind(filter.Kind)).Result()
	case filter.Status != "":
		ids, err = s.client.SMembers(ctx, s.keyStatus(filter.Status)).Result()
	default:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*api.Run, 0, len(ids))
	for _, id := range ids {
		run, err := s.GetRun(id)
		if errors.Is(err, api.ErrRunNotFound) {
			// Index entry outlived the payload; skip it.
			continue
		}
		if err != nil {
			return nil, err
		}
		result = append(result, run)
	}
	return result, nil
}

func (s *RedisStore) DeleteRun(id string) error {
	ctx := context.Background()

	run, err := s.GetRun(id)
	if errors.Is(err, api.ErrRunNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.keyRun(id))
	pipe.SRem(ctx, s.keyAll(), id)
	pipe.SRem(ctx, s.keyKind(run.Kind), id)
	pipe.SRem(ctx, s.keyStatus(run.Status), id)
	_, err = pipe.Exec(ctx)
	return err
}
