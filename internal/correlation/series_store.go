package correlation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"wq_miner/internal/constant"
	"wq_miner/internal/model"
	"wq_miner/internal/repo"
	"wq_miner/internal/svc"
)

var ErrMissing = errors.New("series not cached")

type Series struct {
	AlphaID   string         `json:"alpha_id"`
	Region    string         `json:"region"`
	Pool      string         `json:"pool"`
	Points    []svc.PnlPoint `json:"points"`
	Finalized bool           `json:"finalized"`
	FetchedAt time.Time      `json:"fetched_at"`
}

// SeriesStore persists fetched series across restarts.
type SeriesStore interface {
	Load(ctx context.Context, alphaID string) (*Series, error)
	Save(ctx context.Context, series *Series) error
	LoadPool(ctx context.Context, pool string) ([]Series, error)
	DeletePoolExcept(ctx context.Context, pool string, keep []string) (int64, error)
}

// encodePoints stores points as [[date, pnl], ...].
func encodePoints(points []svc.PnlPoint) ([]byte, error) {
	pairs := make([][2]any, len(points))
	for i, p := range points {
		pairs[i] = [2]any{p.Date, p.Value}
	}
	return json.Marshal(pairs)
}

func decodePoints(raw []byte) ([]svc.PnlPoint, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var pairs [][2]any
	if err := json.Unmarshal(raw, &pairs); err != nil {
		return nil, err
	}
	points := make([]svc.PnlPoint, 0, len(pairs))
	for _, pair := range pairs {
		date, ok := pair[0].(string)
		value, okv := pair[1].(float64)
		if !ok || !okv {
			continue
		}
		points = append(points, svc.PnlPoint{Date: date, Value: value})
	}
	return points, nil
}

type GormSeriesStore struct {
	seriesRepo *repo.SeriesRepo
}

func NewGormSeriesStore(seriesRepo *repo.SeriesRepo) *GormSeriesStore {
	return &GormSeriesStore{seriesRepo: seriesRepo}
}

func fromModel(m *model.ReturnSeries) (*Series, error) {
	points, err := decodePoints(m.Points)
	if err != nil {
		return nil, fmt.Errorf("decode series %s: %w", m.AlphaID, err)
	}
	return &Series{
		AlphaID:   m.AlphaID,
		Region:    m.Region,
		Pool:      m.Pool,
		Points:    points,
		Finalized: m.Finalized,
		FetchedAt: m.FetchedAt,
	}, nil
}

func (g *GormSeriesStore) Load(ctx context.Context, alphaID string) (*Series, error) {
	m, err := g.seriesRepo.FindByAlphaId(ctx, alphaID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrMissing
		}
		return nil, err
	}
	return fromModel(m)
}

func (g *GormSeriesStore) Save(ctx context.Context, series *Series) error {
	raw, err := encodePoints(series.Points)
	if err != nil {
		return fmt.Errorf("encode series %s: %w", series.AlphaID, err)
	}
	return g.seriesRepo.Save(ctx, &model.ReturnSeries{
		AlphaID:   series.AlphaID,
		Region:    series.Region,
		Pool:      series.Pool,
		Points:    raw,
		Finalized: series.Finalized,
		FetchedAt: series.FetchedAt,
	})
}

func (g *GormSeriesStore) LoadPool(ctx context.Context, pool string) ([]Series, error) {
	rows, err := g.seriesRepo.FindByPool(ctx, pool)
	if err != nil {
		return nil, err
	}
	list := make([]Series, 0, len(rows))
	for i := range rows {
		s, err := fromModel(&rows[i])
		if err != nil {
			continue
		}
		list = append(list, *s)
	}
	return list, nil
}

func (g *GormSeriesStore) DeletePoolExcept(ctx context.Context, pool string, keep []string) (int64, error) {
	return g.seriesRepo.DeletePoolExcept(ctx, pool, keep)
}

// RedisSeriesStore keeps one JSON value per alpha plus a set of ids per pool.
type RedisSeriesStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisSeriesStore(client redis.UniversalClient, prefix string) *RedisSeriesStore {
	return &RedisSeriesStore{client: client, prefix: prefix}
}

func (r *RedisSeriesStore) key(alphaID string) string {
	return r.prefix + alphaID
}

func (r *RedisSeriesStore) poolKey(pool string) string {
	return r.prefix + "pool:" + pool
}

func (r *RedisSeriesStore) Load(ctx context.Context, alphaID string) (*Series, error) {
	raw, err := r.client.Get(ctx, r.key(alphaID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrMissing
		}
		return nil, fmt.Errorf("redis get %s: %w", alphaID, err)
	}
	var s Series
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("decode series %s: %w", alphaID, err)
	}
	return &s, nil
}

func (r *RedisSeriesStore) Save(ctx context.Context, series *Series) error {
	raw, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode series %s: %w", series.AlphaID, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.key(series.AlphaID), raw, 0)
		for _, pool := range []string{constant.PoolSelf, constant.PoolCompetitive, constant.PoolCandidate} {
			if pool != series.Pool {
				pipe.SRem(ctx, r.poolKey(pool), series.AlphaID)
			}
		}
		pipe.SAdd(ctx, r.poolKey(series.Pool), series.AlphaID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save %s: %w", series.AlphaID, err)
	}
	return nil
}

func (r *RedisSeriesStore) LoadPool(ctx context.Context, pool string) ([]Series, error) {
	ids, err := r.client.SMembers(ctx, r.poolKey(pool)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis members %s: %w", pool, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.key(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget %s: %w", pool, err)
	}
	list := make([]Series, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var s Series
		if err := json.Unmarshal([]byte(raw), &s); err != nil {
			continue
		}
		list = append(list, s)
	}
	return list, nil
}

func (r *RedisSeriesStore) DeletePoolExcept(ctx context.Context, pool string, keep []string) (int64, error) {
	ids, err := r.client.SMembers(ctx, r.poolKey(pool)).Result()
	if err != nil {
		return 0, fmt.Errorf("redis members %s: %w", pool, err)
	}
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	var deleted int64
	for _, id := range ids {
		if kept[id] {
			continue
		}
		if _, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Del(ctx, r.key(id))
			pipe.SRem(ctx, r.poolKey(pool), id)
			return nil
		}); err != nil {
			return deleted, fmt.Errorf("redis delete %s: %w", id, err)
		}
		deleted++
	}
	return deleted, nil
}
