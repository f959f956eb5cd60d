package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"wq_miner/internal/constant"
	"wq_miner/internal/metrics"
	"wq_miner/internal/svc"
)

// Platform is the slice of the BRAIN API the cache reads from.
type Platform interface {
	GetPnl(ctx context.Context, alphaId string) ([]svc.PnlPoint, error)
	ListSubmitted(ctx context.Context, offset, limit int) (*svc.AlphaPage, error)
}

type member struct {
	pool   string
	region string
}

type CacheOptions struct {
	TTL      time.Duration
	Workers  int
	PageSize int
	Metrics  *metrics.Metrics
}

// Cache is an in-memory layer over a SeriesStore, filled from the platform on miss.
type Cache struct {
	platform Platform
	store    SeriesStore
	opts     CacheOptions
	now      func() time.Time

	mutex   sync.RWMutex
	memory  map[string]*Series
	members map[string]member
	scanned bool
}

func NewCache(platform Platform, store SeriesStore, opts CacheOptions) *Cache {
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.Workers <= 0 {
		opts.Workers = 3
	}
	if opts.PageSize <= 0 {
		opts.PageSize = constant.SubmittedPageLimit
	}
	return &Cache{
		platform: platform,
		store:    store,
		opts:     opts,
		now:      time.Now,
		memory:   make(map[string]*Series),
		members:  make(map[string]member),
	}
}

func (c *Cache) fresh(s *Series, pool string) bool {
	if s == nil || s.Pool != pool {
		return false
	}
	return s.Finalized || c.now().Sub(s.FetchedAt) < c.opts.TTL
}

func (c *Cache) remember(s *Series) {
	c.mutex.Lock()
	c.memory[s.AlphaID] = s
	c.mutex.Unlock()
}

// GetSeries returns a candidate's in-sample pnl. Candidate series never change once fetched.
func (c *Cache) GetSeries(ctx context.Context, alphaID string) (*Series, error) {
	return c.get(ctx, alphaID, constant.PoolCandidate, "", true)
}

func (c *Cache) get(ctx context.Context, alphaID, pool, region string, finalized bool) (*Series, error) {
	c.mutex.RLock()
	cached := c.memory[alphaID]
	c.mutex.RUnlock()
	if c.fresh(cached, pool) {
		c.opts.Metrics.SeriesFetched("memory")
		return cached, nil
	}

	stored, err := c.store.Load(ctx, alphaID)
	switch {
	case err == nil && c.fresh(stored, pool):
		c.remember(stored)
		c.opts.Metrics.SeriesFetched("store")
		return stored, nil
	case err != nil && !errors.Is(err, ErrMissing):
		log.Warnf("load cached series %s: %v", alphaID, err)
	}

	points, err := c.platform.GetPnl(ctx, alphaID)
	if err != nil {
		return nil, fmt.Errorf("fetch pnl %s: %w", alphaID, err)
	}
	c.opts.Metrics.SeriesFetched("platform")
	s := &Series{
		AlphaID:   alphaID,
		Region:    region,
		Pool:      pool,
		Points:    points,
		Finalized: finalized,
		FetchedAt: c.now(),
	}
	// an empty recordset is still being computed; retry next cycle
	if len(points) == 0 {
		return s, nil
	}
	if err := c.store.Save(ctx, s); err != nil {
		log.Warnf("persist series %s: %v", alphaID, err)
	}
	c.remember(s)
	return s, nil
}

// GetMany fetches candidate series in parallel. Failures are logged and left out of the result.
func (c *Cache) GetMany(ctx context.Context, ids []string) map[string]*Series {
	out := make(map[string]*Series, len(ids))
	var mutex sync.Mutex
	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for _, id := range ids {
		g.Go(func() error {
			s, err := c.GetSeries(ctx, id)
			if err != nil {
				log.Warnf("series %s skipped this cycle: %v", id, err)
				return nil
			}
			mutex.Lock()
			out[id] = s
			mutex.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// RefreshPools syncs the submitted alphas. The first call pages everything, later calls
// read only the newest page. It returns alphas not seen by earlier calls.
func (c *Cache) RefreshPools(ctx context.Context) ([]string, error) {
	c.mutex.RLock()
	scanned := c.scanned
	c.mutex.RUnlock()
	if !scanned {
		c.warm(ctx)
	}

	var fresh []string
	for offset := 0; ; offset += c.opts.PageSize {
		page, err := c.platform.ListSubmitted(ctx, offset, c.opts.PageSize)
		if err != nil {
			return fresh, fmt.Errorf("list submitted alphas at %d: %w", offset, err)
		}
		c.mutex.Lock()
		for i := range page.Results {
			a := &page.Results[i]
			pool := constant.PoolSelf
			if a.IsPowerPool() {
				pool = constant.PoolCompetitive
			}
			old, known := c.members[a.Id]
			if !known {
				fresh = append(fresh, a.Id)
			}
			if !known || old.pool != pool {
				c.members[a.Id] = member{pool: pool, region: a.Settings.Region}
			}
		}
		c.mutex.Unlock()
		if scanned || len(page.Results) < c.opts.PageSize || offset+len(page.Results) >= page.Count {
			break
		}
	}

	c.mutex.RLock()
	todo := make(map[string]member, len(c.members))
	for id, m := range c.members {
		if !c.fresh(c.memory[id], m.pool) {
			todo[id] = m
		}
	}
	c.mutex.RUnlock()

	var g errgroup.Group
	g.SetLimit(c.opts.Workers)
	for id, m := range todo {
		g.Go(func() error {
			if _, err := c.get(ctx, id, m.pool, m.region, false); err != nil {
				log.Warnf("pool series %s skipped: %v", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()

	c.mutex.Lock()
	c.scanned = true
	c.mutex.Unlock()
	return fresh, nil
}

// warm loads persisted pool series so a restart does not refetch everything.
func (c *Cache) warm(ctx context.Context) {
	for _, pool := range []string{constant.PoolSelf, constant.PoolCompetitive} {
		list, err := c.store.LoadPool(ctx, pool)
		if err != nil {
			log.Warnf("warm %s pool: %v", pool, err)
			continue
		}
		c.mutex.Lock()
		for i := range list {
			s := list[i]
			c.memory[s.AlphaID] = &s
		}
		c.mutex.Unlock()
	}
}

// Pools returns the windowed returns of pool members in region; an empty region matches all.
func (c *Cache) Pools(region string, years int) Pools {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	var pools Pools
	for id, m := range c.members {
		if region != "" && m.region != "" && m.region != region {
			continue
		}
		s := c.memory[id]
		if s == nil || s.Pool != m.pool || len(s.Points) == 0 {
			continue
		}
		rets := DailyReturns(id, s.Points, years)
		if m.pool == constant.PoolCompetitive {
			pools.Competitive = append(pools.Competitive, rets)
		} else {
			pools.Self = append(pools.Self, rets)
		}
	}
	return pools
}

func (c *Cache) PoolSizes() (self, competitive int) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	for _, m := range c.members {
		if m.pool == constant.PoolCompetitive {
			competitive++
		} else {
			self++
		}
	}
	return self, competitive
}

// Cleanup drops candidate series outside keep from memory and the store.
func (c *Cache) Cleanup(ctx context.Context, keep []string) (int64, error) {
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	c.mutex.Lock()
	for id, s := range c.memory {
		if s.Pool == constant.PoolCandidate && !kept[id] {
			delete(c.memory, id)
		}
	}
	c.mutex.Unlock()
	return c.store.DeletePoolExcept(ctx, constant.PoolCandidate, keep)
}
