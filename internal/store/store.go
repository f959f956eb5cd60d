// Package store records every generated and failed expression so that
// no expression is simulated twice within a (dataset, region, stage) partition.
package store

import (
	"context"
	"fmt"
	"sync"

	log "github.com/sirupsen/logrus"

	"wq_miner/internal/constant"
	"wq_miner/internal/model"
)

// ExpressionRepo is the persistence the store needs.
type ExpressionRepo interface {
	Add(ctx context.Context, expr *model.FactorExpression) (bool, error)
	AddFailure(ctx context.Context, failed *model.FailedExpression) (bool, error)
	MarkSimulated(ctx context.Context, hash, dataset, region string, stage int, alphaID string) error
	FindHashes(ctx context.Context, dataset, region string, stage int) ([]string, error)
	DeleteUnsimulated(ctx context.Context, hash, dataset, region string, stage int) (bool, error)
}

type partition struct {
	dataset string
	region  string
	stage   int
}

type fence struct {
	once   sync.Once
	err    error
	mu     sync.RWMutex
	hashes map[string]struct{}
}

type ExpressionStore struct {
	repo ExpressionRepo

	mu     sync.Mutex
	fences map[partition]*fence
}

func NewExpressionStore(repo ExpressionRepo) *ExpressionStore {
	return &ExpressionStore{repo: repo, fences: make(map[partition]*fence)}
}

func (s *ExpressionStore) fenceFor(ctx context.Context, p partition) (*fence, error) {
	s.mu.Lock()
	f, ok := s.fences[p]
	if !ok {
		f = &fence{hashes: make(map[string]struct{})}
		s.fences[p] = f
	}
	s.mu.Unlock()

	f.once.Do(func() {
		hashes, err := s.repo.FindHashes(ctx, p.dataset, p.region, p.stage)
		if err != nil {
			f.err = fmt.Errorf("load partition %s/%s/%d: %w", p.dataset, p.region, p.stage, err)
			return
		}
		f.mu.Lock()
		for _, h := range hashes {
			f.hashes[h] = struct{}{}
		}
		f.mu.Unlock()
	})
	if f.err != nil {
		// allow a later call to retry the load
		s.mu.Lock()
		if s.fences[p] == f {
			delete(s.fences, p)
		}
		s.mu.Unlock()
		return nil, f.err
	}
	return f, nil
}

// Preload loads one partition's fence eagerly so IsKnown answers from memory.
func (s *ExpressionStore) Preload(ctx context.Context, dataset, region string, stage int) (int, error) {
	f, err := s.fenceFor(ctx, partition{dataset, region, stage})
	if err != nil {
		return 0, err
	}
	f.mu.RLock()
	defer f.mu.RUnlock()
	return len(f.hashes), nil
}

// IsKnown reports whether expr was already generated in the partition.
// If the partition cannot be loaded the expression is reported unknown; RecordGenerated still dedups.
func (s *ExpressionStore) IsKnown(expr, dataset, region string, stage int) bool {
	f, err := s.fenceFor(context.Background(), partition{dataset, region, stage})
	if err != nil {
		log.Warnf("expression fence unavailable: %v", err)
		return false
	}
	f.mu.RLock()
	_, ok := f.hashes[model.HashExpression(expr)]
	f.mu.RUnlock()
	return ok
}

// RecordGenerated persists expr before submission. It returns true only for the call that wrote the row.
func (s *ExpressionStore) RecordGenerated(ctx context.Context, expr, dataset, region string, stage int) (bool, error) {
	f, err := s.fenceFor(ctx, partition{dataset, region, stage})
	if err != nil {
		return false, err
	}
	hash := model.HashExpression(expr)
	isNew, err := s.repo.Add(ctx, &model.FactorExpression{
		ExprHash:   hash,
		Expression: expr,
		DatasetID:  dataset,
		Region:     region,
		Stage:      stage,
	})
	if err != nil {
		return false, fmt.Errorf("record expression: %w", err)
	}
	f.mu.Lock()
	f.hashes[hash] = struct{}{}
	f.mu.Unlock()
	return isNew, nil
}

// RecordFailure stores a permanent failure; transient reasons are refused.
func (s *ExpressionStore) RecordFailure(ctx context.Context, expr, dataset, region string, stage int, reason, detail string) (bool, error) {
	switch reason {
	case constant.FailSyntaxError, constant.FailPlatformRejected, constant.FailTimeout:
	default:
		return false, fmt.Errorf("failure reason %q is not permanent", reason)
	}
	return s.repo.AddFailure(ctx, &model.FailedExpression{
		ExprHash:      model.HashExpression(expr),
		Expression:    expr,
		DatasetID:     dataset,
		Region:        region,
		Stage:         stage,
		FailureReason: reason,
		Detail:        detail,
	})
}

func (s *ExpressionStore) MarkSimulated(ctx context.Context, expr, dataset, region string, stage int, alphaID string) error {
	return s.repo.MarkSimulated(ctx, model.HashExpression(expr), dataset, region, stage, alphaID)
}

// Release forgets an expression that was generated but never resolved, so the next pass
// over the partition submits it again. Expressions already marked simulated stay fenced.
func (s *ExpressionStore) Release(ctx context.Context, expr, dataset, region string, stage int) error {
	f, err := s.fenceFor(ctx, partition{dataset, region, stage})
	if err != nil {
		return err
	}
	hash := model.HashExpression(expr)
	deleted, err := s.repo.DeleteUnsimulated(ctx, hash, dataset, region, stage)
	if err != nil {
		return fmt.Errorf("release expression: %w", err)
	}
	if deleted {
		f.mu.Lock()
		delete(f.hashes, hash)
		f.mu.Unlock()
	}
	return nil
}
