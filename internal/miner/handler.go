package miner

import (
	"context"
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"wq_miner/internal/constant"
	"wq_miner/internal/factory"
	"wq_miner/internal/model"
	"wq_miner/internal/notify"
	"wq_miner/internal/retry"
	"wq_miner/internal/submitter"
	"wq_miner/internal/svc"
)

// resultHandler persists resolved batches. The submitter calls it from a single goroutine.
type resultHandler struct {
	m *Miner
}

func (h *resultHandler) HandleBatch(ctx context.Context, task submitter.BatchTask) []factory.Candidate {
	m := h.m
	m.setQuietState(StateAwaiting)
	stage := m.cfg.stageLabel()

	var requeue []factory.Candidate
	var resolved, accepted, failed int64
	for _, out := range task.Outcomes {
		switch {
		case out.AlphaId != "":
			// an outcome carrying an alpha id is never resubmitted
			pending, err := h.resolveAlpha(ctx, out)
			resolved++
			if err != nil {
				m.logger.Errorf("alpha %s of %s left unrecorded: %v", out.AlphaId, out.Candidate.Expression, err)
				m.opts.Metrics.SimulationResolved(stage, "unrecorded")
				continue
			}
			if pending {
				accepted++
			}
			m.opts.Metrics.SimulationResolved(stage, "ok")
		case out.Err == nil:
			requeue = append(requeue, out.Candidate)
		default:
			kind := out.Kind()
			m.opts.Metrics.SimulationResolved(stage, kind.String())
			switch {
			case kind.Permanent() || kind == svc.KindTimeout:
				if _, err := m.exprs.RecordFailure(ctx, out.Candidate.Expression, m.cfg.Dataset, m.cfg.Settings.Region,
					m.cfg.Stage, kind.String(), out.Err.Error()); err != nil {
					m.logger.Errorf("record failure of %s: %v", out.Candidate.Expression, err)
				}
				m.logger.Warnf("%s failed: %v", out.Candidate.Expression, out.Err)
				resolved++
				failed++
			case kind == svc.KindCanceled:
				m.logger.Debugf("%s cancelled", out.Candidate.Expression)
				h.release(ctx, out.Candidate)
			default:
				requeue = append(requeue, out.Candidate)
			}
		}
	}

	m.mutex.Lock()
	m.status.Completed += resolved
	m.status.Processed += resolved
	m.status.Accepted += accepted
	m.status.Failed += failed
	st := m.status
	milestones := m.milestones
	m.mutex.Unlock()

	m.opts.Metrics.SetProgress(m.cfg.Dataset, stage, st.Rate()/100)
	if m.cfg.Stage == 1 && milestones != nil {
		if mark, ok := milestones.Cross(st.Rate()); ok {
			m.logger.Infof("milestone %.1f%% reached", mark)
			title, content := notify.MilestoneMessage(m.progress())
			_ = m.opts.Notifier.Notify(ctx, title, content)
		}
	}
	m.publish()
	return requeue
}

func (h *resultHandler) Dropped(ctx context.Context, candidates []factory.Candidate) {
	h.m.logger.Warnf("%d candidates dropped unresolved", len(candidates))
	for _, cand := range candidates {
		h.m.opts.Metrics.SimulationResolved(h.m.cfg.stageLabel(), "dropped")
		h.release(ctx, cand)
	}
}

// release un-fences a candidate that never resolved so a later run generates it again.
func (h *resultHandler) release(ctx context.Context, cand factory.Candidate) {
	m := h.m
	if err := m.exprs.Release(ctx, cand.Expression, m.cfg.Dataset, m.cfg.Settings.Region, m.cfg.Stage); err != nil {
		m.logger.Errorf("release %s: %v", cand.Expression, err)
	}
}

// resolveAlpha records an outcome the platform assigned an alpha id to, fetching the
// alpha when the simulator could not. When it gives up the expression is still marked
// simulated with the alpha id, so it is never submitted again.
func (h *resultHandler) resolveAlpha(ctx context.Context, out svc.Outcome) (bool, error) {
	m := h.m
	pending, err := func() (bool, error) {
		if out.Alpha == nil {
			policy := retry.NewPolicy("fetch alpha "+out.AlphaId, m.cfg.FieldRetries, m.cfg.FieldRetryDelay)
			detail, err := retry.Do(ctx, policy, func() (*svc.AlphaDetail, error) {
				return m.platform.GetAlpha(ctx, out.AlphaId)
			})
			if err != nil {
				return false, fmt.Errorf("fetch alpha: %w", err)
			}
			out.Alpha = detail
		}
		policy := retry.NewPolicy("persist alpha "+out.AlphaId, m.cfg.FieldRetries, m.cfg.FieldRetryDelay)
		return retry.Do(ctx, policy, func() (bool, error) {
			return h.persist(ctx, out)
		})
	}()
	if err != nil {
		if markErr := m.exprs.MarkSimulated(ctx, out.Candidate.Expression, m.cfg.Dataset, m.cfg.Settings.Region, m.cfg.Stage, out.AlphaId); markErr != nil {
			m.logger.Errorf("mark %s simulated: %v", out.Candidate.Expression, markErr)
		}
		return false, err
	}
	return pending, nil
}

// persist stores the alpha, tags it on the platform and marks its expression simulated.
// It reports whether the alpha entered the pending queue.
func (h *resultHandler) persist(ctx context.Context, out svc.Outcome) (bool, error) {
	m := h.m
	detail := out.Alpha
	settings := m.cfg.Settings
	if out.Candidate.Decay > 0 {
		settings.Decay = out.Candidate.Decay
	}
	env, err := json.Marshal(settings)
	if err != nil {
		return false, err
	}

	pending := detail.Is.Sharpe >= m.cfg.PendingMinSharpe && detail.Is.Fitness >= m.cfg.PendingMinFitness
	status, color := constant.AlphaSimulated, constant.ColorNone
	if pending {
		status, color = constant.AlphaPending, constant.ColorYellow
	}
	if _, err := m.alphas.Add(ctx, &model.Alpha{
		AlphaID:       out.AlphaId,
		Expression:    out.Candidate.Expression,
		DatasetID:     m.cfg.Dataset,
		Region:        settings.Region,
		Stage:         m.cfg.Stage,
		SimulationEnv: datatypes.JSON(env),
		Fitness:       detail.Is.Fitness,
		Sharpe:        detail.Is.Sharpe,
		Turnover:      detail.Is.Turnover,
		Returns:       detail.Is.Returns,
		Drawdown:      detail.Is.Drawdown,
		Margin:        detail.Is.Margin,
		LongCount:     detail.Is.LongCount,
		ShortCount:    detail.Is.ShortCount,
		OperatorCount: detail.Regular.OperatorCount,
		Tags:          m.tag,
		Color:         color,
		Status:        status,
	}); err != nil {
		return false, err
	}

	if err := m.platform.SetProperties(ctx, out.AlphaId, m.tag, []string{m.tag}); err != nil {
		m.logger.Warnf("tag alpha %s: %v", out.AlphaId, err)
	}
	if err := m.exprs.MarkSimulated(ctx, out.Candidate.Expression, m.cfg.Dataset, settings.Region, m.cfg.Stage, out.AlphaId); err != nil {
		m.logger.Errorf("mark %s simulated: %v", out.Candidate.Expression, err)
	}
	return pending, nil
}
