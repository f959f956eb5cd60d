package repo

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"wq_miner/configs"
	"wq_miner/internal/constant"
	"wq_miner/internal/model"
	"wq_miner/internal/pkg/gormcli"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gormcli.Open(configs.DbConf{Driver: "sqlite"})
	require.NoError(t, err)
	return db
}

func TestExpressionRepoAddIsIdempotent(t *testing.T) {
	ctx := context.Background()
	exprRepo := NewExpressionRepo(newTestDB(t))

	first, err := exprRepo.Add(ctx, &model.FactorExpression{Expression: "rank(close)", DatasetID: "fundamental6", Region: "USA", Stage: 1})
	require.NoError(t, err)
	assert.True(t, first)

	again, err := exprRepo.Add(ctx, &model.FactorExpression{Expression: "rank(close)", DatasetID: "fundamental6", Region: "USA", Stage: 1})
	require.NoError(t, err)
	assert.False(t, again)

	otherStage, err := exprRepo.Add(ctx, &model.FactorExpression{Expression: "rank(close)", DatasetID: "fundamental6", Region: "USA", Stage: 2})
	require.NoError(t, err)
	assert.True(t, otherStage)

	n, err := exprRepo.Count(ctx, "fundamental6", "USA", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExpressionRepoFailuresAccumulatePerReason(t *testing.T) {
	ctx := context.Background()
	exprRepo := NewExpressionRepo(newTestDB(t))

	base := model.FailedExpression{Expression: "foo(close)", DatasetID: "d", Region: "USA", Stage: 1}
	for _, reason := range []string{constant.FailSyntaxError, constant.FailSyntaxError, constant.FailTimeout} {
		row := base
		row.FailureReason = reason
		_, err := exprRepo.AddFailure(ctx, &row)
		require.NoError(t, err)
	}

	list, err := exprRepo.FindFailures(ctx, "d", "USA", 1)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, constant.FailSyntaxError, list[0].FailureReason)
	assert.Equal(t, constant.FailTimeout, list[1].FailureReason)
}

func TestExpressionRepoMarkSimulated(t *testing.T) {
	ctx := context.Background()
	db := newTestDB(t)
	exprRepo := NewExpressionRepo(db)

	row := &model.FactorExpression{Expression: "rank(open)", DatasetID: "d", Region: "USA", Stage: 1}
	_, err := exprRepo.Add(ctx, row)
	require.NoError(t, err)
	require.NoError(t, exprRepo.MarkSimulated(ctx, row.ExprHash, "d", "USA", 1, "A1"))

	var got model.FactorExpression
	require.NoError(t, db.First(&got, row.ID).Error)
	assert.True(t, got.Simulated)
	assert.Equal(t, "A1", got.AlphaID)

	hashes, err := exprRepo.FindHashes(ctx, "d", "USA", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{model.HashExpression("rank(open)")}, hashes)
}

func TestExpressionRepoDeleteUnsimulated(t *testing.T) {
	ctx := context.Background()
	exprRepo := NewExpressionRepo(newTestDB(t))

	pending := &model.FactorExpression{Expression: "rank(close)", DatasetID: "d", Region: "USA", Stage: 1}
	done := &model.FactorExpression{Expression: "rank(open)", DatasetID: "d", Region: "USA", Stage: 1}
	for _, row := range []*model.FactorExpression{pending, done} {
		_, err := exprRepo.Add(ctx, row)
		require.NoError(t, err)
	}
	require.NoError(t, exprRepo.MarkSimulated(ctx, done.ExprHash, "d", "USA", 1, "A1"))

	deleted, err := exprRepo.DeleteUnsimulated(ctx, pending.ExprHash, "d", "USA", 1)
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = exprRepo.DeleteUnsimulated(ctx, done.ExprHash, "d", "USA", 1)
	require.NoError(t, err)
	assert.False(t, deleted)

	hashes, err := exprRepo.FindHashes(ctx, "d", "USA", 1)
	require.NoError(t, err)
	assert.Equal(t, []string{done.ExprHash}, hashes)

	again, err := exprRepo.Add(ctx, &model.FactorExpression{Expression: "rank(close)", DatasetID: "d", Region: "USA", Stage: 1})
	require.NoError(t, err)
	assert.True(t, again)
}

func TestAlphaRepoPendingAndVerdicts(t *testing.T) {
	ctx := context.Background()
	alphaRepo := NewAlphaRepo(newTestDB(t))

	for i, a := range []model.Alpha{
		{AlphaID: "A1", Expression: "x", Sharpe: 1.9, Fitness: 1.2, Status: constant.AlphaPending},
		{AlphaID: "A2", Expression: "y", Sharpe: 0.8, Fitness: 1.2, Status: constant.AlphaPending},
		{AlphaID: "A3", Expression: "z", Sharpe: 2.1, Fitness: 1.2, Status: constant.AlphaSimulated},
	} {
		row := a
		added, err := alphaRepo.Add(ctx, &row)
		require.NoError(t, err, i)
		assert.True(t, added)
	}
	dup, err := alphaRepo.Add(ctx, &model.Alpha{AlphaID: "A1", Expression: "x", Status: constant.AlphaPending})
	require.NoError(t, err)
	assert.False(t, dup)

	pending, err := alphaRepo.FindPending(ctx, 1.0, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "A1", pending[0].AlphaID)

	corr := 0.31
	n, err := alphaRepo.ApplyVerdicts(ctx, []Verdict{{AlphaID: "A1", Status: constant.AlphaCheckedNormal, Color: constant.ColorGreen, SelfCorr: &corr}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := alphaRepo.FindByAlphaId(ctx, "A1")
	require.NoError(t, err)
	assert.Equal(t, constant.ColorGreen, got.Color)
	require.NotNil(t, got.SelfCorr)
	assert.InDelta(t, 0.31, *got.SelfCorr, 1e-9)
	assert.Nil(t, got.PoolCorr)

	removed, err := alphaRepo.MarkRemoved(ctx, []string{"A2", "A3"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	_, err = alphaRepo.FindByAlphaId(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAlphaRepoFindSurvivors(t *testing.T) {
	ctx := context.Background()
	alphaRepo := NewAlphaRepo(newTestDB(t))
	rows := []model.Alpha{
		{AlphaID: "S1", Expression: "a", DatasetID: "d", Region: "USA", Stage: 1, Sharpe: 1.0, Fitness: 0.6, Status: constant.AlphaSimulated},
		{AlphaID: "S2", Expression: "b", DatasetID: "d", Region: "USA", Stage: 1, Sharpe: 0.5, Fitness: 0.6, Status: constant.AlphaSimulated},
		{AlphaID: "S3", Expression: "c", DatasetID: "d", Region: "CHN", Stage: 1, Sharpe: 2.0, Fitness: 2.0, Status: constant.AlphaSimulated},
		{AlphaID: "S4", Expression: "e", DatasetID: "d", Region: "USA", Stage: 1, Sharpe: 1.5, Fitness: 0.9, Status: constant.AlphaPending},
	}
	for i := range rows {
		_, err := alphaRepo.Add(ctx, &rows[i])
		require.NoError(t, err)
	}

	got, err := alphaRepo.FindSurvivors(ctx, "d", "USA", 1, 0.75, 0.5, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "S4", got[0].AlphaID)
	assert.Equal(t, "S1", got[1].AlphaID)
}

func TestSeriesRepoUpsertAndCleanup(t *testing.T) {
	ctx := context.Background()
	seriesRepo := NewSeriesRepo(newTestDB(t))

	require.NoError(t, seriesRepo.Save(ctx, &model.ReturnSeries{AlphaID: "C1", Pool: constant.PoolCandidate, Points: []byte(`[]`)}))
	require.NoError(t, seriesRepo.Save(ctx, &model.ReturnSeries{AlphaID: "C1", Pool: constant.PoolCandidate, Points: []byte(`[["2024-01-02",1]]`), Finalized: true}))
	require.NoError(t, seriesRepo.Save(ctx, &model.ReturnSeries{AlphaID: "C2", Pool: constant.PoolCandidate, Points: []byte(`[]`)}))
	require.NoError(t, seriesRepo.Save(ctx, &model.ReturnSeries{AlphaID: "P1", Pool: constant.PoolSelf, Points: []byte(`[]`)}))

	got, err := seriesRepo.FindByAlphaId(ctx, "C1")
	require.NoError(t, err)
	assert.True(t, got.Finalized)
	assert.JSONEq(t, `[["2024-01-02",1]]`, string(got.Points))

	n, err := seriesRepo.DeletePoolExcept(ctx, constant.PoolCandidate, []string{"C1"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	self, err := seriesRepo.FindByPool(ctx, constant.PoolSelf)
	require.NoError(t, err)
	assert.Len(t, self, 1)
}

func TestProcessTaskRepo(t *testing.T) {
	ctx := context.Background()
	taskRepo := NewProcessTaskRepo(newTestDB(t))

	_, err := taskRepo.Add(ctx, &model.ProcessTask{TaskID: "t-1", ScriptType: constant.ScriptMining, Status: constant.TaskRunning})
	require.NoError(t, err)
	require.NoError(t, taskRepo.UpdateFields(ctx, "t-1", map[string]interface{}{"status": constant.TaskStopped, "processed": 0}))

	task, err := taskRepo.FindByTaskId(ctx, "t-1")
	require.NoError(t, err)
	assert.Equal(t, constant.TaskStopped, task.Status)

	assert.Error(t, taskRepo.UpdateFields(ctx, "nope", map[string]interface{}{"status": constant.TaskStopped}))

	deleted, err := taskRepo.DeleteByTaskId(ctx, "t-1")
	require.NoError(t, err)
	assert.True(t, deleted)
	_, err = taskRepo.FindByTaskId(ctx, "t-1")
	assert.ErrorIs(t, err, ErrNotFound)
}
