package factory

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tinyCatalog() Catalog {
	c := DefaultCatalog()
	c.Basic = []string{"rank", "reverse"}
	c.TS = []string{"ts_rank"}
	c.Arsenal = []string{"ts_moment", "ts_percentage", "vector_neut", "signed_power"}
	c.Days = []int{5, 22}
	c.Groups = []string{"sector", "industry"}
	c.Vec = []string{"vec_avg", "vec_choose"}
	c.Preprocess = ""
	return c
}

func collect(seq func(func(Candidate) bool)) []string {
	var out []string
	for c := range seq {
		out = append(out, c.Expression)
	}
	return out
}

func TestFirstOrderExpansion(t *testing.T) {
	f := New(tinyCatalog(), Limits{}, 6)
	got := collect(f.FirstOrder([]Field{{Id: "close", Type: Matrix}}))
	assert.Equal(t, []string{
		"close",
		"rank(close)",
		"reverse(close)",
		"ts_rank(close, 5)",
		"ts_rank(close, 22)",
		"ts_moment(close, 5, k=2)",
		"ts_moment(close, 5, k=3)",
		"ts_moment(close, 5, k=4)",
		"ts_moment(close, 22, k=2)",
		"ts_moment(close, 22, k=3)",
		"ts_moment(close, 22, k=4)",
		"ts_percentage(close, 5, percentage=0.5)",
		"ts_percentage(close, 22, percentage=0.5)",
		"vector_neut(close, cap)",
		"signed_power(close, 2)",
	}, got)
}

func TestFirstOrderFieldTypes(t *testing.T) {
	c := tinyCatalog()
	c.Basic = []string{"rank"}
	c.TS, c.Arsenal = nil, nil
	f := New(c, Limits{}, 6)
	got := collect(f.FirstOrder([]Field{
		{Id: "sector", Type: Group},
		{Id: "one", Type: Scalar},
		{Id: "news", Type: Vector},
	}))
	assert.Equal(t, []string{
		"vec_avg(news)", "rank(vec_avg(news))",
		"vec_choose(news, nth=-1)", "rank(vec_choose(news, nth=-1))",
		"vec_choose(news, nth=0)", "rank(vec_choose(news, nth=0))",
	}, got)
}

func TestPreprocessWrapsMatrix(t *testing.T) {
	c := tinyCatalog()
	c.Preprocess = DefaultCatalog().Preprocess
	f := New(c, Limits{}, 6)
	assert.Equal(t, []string{"winsorize(ts_backfill(close, 120), std=4)"}, f.Bases([]Field{{Id: "close", Type: Matrix}}))
}

func TestDeterministic(t *testing.T) {
	f := New(DefaultCatalog(), Limits{MaxDepth: 8, MaxLength: 1024}, 6)
	fields := []Field{{Id: "close", Type: Matrix}, {Id: "news", Type: Vector}, {Id: "volume", Type: Matrix}}
	first := collect(f.FirstOrder(fields))
	second := collect(f.FirstOrder(fields))
	assert.Equal(t, first, second)
	assert.NotEmpty(t, first)
	assert.Equal(t, len(first), Count(f.FirstOrder(fields)))
}

func TestEarlyStop(t *testing.T) {
	f := New(DefaultCatalog(), Limits{}, 6)
	n := 0
	for range f.FirstOrder([]Field{{Id: "close", Type: Matrix}}) {
		n++
		if n == 3 {
			break
		}
	}
	assert.Equal(t, 3, n)
}

func TestGroupSecondOrder(t *testing.T) {
	c := tinyCatalog()
	c.Group = []string{"group_rank", "group_vector_proj", "group_percentage"}
	c.Groups = []string{"sector"}
	f := New(c, Limits{}, 4)
	var got []Candidate
	for cand := range f.GroupSecondOrder([]string{"ts_rank(close, 5)"}) {
		got = append(got, cand)
	}
	require.Len(t, got, 3)
	assert.Equal(t, "group_rank(ts_rank(close, 5),densify(sector))", got[0].Expression)
	assert.Equal(t, "group_vector_proj(ts_rank(close, 5),cap,densify(sector))", got[1].Expression)
	assert.Equal(t, "group_percentage(ts_rank(close, 5),densify(sector),percentage=0.5)", got[2].Expression)
	assert.Equal(t, 4, got[0].Decay)
}

func TestTradeWhen(t *testing.T) {
	c := tinyCatalog()
	c.OpenEvents = []string{"ts_arg_max(volume, 5) == 0", "ts_regression(returns, %s, 5, lag = 0, rettype = 2) > 0"}
	f := New(c, Limits{}, 6)
	got := collect(f.TradeWhen([]string{"rank(x)"}))
	assert.Equal(t, []string{
		"trade_when(ts_arg_max(volume, 5) == 0, rank(x), abs(returns) > 0.1)",
		"trade_when(ts_arg_max(volume, 5) == 0, rank(x), -1)",
		"trade_when(ts_regression(returns, rank(x), 5, lag = 0, rettype = 2) > 0, rank(x), abs(returns) > 0.1)",
		"trade_when(ts_regression(returns, rank(x), 5, lag = 0, rettype = 2) > 0, rank(x), -1)",
	}, got)
	assert.Len(t, collect(f.Stage(3, nil, []string{"rank(x)"})), 4)
	assert.Empty(t, collect(f.Stage(4, nil, nil)))
}

func TestPrune(t *testing.T) {
	f := New(DefaultCatalog(), Limits{}, 6)
	cases := map[string]bool{
		"reverse(reverse(close))":                                        false,
		"inverse(inverse(close))":                                        false,
		"rank(rank(close))":                                              false,
		"zscore(zscore(ts_rank(close, 5)))":                              false,
		"group_rank(group_rank(close,densify(sector)),densify(sector))":  false,
		"group_rank(group_rank(close,densify(sector)),densify(industry))": true,
		"rank(zscore(close))":                                            true,
		"ts_rank(ts_rank(close, 5), 22)":                                 true,
	}
	for expr, want := range cases {
		assert.Equal(t, want, f.Accept(expr), expr)
	}

	got := collect(f.GroupSecondOrder([]string{"group_rank(close,densify(sector))"}))
	assert.False(t, slices.Contains(got, "group_rank(group_rank(close,densify(sector)),densify(sector))"))
	assert.True(t, slices.Contains(got, "group_rank(group_rank(close,densify(sector)),densify(market))"))
}

func TestLimits(t *testing.T) {
	f := New(DefaultCatalog(), Limits{MaxDepth: 2, MaxLength: 20}, 6)
	assert.True(t, f.Accept("rank(ts_rank(x, 5))"))
	assert.False(t, f.Accept("rank(ts_rank(abs(x), 5))"))
	assert.False(t, f.Accept("rank(a_very_long_field_name_here)"))
}

func TestDedupInsideSequence(t *testing.T) {
	c := tinyCatalog()
	c.Basic = []string{"rank"}
	c.TS, c.Arsenal = nil, nil
	f := New(c, Limits{}, 6)
	got := collect(f.FirstOrder([]Field{{Id: "close", Type: Matrix}, {Id: "close", Type: Matrix}}))
	assert.Equal(t, []string{"close", "rank(close)"}, got)
}

func TestDuplicateCatalogEntries(t *testing.T) {
	c := tinyCatalog()
	c.Basic = []string{"rank", "rank"}
	c.TS = []string{"ts_rank"}
	c.Arsenal = []string{"rank"}
	c.Days = []int{5, 5}
	c.Group = []string{"group_rank"}
	c.Groups = []string{"sector", "sector"}
	f := New(c, Limits{}, 6)
	got := collect(f.FirstOrder([]Field{{Id: "close", Type: Matrix}}))
	assert.Equal(t, []string{"close", "rank(close)", "ts_rank(close, 5)"}, got)

	got = collect(f.GroupSecondOrder([]string{"rank(x)", "rank(x)"}))
	assert.Equal(t, []string{"group_rank(rank(x),densify(sector))"}, got)
}

func TestEstimate(t *testing.T) {
	f := New(tinyCatalog(), Limits{}, 6)
	fields := []Field{{Id: "close", Type: Matrix}, {Id: "open", Type: Matrix}}
	assert.Equal(t, int64(30), f.Estimate(1, fields, nil))
	assert.Equal(t, int64(Count(f.Stage(1, fields, nil))), f.Estimate(1, fields, nil))

	parents := []string{"rank(x)", "ts_rank(x, 5)", "rank(x)"}
	assert.Equal(t, int64(Count(f.Stage(2, nil, parents))), f.Estimate(2, nil, parents))
	assert.Equal(t, int64(Count(f.Stage(3, nil, parents))), f.Estimate(3, nil, parents))
	assert.Zero(t, f.Estimate(4, fields, parents))

	// pruned forms are still counted
	pruned := New(DefaultCatalog(), Limits{}, 6)
	mixed := []Field{{Id: "close", Type: Matrix}, {Id: "news", Type: Vector}}
	assert.GreaterOrEqual(t, pruned.Estimate(1, mixed, nil), int64(Count(pruned.Stage(1, mixed, nil))))
	group := []string{"group_rank(close,densify(sector))"}
	assert.Greater(t, pruned.Estimate(2, nil, group), int64(Count(pruned.Stage(2, nil, group))))
}

func TestFilterAndLoadCatalog(t *testing.T) {
	c := DefaultCatalog().Filter(map[string]bool{"rank": true, "ts_rank": true, "group_rank": true})
	assert.Equal(t, []string{"rank"}, c.Basic)
	assert.Equal(t, []string{"ts_rank"}, c.TS)
	assert.Empty(t, c.Arsenal)
	assert.Equal(t, []string{"group_rank"}, c.Group)
	assert.Empty(t, c.TradeWhen)
	assert.Len(t, c.Days, 5)

	path := filepath.Join(t.TempDir(), "operators.yaml")
	require.NoError(t, os.WriteFile(path, []byte("basic: [rank, zscore]\ndays: [10]\n"), 0o644))
	loaded, err := LoadCatalog(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"rank", "zscore"}, loaded.Basic)
	assert.Equal(t, []int{10}, loaded.Days)
	assert.Equal(t, DefaultCatalog().TS, loaded.TS)
}

func TestParseCall(t *testing.T) {
	name, args, ok := parseCall("group_rank(ts_rank(x, 5),densify(sector))")
	require.True(t, ok)
	assert.Equal(t, "group_rank", name)
	assert.Equal(t, []string{"ts_rank(x, 5)", "densify(sector)"}, args)

	_, _, ok = parseCall("rank(x) + rank(y)")
	assert.False(t, ok)
	_, _, ok = parseCall("close")
	assert.False(t, ok)
}
