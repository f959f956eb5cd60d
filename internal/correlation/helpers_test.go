package correlation

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"wq_miner/internal/svc"
)

var day0 = time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

// cumulative builds a pnl recordset whose daily returns are exactly rets.
func cumulative(start time.Time, rets []float64) []svc.PnlPoint {
	points := make([]svc.PnlPoint, 0, len(rets)+1)
	points = append(points, svc.PnlPoint{Date: start.Format(dateLayout), Value: 0})
	var total float64
	for i, r := range rets {
		total += r
		points = append(points, svc.PnlPoint{Date: start.AddDate(0, 0, i+1).Format(dateLayout), Value: total})
	}
	return points
}

// orthogonal returns two zero-mean, equal-variance, uncorrelated patterns of length n (n % 4 == 0).
func orthogonal(n int) ([]float64, []float64) {
	x, z := make([]float64, n), make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = []float64{1, -1, 1, -1}[i%4]
		z[i] = []float64{1, 1, -1, -1}[i%4]
	}
	return x, z
}

// correlatedWith mixes x and z so that corr(x, result) == rho.
func correlatedWith(x, z []float64, rho float64) []float64 {
	out := make([]float64, len(x))
	b := math.Sqrt(1 - rho*rho)
	for i := range x {
		out[i] = rho*x[i] + b*z[i]
	}
	return out
}

type fakePlatform struct {
	mutex     sync.Mutex
	pnl       map[string][]svc.PnlPoint
	fail      map[string]bool
	submitted []svc.AlphaDetail
	pnlCalls  map[string]int
	listCalls int
}

func newFakePlatform() *fakePlatform {
	return &fakePlatform{
		pnl:      make(map[string][]svc.PnlPoint),
		fail:     make(map[string]bool),
		pnlCalls: make(map[string]int),
	}
}

func (f *fakePlatform) GetPnl(_ context.Context, alphaId string) ([]svc.PnlPoint, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.pnlCalls[alphaId]++
	if f.fail[alphaId] {
		return nil, errors.New("recordset unavailable")
	}
	return f.pnl[alphaId], nil
}

func (f *fakePlatform) ListSubmitted(_ context.Context, offset, limit int) (*svc.AlphaPage, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	f.listCalls++
	page := &svc.AlphaPage{Count: len(f.submitted)}
	if offset < len(f.submitted) {
		page.Results = f.submitted[offset:min(offset+limit, len(f.submitted))]
	}
	return page, nil
}

func (f *fakePlatform) calls(alphaId string) int {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return f.pnlCalls[alphaId]
}

func submittedAlpha(id, region string, powerPool bool) svc.AlphaDetail {
	a := svc.AlphaDetail{Id: id}
	a.Settings.Region = region
	if powerPool {
		a.Classifications = []svc.Classification{{Id: "POWER_POOL:POWER_POOL_ELIGIBLE", Name: "Power Pool Alpha"}}
	}
	return a
}

type memoryStore struct {
	mutex sync.Mutex
	rows  map[string]Series
}

func newMemoryStore() *memoryStore {
	return &memoryStore{rows: make(map[string]Series)}
}

func (m *memoryStore) Load(_ context.Context, alphaID string) (*Series, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	s, ok := m.rows[alphaID]
	if !ok {
		return nil, ErrMissing
	}
	return &s, nil
}

func (m *memoryStore) Save(_ context.Context, series *Series) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.rows[series.AlphaID] = *series
	return nil
}

func (m *memoryStore) LoadPool(_ context.Context, pool string) ([]Series, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	var list []Series
	for _, s := range m.rows {
		if s.Pool == pool {
			list = append(list, s)
		}
	}
	return list, nil
}

func (m *memoryStore) DeletePoolExcept(_ context.Context, pool string, keep []string) (int64, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	kept := map[string]bool{}
	for _, id := range keep {
		kept[id] = true
	}
	var n int64
	for id, s := range m.rows {
		if s.Pool == pool && !kept[id] {
			delete(m.rows, id)
			n++
		}
	}
	return n, nil
}

func ids(prefix string, n int) []string {
	out := make([]string, n)
	for i := range out {
		out[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return out
}
