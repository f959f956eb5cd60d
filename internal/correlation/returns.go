package correlation

import (
	"math"
	"sort"
	"time"

	"wq_miner/internal/svc"
)

const dateLayout = "2006-01-02"

// Returns is a date-ordered daily return series.
type Returns struct {
	AlphaID string
	Dates   []string
	Values  []float64
}

func (r Returns) Len() int {
	return len(r.Values)
}

// DailyReturns turns a cumulative pnl recordset into r_t = pnl_t - ffill(pnl)_{t-1},
// dropping NaN/Inf and keeping only the last `years` years before the final date.
// years <= 0 keeps the whole series.
func DailyReturns(alphaID string, points []svc.PnlPoint, years int) Returns {
	out := Returns{AlphaID: alphaID}
	if len(points) == 0 {
		return out
	}
	sorted := make([]svc.PnlPoint, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date < sorted[j].Date })

	var cutoff string
	if years > 0 {
		last, err := time.Parse(dateLayout, sorted[len(sorted)-1].Date)
		if err == nil {
			cutoff = last.AddDate(-years, 0, 0).Format(dateLayout)
		}
	}

	prev, havePrev := 0.0, false
	for _, p := range sorted {
		if !finite(p.Value) {
			continue
		}
		if havePrev && p.Date > cutoff {
			r := p.Value - prev
			if finite(r) {
				out.Dates = append(out.Dates, p.Date)
				out.Values = append(out.Values, r)
			}
		}
		prev, havePrev = p.Value, true
	}
	return out
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
