package svc

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	log "github.com/sirupsen/logrus"

	"wq_miner/internal/constant"
	"wq_miner/internal/retry"
)

type AlphaStats struct {
	Sharpe     float64 `json:"sharpe"`
	Fitness    float64 `json:"fitness"`
	Turnover   float64 `json:"turnover"`
	Returns    float64 `json:"returns"`
	Drawdown   float64 `json:"drawdown"`
	Margin     float64 `json:"margin"`
	LongCount  int64   `json:"longCount"`
	ShortCount int64   `json:"shortCount"`
}

type Classification struct {
	Id   string `json:"id"`
	Name string `json:"name"`
}

// AlphaDetail is the body of GET /alphas/{id} and of submitted alpha list items.
type AlphaDetail struct {
	Id            string `json:"id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	Color         string `json:"color"`
	DateSubmitted string `json:"dateSubmitted"`
	Settings      struct {
		InstrumentType string `json:"instrumentType"`
		Region         string `json:"region"`
		Universe       string `json:"universe"`
		Delay          int    `json:"delay"`
		Decay          int    `json:"decay"`
	} `json:"settings"`
	Regular struct {
		Code          string `json:"code"`
		OperatorCount int    `json:"operatorCount"`
	} `json:"regular"`
	Is              AlphaStats       `json:"is"`
	Classifications []Classification `json:"classifications"`
}

func (a *AlphaDetail) IsPowerPool() bool {
	for _, c := range a.Classifications {
		if c.Name == constant.PowerPoolClassification {
			return true
		}
	}
	return false
}

type AlphaPage struct {
	Count   int           `json:"count"`
	Results []AlphaDetail `json:"results"`
}

// RecordSet is the platform recordset shape: a schema listing columns plus positional rows.
type RecordSet struct {
	Schema struct {
		Properties []struct {
			Name string `json:"name"`
		} `json:"properties"`
	} `json:"schema"`
	Records [][]any `json:"records"`
}

type PnlPoint struct {
	Date  string
	Value float64
}

// Points extracts the (date, pnl) columns. Rows with a missing pnl are skipped.
func (r *RecordSet) Points() ([]PnlPoint, error) {
	dateIdx, pnlIdx := -1, -1
	for i, p := range r.Schema.Properties {
		switch p.Name {
		case "date":
			dateIdx = i
		case "pnl":
			pnlIdx = i
		}
	}
	if dateIdx < 0 || pnlIdx < 0 {
		if len(r.Records) == 0 {
			return nil, nil
		}
		// fall back to the platform's usual column order
		dateIdx, pnlIdx = 0, 1
	}
	points := make([]PnlPoint, 0, len(r.Records))
	for _, row := range r.Records {
		if len(row) <= dateIdx || len(row) <= pnlIdx {
			continue
		}
		date, ok := row[dateIdx].(string)
		if !ok {
			continue
		}
		v, ok := toFloat(row[pnlIdx])
		if !ok {
			continue
		}
		points = append(points, PnlPoint{Date: date, Value: v})
	}
	return points, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(x, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// getComputed polls a resource that answers 200 with Retry-After while it is being computed.
func (brainSvc *BrainService) getComputed(ctx context.Context, path string, out any) error {
	for i := 0; i < 30; i++ {
		raw, err := brainSvc.send(ctx, http.MethodGet, path, nil)
		if err != nil {
			return err
		}
		if raw.StatusCode >= 400 {
			return &SimError{Kind: KindPlatformRejected, StatusCode: raw.StatusCode, Message: raw.message()}
		}
		if wait := raw.retryAfter(); wait > 0 || len(raw.Body) == 0 {
			if wait == 0 {
				wait = brainSvc.policy.InitialInterval
			}
			if err := retry.Sleep(ctx, wait); err != nil {
				return &SimError{Kind: KindCanceled, Err: err}
			}
			continue
		}
		if err := json.Unmarshal(raw.Body, out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
		return nil
	}
	return &SimError{Kind: KindTimeout, Message: "resource not ready: " + path}
}

func (brainSvc *BrainService) GetAlpha(ctx context.Context, alphaId string) (*AlphaDetail, error) {
	var detail AlphaDetail
	if err := brainSvc.getComputed(ctx, constant.AlphasUri+"/"+alphaId, &detail); err != nil {
		return nil, err
	}
	return &detail, nil
}

func (brainSvc *BrainService) GetPnl(ctx context.Context, alphaId string) ([]PnlPoint, error) {
	var set RecordSet
	if err := brainSvc.getComputed(ctx, constant.AlphasUri+"/"+alphaId+constant.PnlRecordUri, &set); err != nil {
		return nil, err
	}
	return set.Points()
}

// ListSubmitted pages the user's OS alphas, newest submission first.
func (brainSvc *BrainService) ListSubmitted(ctx context.Context, offset, limit int) (*AlphaPage, error) {
	q := url.Values{}
	q.Set("stage", "OS")
	q.Set("limit", strconv.Itoa(limit))
	q.Set("offset", strconv.Itoa(offset))
	q.Set("order", "-dateSubmitted")
	var page AlphaPage
	if err := brainSvc.getJSON(ctx, constant.SubmittedAlphasUri+"?"+q.Encode(), &page); err != nil {
		return nil, err
	}
	return &page, nil
}

type colorPatch struct {
	Id    string `json:"id"`
	Color string `json:"color"`
}

// SetColors marks alphas in chunks of batchSize, falling back to per-alpha PATCH with one retry.
// It returns the ids that were marked.
func (brainSvc *BrainService) SetColors(ctx context.Context, colors map[string]string, order []string, batchSize int) []string {
	if batchSize <= 0 || batchSize > 30 {
		batchSize = 30
	}
	var marked []string
	for start := 0; start < len(order); start += batchSize {
		end := min(start+batchSize, len(order))
		chunk := make([]colorPatch, 0, end-start)
		for _, id := range order[start:end] {
			chunk = append(chunk, colorPatch{Id: id, Color: colors[id]})
		}
		payload, _ := json.Marshal(chunk)
		raw, err := brainSvc.send(ctx, http.MethodPatch, constant.AlphasUri, payload)
		if err == nil && raw.StatusCode < 300 {
			marked = append(marked, order[start:end]...)
			continue
		}
		if err != nil {
			log.Warnf("batch color mark failed, falling back to single: %v", err)
		} else {
			log.Warnf("batch color mark returned %d, falling back to single: %s", raw.StatusCode, raw.message())
		}
		for _, p := range chunk {
			if brainSvc.setColor(ctx, p) {
				marked = append(marked, p.Id)
			}
		}
	}
	return marked
}

func (brainSvc *BrainService) setColor(ctx context.Context, p colorPatch) bool {
	payload, _ := json.Marshal(map[string]string{"color": p.Color})
	for attempt := 0; attempt < 2; attempt++ {
		raw, err := brainSvc.send(ctx, http.MethodPatch, constant.AlphasUri+"/"+p.Id, payload)
		if err == nil && raw.StatusCode < 300 {
			return true
		}
		if ctx.Err() != nil {
			return false
		}
	}
	log.Warnf("color mark %s -> %s skipped", p.Id, p.Color)
	return false
}

// SetProperties attaches a name and tags to a freshly simulated alpha.
func (brainSvc *BrainService) SetProperties(ctx context.Context, alphaId, name string, tags []string) error {
	payload, _ := json.Marshal(map[string]any{"name": name, "tags": tags})
	raw, err := brainSvc.send(ctx, http.MethodPatch, constant.AlphasUri+"/"+alphaId, payload)
	if err != nil {
		return err
	}
	if raw.StatusCode >= 300 {
		return &SimError{Kind: KindPlatformRejected, StatusCode: raw.StatusCode, Message: raw.message()}
	}
	return nil
}

type OperatorInfo struct {
	Name     string   `json:"name"`
	Category string   `json:"category"`
	Scope    []string `json:"scope"`
}

func (brainSvc *BrainService) GetOperators(ctx context.Context) ([]OperatorInfo, error) {
	var ops []OperatorInfo
	if err := brainSvc.getJSON(ctx, constant.OperatorsUri, &ops); err != nil {
		return nil, err
	}
	return ops, nil
}
