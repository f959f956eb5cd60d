package svc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"wq_miner/configs"
	"wq_miner/internal/constant"
	"wq_miner/internal/factory"
	"wq_miner/internal/retry"
)

const (
	MultiAuto = "auto"
	MultiOn   = "on"
	MultiOff  = "off"

	maxMultiChildren = 10
)

type Settings struct {
	InstrumentType string  `json:"instrumentType"`
	Region         string  `json:"region"`
	Universe       string  `json:"universe"`
	Delay          int     `json:"delay"`
	Decay          int     `json:"decay"`
	Neutralization string  `json:"neutralization"`
	Truncation     float64 `json:"truncation"`
	Pasteurization string  `json:"pasteurization"`
	UnitHandling   string  `json:"unitHandling"`
	NanHandling    string  `json:"nanHandling"`
	MaxTrade       string  `json:"maxTrade"`
	Language       string  `json:"language"`
	Visualization  bool    `json:"visualization"`
	TestPeriod     string  `json:"testPeriod,omitempty"`
}

func SettingsFromConf(conf configs.SimulationConf) Settings {
	return Settings{
		InstrumentType: conf.InstrumentType,
		Region:         conf.Region,
		Universe:       conf.Universe,
		Delay:          conf.Delay,
		Decay:          conf.Decay,
		Neutralization: conf.Neutralization,
		Truncation:     conf.Truncation,
		Pasteurization: conf.Pasteurization,
		UnitHandling:   conf.UnitHandling,
		NanHandling:    conf.NanHandling,
		MaxTrade:       conf.MaxTrade,
		Language:       conf.Language,
		TestPeriod:     conf.TestPeriod,
	}
}

type simulationBody struct {
	Type     string   `json:"type"`
	Settings Settings `json:"settings"`
	Regular  string   `json:"regular"`
}

// simulationStatus is the body returned while polling a simulation Location.
type simulationStatus struct {
	Id       string   `json:"id"`
	Type     string   `json:"type"`
	Status   string   `json:"status"`
	Alpha    string   `json:"alpha"`
	Message  string   `json:"message"`
	Children []string `json:"children"`
	Progress float64  `json:"progress"`
}

// Outcome is the resolution of one candidate.
type Outcome struct {
	Candidate factory.Candidate
	AlphaId   string
	Alpha     *AlphaDetail
	Err       error
}

func (o Outcome) Kind() Kind {
	if o.Err == nil {
		return KindUnknown
	}
	return KindOf(o.Err)
}

// SimulationClient submits candidates with at most n_jobs simulations in flight.
type SimulationClient struct {
	brain        *BrainService
	sem          *semaphore.Weighted
	nJobs        int
	multiMode    string
	multiSize    int
	degraded     atomic.Bool
	batchTimeout time.Duration
	pollInterval time.Duration
}

func NewSimulationClient(brain *BrainService, conf configs.MiningConf) *SimulationClient {
	nJobs := conf.NJobs
	if nJobs <= 0 {
		nJobs = 5
	}
	size := conf.MultiSize
	if size < 2 || size > maxMultiChildren {
		size = maxMultiChildren
	}
	mode := conf.MultiMode
	if mode == "" {
		mode = MultiAuto
	}
	return &SimulationClient{
		brain:        brain,
		sem:          semaphore.NewWeighted(int64(nJobs)),
		nJobs:        nJobs,
		multiMode:    mode,
		multiSize:    size,
		batchTimeout: configs.Duration(conf.BatchTimeout, 20*time.Minute),
		pollInterval: configs.Duration(conf.PollInterval, 5*time.Second),
	}
}

func (c *SimulationClient) NJobs() int {
	return c.nJobs
}

// MultiEnabled reports whether batches are sent as one multi simulation.
func (c *SimulationClient) MultiEnabled() bool {
	if c.degraded.Load() {
		return false
	}
	switch c.multiMode {
	case MultiOn:
		return true
	case MultiOff:
		return false
	default:
		return c.brain.HasPermission(constant.MultiSimulationPermission)
	}
}

// BatchSize is the number of candidates the caller should group per SubmitBatch.
func (c *SimulationClient) BatchSize() int {
	if c.MultiEnabled() {
		return c.multiSize
	}
	return 1
}

// SubmitBatch simulates every candidate and returns one Outcome per candidate, in order.
// When the batch wall clock expires every outcome that neither got an alpha id nor a
// permanent verdict becomes a Timeout.
func (c *SimulationClient) SubmitBatch(ctx context.Context, candidates []factory.Candidate, settings Settings) []Outcome {
	outcomes := make([]Outcome, len(candidates))
	for i, cand := range candidates {
		outcomes[i].Candidate = cand
	}
	if len(candidates) == 0 {
		return outcomes
	}

	bctx, cancel := context.WithTimeout(ctx, c.batchTimeout)
	defer cancel()

	done := false
	if len(candidates) >= 2 && c.MultiEnabled() {
		done = c.runMulti(bctx, candidates, settings, outcomes)
	}
	if !done {
		c.runSingles(bctx, candidates, settings, outcomes)
	}

	if ctx.Err() == nil && errors.Is(bctx.Err(), context.DeadlineExceeded) {
		for i := range outcomes {
			if outcomes[i].AlphaId != "" || outcomes[i].Kind().Permanent() {
				continue
			}
			outcomes[i].Err = &SimError{Kind: KindTimeout, Message: fmt.Sprintf("batch exceeded %s", c.batchTimeout)}
		}
	}
	return outcomes
}

func (c *SimulationClient) runSingles(ctx context.Context, candidates []factory.Candidate, settings Settings, outcomes []Outcome) {
	var wg sync.WaitGroup
	for i := range candidates {
		if err := c.sem.Acquire(ctx, 1); err != nil {
			outcomes[i].Err = &SimError{Kind: KindCanceled, Err: err}
			continue
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer c.sem.Release(1)
			alphaId, detail, err := c.simulateOne(ctx, candidates[i], settings)
			outcomes[i].AlphaId, outcomes[i].Alpha, outcomes[i].Err = alphaId, detail, err
		}(i)
	}
	wg.Wait()
}

func simulationBodyFor(cand factory.Candidate, settings Settings) simulationBody {
	s := settings
	if cand.Decay > 0 {
		s.Decay = cand.Decay
	}
	return simulationBody{Type: "REGULAR", Settings: s, Regular: cand.Expression}
}

// post submits a simulation body and returns its progress Location.
func (c *SimulationClient) post(ctx context.Context, payload any) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode simulation: %w", err)
	}
	raw, err := c.brain.send(ctx, http.MethodPost, constant.SimulationsUri, data)
	if err != nil {
		return "", err
	}
	switch {
	case raw.StatusCode == http.StatusUnauthorized:
		return "", &SimError{Kind: KindAuthFailure, StatusCode: raw.StatusCode, Message: raw.message()}
	case raw.StatusCode == http.StatusForbidden:
		// permission problems belong to the account, not the expression
		return "", &SimError{Kind: KindAuthFailure, StatusCode: raw.StatusCode, Message: raw.message()}
	case raw.StatusCode >= 400:
		msg := raw.message()
		return "", &SimError{Kind: classifyMessage(msg), StatusCode: raw.StatusCode, Message: msg}
	}
	location := raw.Header.Get("Location")
	if location == "" {
		return "", &SimError{Kind: KindPlatformRejected, StatusCode: raw.StatusCode, Message: "simulation accepted without Location"}
	}
	return location, nil
}

// poll follows location until the simulation reaches a terminal status.
func (c *SimulationClient) poll(ctx context.Context, location string) (*simulationStatus, error) {
	for {
		raw, err := c.brain.send(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		if raw.StatusCode >= 400 {
			return nil, &SimError{Kind: KindNetworkError, StatusCode: raw.StatusCode, Message: raw.message()}
		}
		if wait := raw.retryAfter(); wait > 0 {
			if err := retry.Sleep(ctx, wait); err != nil {
				return nil, &SimError{Kind: KindCanceled, Err: err}
			}
			continue
		}

		var status simulationStatus
		if err := json.Unmarshal(raw.Body, &status); err != nil {
			log.Warnf("decode simulation progress: %v", err)
		}
		switch status.Status {
		case constant.StatusComplete:
			return &status, nil
		case constant.StatusWarning:
			if status.Alpha != "" || len(status.Children) > 0 {
				log.Warnf("simulation %s warning: %s", status.Id, status.Message)
				return &status, nil
			}
			return nil, &SimError{Kind: KindPlatformRejected, Message: status.Message}
		case constant.StatusError, constant.StatusFail:
			return nil, &SimError{Kind: classifyMessage(status.Message), Message: status.Message}
		}
		if err := retry.Sleep(ctx, c.pollInterval); err != nil {
			return nil, &SimError{Kind: KindCanceled, Err: err}
		}
	}
}

func (c *SimulationClient) simulateOne(ctx context.Context, cand factory.Candidate, settings Settings) (string, *AlphaDetail, error) {
	location, err := c.post(ctx, simulationBodyFor(cand, settings))
	if err != nil {
		return "", nil, err
	}
	status, err := c.poll(ctx, location)
	if err != nil {
		return "", nil, err
	}
	if status.Alpha == "" {
		return "", nil, &SimError{Kind: KindPlatformRejected, Message: "simulation completed without alpha"}
	}
	detail, err := c.brain.GetAlpha(ctx, status.Alpha)
	if err != nil {
		return status.Alpha, nil, err
	}
	return status.Alpha, detail, nil
}

// runMulti sends candidates as one multi simulation. It returns false when the caller
// should resubmit them one by one.
func (c *SimulationClient) runMulti(ctx context.Context, candidates []factory.Candidate, settings Settings, outcomes []Outcome) bool {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		for i := range outcomes {
			outcomes[i].Err = &SimError{Kind: KindCanceled, Err: err}
		}
		return true
	}
	defer c.sem.Release(1)

	bodies := make([]simulationBody, len(candidates))
	for i, cand := range candidates {
		bodies[i] = simulationBodyFor(cand, settings)
	}
	location, err := c.post(ctx, bodies)
	if err != nil {
		var se *SimError
		if errors.As(err, &se) && se.StatusCode >= 400 && (se.StatusCode == http.StatusForbidden || isPermissionMessage(se.Message)) {
			c.degraded.Store(true)
			log.Warnf("multi simulation rejected (%v), degrading to single mode", err)
			return false
		}
		if errors.As(err, &se) && se.Kind.Permanent() {
			// one bad expression fails the whole request; isolate it
			return false
		}
		for i := range outcomes {
			outcomes[i].Err = err
		}
		return true
	}

	status, err := c.poll(ctx, location)
	if err != nil {
		if KindOf(err).Permanent() {
			return false
		}
		for i := range outcomes {
			outcomes[i].Err = err
		}
		return true
	}

	for i := range outcomes {
		if i >= len(status.Children) {
			outcomes[i].Err = &SimError{Kind: KindPlatformRejected, Message: "multi simulation returned no child"}
			continue
		}
		child, err := c.childStatus(ctx, status.Children[i])
		if err != nil {
			outcomes[i].Err = err
			continue
		}
		switch {
		case child.Status == constant.StatusError || child.Status == constant.StatusFail:
			outcomes[i].Err = &SimError{Kind: classifyMessage(child.Message), Message: child.Message}
			continue
		case child.Alpha == "":
			outcomes[i].Err = &SimError{Kind: KindPlatformRejected, Message: "child completed without alpha"}
			continue
		}
		outcomes[i].AlphaId = child.Alpha
		detail, err := c.brain.GetAlpha(ctx, child.Alpha)
		if err != nil {
			outcomes[i].Err = err
			continue
		}
		outcomes[i].Alpha = detail
	}
	return true
}

func (c *SimulationClient) childStatus(ctx context.Context, childId string) (*simulationStatus, error) {
	raw, err := c.brain.send(ctx, http.MethodGet, constant.SimulationsUri+"/"+childId, nil)
	if err != nil {
		return nil, err
	}
	if raw.StatusCode >= 400 {
		return nil, &SimError{Kind: KindNetworkError, StatusCode: raw.StatusCode, Message: raw.message()}
	}
	var status simulationStatus
	if err := json.Unmarshal(raw.Body, &status); err != nil {
		return nil, fmt.Errorf("decode child %s: %w", childId, err)
	}
	return &status, nil
}
