package svc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"wq_miner/configs"
	"wq_miner/internal/auth"
	"wq_miner/internal/retry"
)

// Doer sends an authenticated platform request.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
	HasPermission(name string) bool
	BaseUrl() string
}

type rawResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// retryAfter reads the Retry-After header in seconds, 0 when absent.
func (r *rawResponse) retryAfter() time.Duration {
	v := r.Header.Get("Retry-After")
	if v == "" {
		return 0
	}
	secs, err := strconv.ParseFloat(v, 64)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

// message pulls a human readable error text out of a platform body.
func (r *rawResponse) message() string {
	var body struct {
		Message string `json:"message"`
		Detail  string `json:"detail"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(r.Body, &body); err == nil {
		for _, m := range []string{body.Message, body.Detail, body.Error} {
			if m != "" {
				return m
			}
		}
	}
	return strings.TrimSpace(string(r.Body))
}

var errServer = errors.New("platform server error")

// BrainService is the rate limited, circuit broken transport to the platform.
type BrainService struct {
	brainAuth Doer
	baseUrl   string
	limiter   *rate.Limiter
	breaker   *gobreaker.CircuitBreaker
	policy    retry.Policy
}

func NewBrainService(brainAuth Doer, conf configs.SimulationConf) *BrainService {
	rps := conf.RequestsPerSec
	if rps <= 0 {
		rps = 4
	}
	burst := conf.Burst
	if burst <= 0 {
		burst = 1
	}
	failures := conf.BreakerFailures
	if failures == 0 {
		failures = 10
	}
	baseUrl := conf.BaseUrl
	if baseUrl == "" {
		baseUrl = brainAuth.BaseUrl()
	}
	return &BrainService{
		brainAuth: brainAuth,
		baseUrl:   strings.TrimRight(baseUrl, "/"),
		limiter:   rate.NewLimiter(rate.Limit(rps), burst),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "brain",
			Timeout: configs.Duration(conf.BreakerCooldown, time.Minute),
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= failures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warnf("circuit %s: %s -> %s", name, from, to)
			},
		}),
		policy: retry.NewPolicy("brain request", conf.ApiMaxRetries, configs.Duration(conf.ApiRetryDelay, 5*time.Second)),
	}
}

func (brainSvc *BrainService) url(path string) string {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path
	}
	return brainSvc.baseUrl + path
}

func (brainSvc *BrainService) once(ctx context.Context, method, url string, payload []byte) (*rawResponse, error) {
	out, err := brainSvc.breaker.Execute(func() (interface{}, error) {
		var body io.Reader
		if payload != nil {
			body = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, url, body)
		if err != nil {
			return nil, err
		}
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := brainSvc.brainAuth.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}
		raw := &rawResponse{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}
		if resp.StatusCode >= 500 {
			return raw, fmt.Errorf("%w: %d %s", errServer, resp.StatusCode, raw.message())
		}
		return raw, nil
	})
	raw, _ := out.(*rawResponse)
	return raw, err
}

// send runs one request with retry. It returns the response for any status below 500 except 429;
// the caller interprets 4xx bodies.
func (brainSvc *BrainService) send(ctx context.Context, method, path string, payload []byte) (*rawResponse, error) {
	url := brainSvc.url(path)
	raw, err := retry.Do(ctx, brainSvc.policy, func() (*rawResponse, error) {
		if err := brainSvc.limiter.Wait(ctx); err != nil {
			return nil, retry.Permanent(&SimError{Kind: KindCanceled, Err: err})
		}
		raw, err := brainSvc.once(ctx, method, url, payload)
		switch {
		case err == nil && raw.StatusCode == http.StatusTooManyRequests:
			wait := raw.retryAfter()
			if wait == 0 {
				wait = 5 * time.Second
			}
			return nil, retry.After(wait)
		case err == nil:
			return raw, nil
		case ctx.Err() != nil:
			return nil, retry.Permanent(&SimError{Kind: KindCanceled, Err: ctx.Err()})
		case errors.Is(err, auth.ErrAuthFailure):
			return nil, retry.Permanent(&SimError{Kind: KindAuthFailure, Err: err})
		case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
			return nil, retry.Permanent(&SimError{Kind: KindNetworkError, Err: err})
		default:
			return nil, err
		}
	})
	if err == nil {
		return raw, nil
	}
	var se *SimError
	if errors.As(err, &se) {
		return nil, se
	}
	var netErr net.Error
	switch {
	case errors.Is(err, auth.ErrRefreshFailed):
		return nil, &SimError{Kind: KindAuthFailure, Err: err}
	case errors.As(err, &netErr) || errors.Is(err, errServer):
		return nil, &SimError{Kind: KindNetworkError, Err: err}
	case retry.IsRetryAfter(err):
		return nil, &SimError{Kind: KindRateLimited, StatusCode: http.StatusTooManyRequests, Err: err}
	default:
		return nil, &SimError{Kind: KindNetworkError, Err: err}
	}
}

// getJSON decodes a 2xx body into out.
func (brainSvc *BrainService) getJSON(ctx context.Context, path string, out any) error {
	raw, err := brainSvc.send(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if raw.StatusCode >= 400 {
		return &SimError{Kind: KindPlatformRejected, StatusCode: raw.StatusCode, Message: raw.message()}
	}
	if err := json.Unmarshal(raw.Body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

func (brainSvc *BrainService) HasPermission(name string) bool {
	return brainSvc.brainAuth.HasPermission(name)
}
