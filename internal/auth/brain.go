package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"slices"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"wq_miner/configs"
	"wq_miner/internal/constant"
)

var (
	// ErrRefreshFailed is one failed credential refresh; callers may retry.
	ErrRefreshFailed = errors.New("credential refresh failed")
	// ErrAuthFailure is returned once refresh has failed twice in a row.
	ErrAuthFailure = errors.New("authentication failure")
)

type user struct {
	ID string `json:"id"`
}

type token struct {
	Expiry float64 `json:"expiry"`
}

type loginResponse struct {
	User        user     `json:"user"`
	Token       token    `json:"token"`
	Permissions []string `json:"permissions"`
}

// CredentialManager owns the platform session cookie and refreshes it
// at 90% of its lifetime or when a request comes back 401/403.
type CredentialManager struct {
	HttpClient *http.Client
	baseUrl    string
	userName   string
	password   string

	group singleflight.Group

	mutex       sync.RWMutex
	refreshAt   time.Time
	userId      string
	permissions []string

	failMutex    sync.Mutex
	refreshFails int
}

func NewCredentialManager(conf configs.CredentialConf, baseUrl string, timeout time.Duration) (*CredentialManager, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	if baseUrl == "" {
		baseUrl = constant.DefaultBaseUrl
	}
	return &CredentialManager{
		HttpClient: &http.Client{Jar: jar, Timeout: timeout},
		baseUrl:    baseUrl,
		userName:   conf.UserName,
		password:   conf.Password,
	}, nil
}

func (auth *CredentialManager) login(ctx context.Context) (*loginResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, auth.baseUrl+constant.AuthenticationUri, nil)
	if err != nil {
		return nil, fmt.Errorf("build login request: %w", err)
	}
	req.SetBasicAuth(auth.userName, auth.password)

	resp, err := auth.HttpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send login request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read login response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("login code: %d, message: %s", resp.StatusCode, string(body))
	}

	var responseData loginResponse
	if err = json.Unmarshal(body, &responseData); err != nil {
		return nil, fmt.Errorf("decode login response: %w", err)
	}
	return &responseData, nil
}

// Refresh logs in again. Concurrent callers share one in-flight login.
func (auth *CredentialManager) Refresh(ctx context.Context) error {
	_, err, _ := auth.group.Do("login", func() (interface{}, error) {
		resp, err := auth.login(ctx)

		auth.failMutex.Lock()
		defer auth.failMutex.Unlock()
		if err != nil {
			auth.refreshFails++
			log.Errorf("credential refresh failed (%d in a row): %v", auth.refreshFails, err)
			if auth.refreshFails >= 2 {
				return nil, fmt.Errorf("%w: %v", ErrAuthFailure, err)
			}
			return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
		}
		auth.refreshFails = 0

		expiry := resp.Token.Expiry
		if expiry <= 0 {
			expiry = 4 * 3600
		}
		auth.mutex.Lock()
		auth.refreshAt = time.Now().Add(time.Duration(0.9*expiry) * time.Second)
		auth.userId = resp.User.ID
		auth.permissions = resp.Permissions
		auth.mutex.Unlock()
		log.Infof("logged in as %s, permissions %v, token expiry %.0fs", resp.User.ID, resp.Permissions, expiry)
		return nil, nil
	})
	return err
}

// CheckFreshToken refreshes the session when it is within its last 10% of lifetime.
func (auth *CredentialManager) CheckFreshToken(ctx context.Context) error {
	auth.mutex.RLock()
	due := auth.refreshAt.IsZero() || time.Now().After(auth.refreshAt)
	auth.mutex.RUnlock()
	if !due {
		return nil
	}
	return auth.Refresh(ctx)
}

func (auth *CredentialManager) HasPermission(name string) bool {
	auth.mutex.RLock()
	defer auth.mutex.RUnlock()
	return slices.Contains(auth.permissions, name)
}

func (auth *CredentialManager) UserId() string {
	auth.mutex.RLock()
	defer auth.mutex.RUnlock()
	return auth.userId
}

func (auth *CredentialManager) BaseUrl() string {
	return auth.baseUrl
}

// Do sends req with the session cookie. On 401/403 it refreshes once and replays the request;
// request bodies must be replayable (http.NewRequest sets GetBody for bytes readers).
func (auth *CredentialManager) Do(req *http.Request) (*http.Response, error) {
	if err := auth.CheckFreshToken(req.Context()); err != nil {
		return nil, err
	}
	resp, err := auth.HttpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusUnauthorized && resp.StatusCode != http.StatusForbidden {
		return resp, nil
	}

	var retryReq *http.Request
	if req.Body == nil || req.GetBody != nil {
		retryReq = req.Clone(req.Context())
		if req.GetBody != nil {
			body, err := req.GetBody()
			if err != nil {
				return resp, nil
			}
			retryReq.Body = body
		}
	}
	if retryReq == nil {
		return resp, nil
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	log.Warnf("%s %s returned %d, refreshing credential", req.Method, req.URL.Path, resp.StatusCode)
	if err := auth.Refresh(req.Context()); err != nil {
		return nil, err
	}
	return auth.HttpClient.Do(retryReq)
}
