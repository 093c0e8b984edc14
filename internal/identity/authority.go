package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/oochat/internal/domain"
)

// Challenge is the signed proof of key possession sent to the authority.
type Challenge struct {
	PublicKey string `json:"public_key"`
	Signature string `json:"signature"`
	Message   string `json:"message"`
}

// Authority exchanges signed challenges for bearer tokens.
type Authority interface {
	Exchange(ctx context.Context, c Challenge) (string, error)
	Profile(ctx context.Context, token string) (*domain.Profile, error)
}

// AuthError is a non-2xx response from the authority.
type AuthError struct {
	StatusCode int
	Detail     string
}

func (e *AuthError) Error() string {
	if e.Detail != "" {
		return e.Detail
	}
	return fmt.Sprintf("authentication failed: HTTP %d", e.StatusCode)
}

// HTTPAuthority talks to the hosted auth API.
type HTTPAuthority struct {
	baseURL string
	client  *http.Client
}

// NewHTTPAuthority returns an authority rooted at baseURL. A nil client gets
// a 15 second timeout.
func NewHTTPAuthority(baseURL string, client *http.Client) *HTTPAuthority {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAuthority{baseURL: strings.TrimRight(baseURL, "/"), client: client}
}

// Exchange posts the challenge to /api/v1/auth and returns the token.
func (a *HTTPAuthority) Exchange(ctx context.Context, c Challenge) (string, error) {
	body, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("encode challenge: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v1/auth", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create auth request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		Token string `json:"token"`
	}
	if err := a.do(req, &out); err != nil {
		return "", err
	}
	if out.Token == "" {
		return "", &AuthError{StatusCode: http.StatusOK, Detail: "authority returned no token"}
	}
	return out.Token, nil
}

// Profile fetches /api/v1/auth/me with the bearer token.
func (a *HTTPAuthority) Profile(ctx context.Context, token string) (*domain.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.baseURL+"/api/v1/auth/me", nil)
	if err != nil {
		return nil, fmt.Errorf("create profile request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var p domain.Profile
	if err := a.do(req, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func (a *HTTPAuthority) do(req *http.Request, out any) error {
	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("auth request %s: %w", req.URL.Path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read auth response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Detail string `json:"detail"`
		}
		_ = json.Unmarshal(data, &e)
		return &AuthError{StatusCode: resp.StatusCode, Detail: e.Detail}
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode auth response: %w", err)
	}
	return nil
}
