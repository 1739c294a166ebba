package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// UserClient resolves identity questions against the auth and user services.
// Matchmaking only needs two answers: which user a token belongs to, and
// what to call them.
type UserClient interface {
	ValidateToken(ctx context.Context, token string) (*TokenValidationResponse, error)
	GetUserInfo(ctx context.Context, userID, token string) (*UserInfo, error)
}

type TokenValidationResponse struct {
	UserID  string `json:"userId"`
	Valid   bool   `json:"valid"`
	Message string `json:"message,omitempty"`
}

type UserInfo struct {
	UserID          string `json:"userId"`
	Email           string `json:"email"`
	NickName        string `json:"nickName,omitempty"`
	ProfileImageURL string `json:"profileImageUrl,omitempty"`
}

type identityClient struct {
	userBaseURL string
	authBaseURL string
	httpClient  *http.Client
}

func NewUserClient(userBaseURL, authBaseURL string, timeout time.Duration) UserClient {
	return &identityClient{
		userBaseURL: userBaseURL,
		authBaseURL: authBaseURL,
		httpClient:  &http.Client{Timeout: timeout},
	}
}

// ValidateToken asks the auth service who holds the token.
func (c *identityClient) ValidateToken(ctx context.Context, token string) (*TokenValidationResponse, error) {
	body, err := json.Marshal(map[string]string{"token": token})
	if err != nil {
		return nil, fmt.Errorf("encode validation request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authBaseURL+"/api/auth/validate", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build validation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	var out TokenValidationResponse
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("validate token: %w", err)
	}
	return &out, nil
}

// GetUserInfo fetches the user's profile, mainly for the display name shown
// to a matched partner.
func (c *identityClient) GetUserInfo(ctx context.Context, userID, token string) (*UserInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.userBaseURL+"/api/users/"+userID, nil)
	if err != nil {
		return nil, fmt.Errorf("build user request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	var out UserInfo
	if err := c.doJSON(req, &out); err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &out, nil
}

func (c *identityClient) doJSON(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
