package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Reissue exchanges a refresh token for a new access token. It implements
// auth.Reissuer. Unauthorized responses are not retried.
func (c *Client) Reissue(ctx context.Context, refreshToken string) (string, error) {
	if refreshToken == "" {
		return "", errors.New("reissue: empty refresh token")
	}

	var resp ReissueResponse
	if err := c.post(ctx, "/api/auth/reissue", ReissueRequest{RefreshToken: refreshToken}, &resp); err != nil {
		return "", fmt.Errorf("reissue: %w", err)
	}
	if resp.AccessToken == "" {
		return "", &APIError{StatusCode: http.StatusUnauthorized, Message: "reissue returned no access token"}
	}
	return resp.AccessToken, nil
}

// GetProfile returns the signed-in member.
func (c *Client) GetProfile(ctx context.Context) (*Profile, error) {
	var p Profile
	if err := c.get(ctx, "/api/members/me", nil, &p); err != nil {
		return nil, fmt.Errorf("get profile: %w", err)
	}
	return &p, nil
}
