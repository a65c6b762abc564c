package common

import (
	"context"

	"golang.org/x/oauth2"
)

// AuthClient defines the ability to refresh an OAuth2 token.
// Implementations talk to the API's refresh endpoint directly and must not
// go through a refreshing transport themselves.
type AuthClient interface {
	// RefreshToken attempts to refresh using the given refresh token string.
	// The refresh token may be empty when the server tracks it out of band (cookie).
	// Returns a new *oauth2.Token on success, or an error if refresh fails.
	RefreshToken(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenStore holds the credential pair shared by every outbound request.
// An empty string means the token is absent.
type TokenStore interface {
	AccessToken() string
	SetAccessToken(token string)
	RefreshToken() string
	SetRefreshToken(token string)
	// ClearTokens removes both halves of the pair in one step.
	ClearTokens()
}
