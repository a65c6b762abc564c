package model

import (
	"encoding/json"
	"time"

	"golang.org/x/oauth2"
)

// If you want a helper for JSON unmarshal:
func JSONUnmarshal(data []byte, out interface{}) error {
	return json.Unmarshal(data, out)
}

// ----------------------------------------------------------------------
// Auth endpoint payloads
// ----------------------------------------------------------------------

// TokenResponse is what /auth/login and /auth/refresh return.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// OAuth2Token converts the response into an *oauth2.Token.
// Expiry stays zero when the server did not send expires_in.
func (t TokenResponse) OAuth2Token(now time.Time) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		TokenType:    t.TokenType,
	}
	if t.ExpiresIn > 0 {
		tok.Expiry = now.Add(time.Duration(t.ExpiresIn) * time.Second)
	}
	return tok
}

// RefreshRequest is the optional body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// ----------------------------------------------------------------------
// Users
// ----------------------------------------------------------------------

type Role string

const (
	RoleTrainee Role = "trainee"
	RoleTrainer Role = "trainer"
)

// User is the authenticated account as returned by /auth/me.
type User struct {
	ID        int64     `json:"id"`
	Email     string    `json:"email"`
	FullName  string    `json:"full_name"`
	Role      Role      `json:"role"`
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at,omitempty"`
}

func (u *User) IsTrainer() bool {
	return u != nil && u.Role == RoleTrainer
}
