package auth

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/guarzo/fitapi/common"
	"github.com/guarzo/fitapi/common/model"
	"github.com/guarzo/fitapi/modules/api"
)

const (
	mePath     = "/auth/me"
	logoutPath = "/auth/logout"
)

// Authenticator is the part of Endpoint the Service needs.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (*oauth2.Token, error)
}

// Service is the session layer on top of the API client: it owns writes to
// the token store outside of the refresh path.
type Service interface {
	Login(ctx context.Context, email, password string) (*model.User, error)
	Me(ctx context.Context) (*model.User, error)
	Logout(ctx context.Context) error
	IsAuthenticated() bool
}

type service struct {
	authenticator Authenticator
	client        api.Client
	store         common.TokenStore
}

func NewService(authenticator Authenticator, client api.Client, store common.TokenStore) Service {
	return &service{
		authenticator: authenticator,
		client:        client,
		store:         store,
	}
}

// Login stores the issued pair and returns the logged-in user.
func (s *service) Login(ctx context.Context, email, password string) (*model.User, error) {
	if email == "" || password == "" {
		return nil, fmt.Errorf("email and password are required")
	}

	token, err := s.authenticator.Login(ctx, email, password)
	if err != nil {
		return nil, fmt.Errorf("login: %w", err)
	}

	s.store.SetAccessToken(token.AccessToken)
	s.store.SetRefreshToken(token.RefreshToken)

	return s.Me(ctx)
}

func (s *service) Me(ctx context.Context) (*model.User, error) {
	var user model.User
	if err := s.client.GetJSON(ctx, mePath, nil, &user); err != nil {
		return nil, fmt.Errorf("get current user: %w", err)
	}
	return &user, nil
}

// Logout notifies the server, then clears the store whatever the server said.
// A failed server call is returned after the local credentials are gone.
func (s *service) Logout(ctx context.Context) error {
	var err error
	if s.store.AccessToken() != "" {
		if err = s.client.PostJSON(ctx, logoutPath, nil, nil); err != nil {
			log.Warnf("logout request failed, clearing local credentials anyway: %s", err)
			err = fmt.Errorf("logout: %w", err)
		}
	}
	s.store.ClearTokens()
	return err
}

// IsAuthenticated reports whether an access token is stored. An empty store
// after a failed call means the session expired.
func (s *service) IsAuthenticated() bool {
	return s.store.AccessToken() != ""
}
