package account

import (
	"context"
	"net/mail"
	"strings"

	"github.com/rs/zerolog"

	"github.com/docere/gateway/internal/platform/apierr"
	"github.com/docere/gateway/internal/session"
)

// API is the slice of the transport client the account surface needs.
type API interface {
	Get(ctx context.Context, path string, out interface{}) error
	Post(ctx context.Context, path string, body, out interface{}) error
	Put(ctx context.Context, path string, body, out interface{}) error
}

// RegisterInput is the sign-up form.
type RegisterInput struct {
	Username   string       `json:"username"`
	Email      string       `json:"email"`
	Password   string       `json:"password"`
	FirstName  string       `json:"first_name"`
	LastName   string       `json:"last_name"`
	MiddleName *string      `json:"middle_name"`
	Role       session.Role `json:"role"`
	Phone      *string      `json:"phone"`
	Birthday   *string      `json:"birthday"`
}

// ProfileInput carries the editable profile fields.
type ProfileInput struct {
	FirstName  string  `json:"first_name"`
	LastName   string  `json:"last_name"`
	MiddleName *string `json:"middle_name"`
	Phone      *string `json:"phone"`
	Birthday   *string `json:"birthday"`
}

// Service orchestrates the credential flows: it owns no token state itself,
// the session manager does, but it is the only place that sequences token
// exchange with profile fetching.
type Service struct {
	api     API
	session *session.Manager
	logger  zerolog.Logger
}

func NewService(api API, sess *session.Manager, logger zerolog.Logger) *Service {
	return &Service{
		api:     api,
		session: sess,
		logger:  logger.With().Str("component", "account").Logger(),
	}
}

// Login exchanges credentials for a token pair and loads the profile.
func (s *Service) Login(ctx context.Context, identifier, password string) (*session.User, error) {
	if identifier == "" || password == "" {
		return nil, apierr.New(apierr.KindValidation, "username and password are required")
	}

	if err := s.session.Exchange(ctx, identifier, password); err != nil {
		return nil, err
	}

	var u session.User
	if err := s.api.Get(ctx, "/user/me/", &u); err != nil {
		// A token pair without a profile is a broken half-login.
		s.session.Logout()
		return nil, err
	}
	if err := s.session.SetUser(&u); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist profile")
	}

	s.logger.Info().Str("username", u.Username).Str("role", string(u.Role)).Msg("logged in")
	return &u, nil
}

// Register creates the account and logs straight in. A duplicate email or
// username surfaces as the backend's validation error.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*session.User, error) {
	if strings.TrimSpace(in.Username) == "" || in.Password == "" {
		return nil, apierr.New(apierr.KindValidation, "username and password are required")
	}
	if _, err := mail.ParseAddress(in.Email); err != nil {
		return nil, apierr.New(apierr.KindValidation, "invalid email %q", in.Email)
	}
	if !in.Role.Valid() {
		return nil, apierr.New(apierr.KindValidation, "unknown role %q", in.Role)
	}

	if err := s.api.Post(ctx, "/user/register/", in, nil); err != nil {
		return nil, err
	}
	return s.Login(ctx, in.Username, in.Password)
}

// Me returns the cached profile, fetching it when the session was restored
// from disk without one.
func (s *Service) Me(ctx context.Context) (*session.User, error) {
	if u := s.session.User(); u != nil {
		return u, nil
	}
	if !s.session.IsAuthenticated() {
		return nil, apierr.New(apierr.KindAuth, "not logged in")
	}

	var u session.User
	if err := s.api.Get(ctx, "/user/me/", &u); err != nil {
		return nil, err
	}
	if err := s.session.SetUser(&u); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist profile")
	}
	return &u, nil
}

// UpdateProfile saves the editable fields and refreshes the stored profile.
func (s *Service) UpdateProfile(ctx context.Context, in ProfileInput) (*session.User, error) {
	var u session.User
	if err := s.api.Put(ctx, "/user/me/", in, &u); err != nil {
		return nil, err
	}
	if err := s.session.SetUser(&u); err != nil {
		s.logger.Warn().Err(err).Msg("failed to persist profile")
	}
	return &u, nil
}

// Logout drops the session.
func (s *Service) Logout() {
	s.session.Logout()
	s.logger.Info().Msg("logged out")
}

// Restore rehydrates a persisted session at startup.
func (s *Service) Restore() error {
	return s.session.Restore()
}
