// Package auth is the credential store: registration, password login and
// revocable bearer tokens.
package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"taskhub/internal/config"
	"taskhub/internal/domain"
	"taskhub/internal/events"
	"taskhub/internal/repo"
)

const (
	minPasswordLength = 6
	maxNameLength     = 255
	tokenName         = "auth_token"
)

// MsgInvalidCredentials is reported on the email field when login fails.
const MsgInvalidCredentials = "Invalid credentials provided."

// Service issues and checks credentials backed by SQL.
type Service struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Hasher *PasswordHasher
	Tokens TokenManager
	Log    logrus.FieldLogger
	Now    func() time.Time
}

func New(db *sql.DB, cfg config.AuthConfig, log logrus.FieldLogger) Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return Service{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Hasher: NewPasswordHasher(cfg.BcryptCost),
		Tokens: TokenManager{Secret: []byte(cfg.JWTSecret), TTL: cfg.TokenTTL, Issuer: "taskhub"},
		Log:    log,
		Now:    time.Now,
	}
}

// WithNow returns a copy of s whose clock, token clock included, is now.
func (s Service) WithNow(now func() time.Time) Service {
	s.Now = now
	s.Tokens.Now = now
	s.Events.Now = now
	return s
}

func (s Service) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

type RegisterInput struct {
	Name                 string
	Email                string
	Password             string
	PasswordConfirmation string
	Role                 domain.Role
}

type LoginInput struct {
	Email    string
	Password string
}

// Session is a user together with a freshly issued bearer token.
type Session struct {
	User  domain.User
	Token string
}

// Register creates a user and signs them in.
func (s Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	return s.register(ctx, in, true)
}

// CreateUser registers a user without issuing a token. An empty confirmation
// is taken to match.
func (s Service) CreateUser(ctx context.Context, in RegisterInput) (domain.User, error) {
	if in.PasswordConfirmation == "" {
		in.PasswordConfirmation = in.Password
	}
	sess, err := s.register(ctx, in, false)
	return sess.User, err
}

func (s Service) register(ctx context.Context, in RegisterInput, signIn bool) (sess Session, err error) {
	defer func() { err = domain.Classify(err) }()

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	var verr domain.ValidationError
	name := strings.TrimSpace(in.Name)
	email := strings.TrimSpace(in.Email)
	switch {
	case name == "":
		verr.Add("name", "The name field is required.")
	case utf8.RuneCountInString(name) > maxNameLength:
		verr.Add("name", fmt.Sprintf("The name field must not be greater than %d characters.", maxNameLength))
	}
	switch {
	case email == "":
		verr.Add("email", "The email field is required.")
	case !validEmail(email):
		verr.Add("email", "The email field must be a valid email address.")
	default:
		_, err := s.Repo.GetUserByEmail(ctx, tx, email)
		switch {
		case err == nil:
			verr.Add("email", "The email has already been taken.")
		case !errors.Is(err, repo.ErrNotFound):
			return Session{}, err
		}
	}
	switch {
	case in.Password == "":
		verr.Add("password", "The password field is required.")
	case utf8.RuneCountInString(in.Password) < minPasswordLength:
		verr.Add("password", fmt.Sprintf("The password field must be at least %d characters.", minPasswordLength))
	case in.Password != in.PasswordConfirmation:
		verr.Add("password", "The password field confirmation does not match.")
	}
	switch {
	case in.Role == "":
		verr.Add("role", "The role field is required.")
	case !in.Role.Valid():
		verr.Add("role", "The selected role is invalid.")
	}
	if err := verr.Err(); err != nil {
		return Session{}, err
	}

	hash, err := s.Hasher.Hash(in.Password)
	if err != nil {
		return Session{}, fmt.Errorf("hash password: %w", err)
	}
	ts := s.now().UTC().Format(time.RFC3339)
	u := domain.User{Name: name, Email: email, Role: in.Role, PasswordHash: hash, CreatedAt: ts, UpdatedAt: ts}
	u.ID, err = s.Repo.InsertUser(ctx, tx, u)
	if errors.Is(err, repo.ErrDuplicate) {
		return Session{}, domain.NewValidationError("email", "The email has already been taken.")
	}
	if err != nil {
		return Session{}, err
	}
	var token string
	if signIn {
		if token, err = s.issue(ctx, tx, u); err != nil {
			return Session{}, err
		}
	}
	if err := s.Events.Append(ctx, tx, events.UserRegistered, "user", u.ID, u.ID, events.EventPayload{"email": u.Email, "role": u.Role}); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	s.Log.WithFields(logrus.Fields{"user_id": u.ID, "role": u.Role}).Info("user registered")
	return Session{User: u, Token: token}, nil
}

// Login verifies email and password and issues a new token.
func (s Service) Login(ctx context.Context, in LoginInput) (sess Session, err error) {
	defer func() { err = domain.Classify(err) }()

	var verr domain.ValidationError
	email := strings.TrimSpace(in.Email)
	switch {
	case email == "":
		verr.Add("email", "The email field is required.")
	case !validEmail(email):
		verr.Add("email", "The email field must be a valid email address.")
	}
	if in.Password == "" {
		verr.Add("password", "The password field is required.")
	}
	if err := verr.Err(); err != nil {
		return Session{}, err
	}

	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return Session{}, err
	}
	defer tx.Rollback()

	u, err := s.Repo.GetUserByEmail(ctx, tx, email)
	if errors.Is(err, repo.ErrNotFound) {
		return Session{}, domain.NewValidationError("email", MsgInvalidCredentials)
	}
	if err != nil {
		return Session{}, err
	}
	if !s.Hasher.Verify(in.Password, u.PasswordHash) {
		return Session{}, domain.NewValidationError("email", MsgInvalidCredentials)
	}
	if err := s.Repo.DeleteExpiredTokens(ctx, tx, s.now().UTC().Format(time.RFC3339)); err != nil {
		return Session{}, err
	}
	token, err := s.issue(ctx, tx, u)
	if err != nil {
		return Session{}, err
	}
	if err := s.Events.Append(ctx, tx, events.UserLoggedIn, "user", u.ID, u.ID, nil); err != nil {
		return Session{}, err
	}
	if err := tx.Commit(); err != nil {
		return Session{}, err
	}
	return Session{User: u, Token: token}, nil
}

// Logout revokes every token of actor.
func (s Service) Logout(ctx context.Context, actor domain.Actor) (err error) {
	defer func() { err = domain.Classify(err) }()
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	n, err := s.Repo.DeleteUserTokens(ctx, tx, actor.ID)
	if err != nil {
		return err
	}
	if err := s.Events.Append(ctx, tx, events.UserLoggedOut, "user", actor.ID, actor.ID, events.EventPayload{"revoked": n}); err != nil {
		return err
	}
	return tx.Commit()
}

// Authenticate resolves a bearer token to its user. Any failure is ErrUnauthenticated.
func (s Service) Authenticate(ctx context.Context, bearer string) (domain.User, error) {
	bearer = strings.TrimSpace(bearer)
	if bearer == "" {
		return domain.User{}, domain.ErrUnauthenticated
	}
	userID, err := s.Tokens.Verify(bearer)
	if err != nil {
		s.Log.WithError(err).Debug("bearer rejected")
		return domain.User{}, domain.ErrUnauthenticated
	}
	tok, err := s.Repo.GetTokenByHash(ctx, repo.HashToken(bearer))
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, domain.ErrUnauthenticated
	}
	if err != nil {
		return domain.User{}, domain.UnexpectedError{Err: err}
	}
	if tok.UserID != userID {
		return domain.User{}, domain.ErrUnauthenticated
	}
	u, err := s.Repo.GetUser(ctx, nil, userID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, domain.ErrUnauthenticated
	}
	if err != nil {
		return domain.User{}, domain.UnexpectedError{Err: err}
	}
	return u, nil
}

func (s Service) issue(ctx context.Context, tx *sql.Tx, u domain.User) (string, error) {
	token, id, expires, err := s.Tokens.Issue(u.ID, string(u.Role))
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	err = s.Repo.InsertToken(ctx, tx, domain.APIToken{
		ID:        id,
		UserID:    u.ID,
		Name:      tokenName,
		TokenHash: repo.HashToken(token),
		CreatedAt: s.now().UTC().Format(time.RFC3339),
		ExpiresAt: expires.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return "", fmt.Errorf("store token: %w", err)
	}
	return token, nil
}

func validEmail(email string) bool {
	addr, err := mail.ParseAddress(email)
	return err == nil && addr.Address == email && strings.Contains(email, ".")
}
