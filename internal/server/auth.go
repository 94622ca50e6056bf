package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"taskhub/internal/domain"
)

// Authenticator resolves a bearer token to a user.
type Authenticator interface {
	Authenticate(ctx context.Context, bearer string) (domain.User, error)
}

type userKey struct{}

func withUser(ctx context.Context, u domain.User) context.Context {
	return context.WithValue(ctx, userKey{}, u)
}

func userFromContext(ctx context.Context) (domain.User, bool) {
	u, ok := ctx.Value(userKey{}).(domain.User)
	return u, ok && u.ID != 0
}

func actorFromContext(ctx context.Context) (domain.Actor, huma.StatusError) {
	if u, ok := userFromContext(ctx); ok {
		return u.Actor(), nil
	}
	return domain.Actor{}, newAPIError(http.StatusUnauthorized, msgUnauthenticated, nil)
}

func bearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// publicPaths are reachable without a bearer token.
func publicPaths(basePath string) map[string]bool {
	return map[string]bool{
		path.Join(basePath, "health"):        true,
		path.Join(basePath, "auth/register"): true,
		path.Join(basePath, "auth/login"):    true,
		path.Join(basePath, "openapi.json"):  true,
	}
}

func newAuthMiddleware(basePath string, authn Authenticator, log logrus.FieldLogger) func(http.Handler) http.Handler {
	public := publicPaths(basePath)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			// Only enforce for API base path.
			if !strings.HasPrefix(req.URL.Path, basePath) || public[strings.TrimSuffix(req.URL.Path, "/")] {
				next.ServeHTTP(w, req)
				return
			}
			token, ok := bearerToken(strings.TrimSpace(req.Header.Get("Authorization")))
			if !ok {
				respondStatusError(w, newAPIError(http.StatusUnauthorized, msgUnauthenticated, nil))
				return
			}
			u, err := authn.Authenticate(req.Context(), token)
			if err != nil {
				var ue domain.UnexpectedError
				if errors.As(err, &ue) {
					log.WithError(err).Error("authenticate")
					respondStatusError(w, newAPIError(http.StatusInternalServerError, msgUnexpected, nil))
					return
				}
				respondStatusError(w, newAPIError(http.StatusUnauthorized, msgUnauthenticated, nil))
				return
			}
			next.ServeHTTP(w, req.WithContext(withUser(req.Context(), u)))
		})
	}
}

const (
	maxTrackedClients = 10000
	// limiterIdleTTL must exceed the one minute refill window.
	limiterIdleTTL = 10 * time.Minute
)

// clientLimiter hands out one token bucket per client address, keeping at most
// size buckets.
type clientLimiter struct {
	mu       sync.Mutex
	limit    rate.Limit
	burst    int
	limiters *expirable.LRU[string, *rate.Limiter]
}

func newClientLimiter(perMinute, size int) *clientLimiter {
	return &clientLimiter{
		limit:    rate.Every(time.Minute / time.Duration(perMinute)),
		burst:    perMinute,
		limiters: expirable.NewLRU[string, *rate.Limiter](size, nil, limiterIdleTTL),
	}
}

func (c *clientLimiter) allow(client string) bool {
	c.mu.Lock()
	l, ok := c.limiters.Get(client)
	if !ok {
		l = rate.NewLimiter(c.limit, c.burst)
		c.limiters.Add(client, l)
	}
	c.mu.Unlock()
	return l.Allow()
}

func clientAddr(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// newAuthRateLimit throttles the credential endpoints per client. perMinute <= 0 disables it.
func newAuthRateLimit(basePath string, perMinute int) func(http.Handler) http.Handler {
	if perMinute <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	limiter := newClientLimiter(perMinute, maxTrackedClients)
	prefix := path.Join(basePath, "auth") + "/"
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			if strings.HasPrefix(req.URL.Path, prefix) && !limiter.allow(clientAddr(req)) {
				w.Header().Set("Retry-After", "60")
				respondStatusError(w, newAPIError(http.StatusTooManyRequests, "Too many requests", nil))
				return
			}
			next.ServeHTTP(w, req)
		})
	}
}

func respondStatusError(w http.ResponseWriter, err huma.StatusError) {
	status := http.StatusInternalServerError
	if e, ok := err.(interface{ GetStatus() int }); ok {
		status = e.GetStatus()
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(err)
}

func registerAuth(api huma.API, s *server) {
	huma.Register(api, huma.Operation{
		OperationID:   "register",
		Method:        http.MethodPost,
		Path:          "/auth/register",
		Summary:       "Register a user",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusUnprocessableEntity, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body RegisterRequest
	}) (*envelopeOutput[SessionResponse], error) {
		sess, err := s.auth.Register(ctx, registerInput(input.Body))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok("User registered successfully", SessionResponse{User: userResponse(sess.User), Token: sess.Token}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "login",
		Method:      http.MethodPost,
		Path:        "/auth/login",
		Summary:     "Exchange email and password for a bearer token",
		Errors:      []int{http.StatusUnprocessableEntity, http.StatusTooManyRequests},
	}, func(ctx context.Context, input *struct {
		Body LoginRequest
	}) (*envelopeOutput[SessionResponse], error) {
		sess, err := s.auth.Login(ctx, loginInput(input.Body))
		if err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok("Login successful", SessionResponse{User: userResponse(sess.User), Token: sess.Token}), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "logout",
		Method:      http.MethodPost,
		Path:        "/auth/logout",
		Summary:     "Revoke the caller's tokens",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*envelopeOutput[*EmptyData], error) {
		actor, authErr := actorFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		if err := s.auth.Logout(ctx, actor); err != nil {
			return nil, s.handleError(ctx, err)
		}
		return ok[*EmptyData]("Logged out successfully", nil), nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/auth/me",
		Summary:     "Current user",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*envelopeOutput[UserResponse], error) {
		u, found := userFromContext(ctx)
		if !found {
			return nil, newAPIError(http.StatusUnauthorized, msgUnauthenticated, nil)
		}
		return ok("User retrieved successfully", userResponse(u)), nil
	})
}
