package api

import (
	"crypto/subtle"
	"errors"
	"net"
	"net/http"
	"strings"

	"colldialer/internal/config"
)

const (
	PermReadCalls  = "read:calls"
	PermWriteCalls = "write:calls"
	PermReadTasks  = "read:tasks"
)

var (
	errMissingKey       = errors.New("missing api key header")
	errInvalidKey       = errors.New("invalid api key")
	errPermissionDenied = errors.New("permission denied")
	errBadSecret        = errors.New("invalid webhook secret")
)

// HTTPAuth provides API-key auth and per-key rate limiting for the operator endpoints.
// The vendor webhook authenticates with the shared webhook secret instead.
type HTTPAuth struct {
	cfg     config.APIConfig
	clients map[string]config.APIClientKey
	limiter *rateLimiter
}

func NewHTTPAuth(cfg config.APIConfig) *HTTPAuth {
	m := make(map[string]config.APIClientKey, len(cfg.Auth.APIKeys))
	for _, k := range cfg.Auth.APIKeys {
		m[k.Key] = k
	}
	return &HTTPAuth{cfg: cfg, clients: m, limiter: newRateLimiter(cfg.RateLimit)}
}

func (a *HTTPAuth) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		required, protected := requiredPermission(r)
		if !protected {
			next.ServeHTTP(w, r)
			return
		}

		if a.cfg.Auth.Enabled {
			if err := a.checkAuth(r, required); err != nil {
				statusCode := http.StatusUnauthorized
				if errors.Is(err, errPermissionDenied) {
					statusCode = http.StatusForbidden
				}
				writeError(w, statusCode, err.Error())
				return
			}
		}

		if !a.limiter.Allow(a.clientKey(r)) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}

		next.ServeHTTP(w, r)
	})
}

func (a *HTTPAuth) header() string {
	h := strings.TrimSpace(strings.ToLower(a.cfg.Auth.HeaderAPIKey))
	if h == "" {
		h = "x-api-key"
	}
	return h
}

func (a *HTTPAuth) checkAuth(r *http.Request, required string) error {
	apiKey := strings.TrimSpace(r.Header.Get(a.header()))
	if apiKey == "" {
		return errMissingKey
	}
	client, ok := a.clients[apiKey]
	if !ok {
		return errInvalidKey
	}
	return checkPermissions(client, required)
}

// checkPermissions allows keys without a permission list everything.
func checkPermissions(client config.APIClientKey, required string) error {
	if required == "" || len(client.Permissions) == 0 {
		return nil
	}
	for _, p := range client.Permissions {
		if strings.TrimSpace(p) == required {
			return nil
		}
	}
	return errPermissionDenied
}

// requiredPermission maps a request to the permission it needs. Unprotected
// routes report false.
func requiredPermission(r *http.Request) (string, bool) {
	path := r.URL.Path
	switch {
	case path == "/api/v1/calls/cancel":
		return PermWriteCalls, true
	case strings.HasPrefix(path, "/api/v1/calls/"):
		return PermReadCalls, true
	case strings.HasPrefix(path, "/api/v1/buckets/"):
		return PermReadTasks, true
	case strings.HasPrefix(path, "/api/v1/"):
		return "", true
	}
	return "", false
}

func (a *HTTPAuth) clientKey(r *http.Request) string {
	if apiKey := strings.TrimSpace(r.Header.Get(a.header())); apiKey != "" {
		return apiKey
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err == nil && host != "" {
		return host
	}
	return "unknown"
}

// checkWebhookSecret accepts everything when no secret is configured.
func (a *HTTPAuth) checkWebhookSecret(r *http.Request) error {
	if a.cfg.WebhookSecret == "" {
		return nil
	}
	got := r.Header.Get(webhookSecretHeader)
	if got == "" {
		got = r.URL.Query().Get("secret")
	}
	if subtle.ConstantTimeCompare([]byte(got), []byte(a.cfg.WebhookSecret)) != 1 {
		return errBadSecret
	}
	return nil
}
