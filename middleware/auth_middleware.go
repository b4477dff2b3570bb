package middleware

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/TitaniumShinobi/vsi-governance/config"
	"github.com/TitaniumShinobi/vsi-governance/utils"
)

// Trusted headers consumed when no gateway secret is configured. Only
// honored in development; production refuses to start without a secret.
const (
	userIDHeader      = "X-User-ID"
	constructIDHeader = "X-Construct-ID"
	runnerTokenHeader = "X-Runner-Token"
	runnerIDHeader    = "X-Runner-ID"
)

// gatewayClaims are the JWT claims minted by the upstream gateway. The
// subject carries the user; construct_id is set for construct-originated
// requests.
type gatewayClaims struct {
	ConstructID string `json:"construct_id,omitempty"`
	jwt.RegisteredClaims
}

// AuthMiddleware verifies request identity. It supports HS256 gateway
// tokens and, in development only, trusted header identity.
type AuthMiddleware struct {
	secret      string
	runnerToken string
	development bool
	logger      *zap.Logger
}

// NewAuthMiddleware creates a new AuthMiddleware
func NewAuthMiddleware(cfg config.IdentityConfig, development bool, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		secret:      cfg.GatewaySecret,
		runnerToken: cfg.RunnerToken,
		development: development,
		logger:      logger,
	}
}

// RequireIdentity is a middleware that requires a verified user identity
func (m *AuthMiddleware) RequireIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		identity, err := m.resolveIdentity(r)
		if err != nil {
			m.logger.Warn("identity verification failed",
				zap.String("request_id", requestID),
				zap.Error(err))
			_ = utils.WriteUnauthorized(w, "Missing or invalid identity")
			return
		}

		ctx = WithIdentity(ctx, identity)

		m.logger.Debug("identity verified",
			zap.String("request_id", requestID),
			zap.String("user_id", identity.UserID),
			zap.String("construct_id", identity.ConstructID))

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRunner is a middleware that requires the shared runner token.
// Runner endpoints never accept user tokens.
func (m *AuthMiddleware) RequireRunner(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		requestID := GetRequestIDFromContext(ctx)

		if m.runnerToken == "" {
			m.logger.Warn("runner endpoint called with no runner token configured",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Runner reporting is not configured")
			return
		}

		presented := r.Header.Get(runnerTokenHeader)
		if subtle.ConstantTimeCompare([]byte(presented), []byte(m.runnerToken)) != 1 {
			m.logger.Warn("invalid runner token",
				zap.String("request_id", requestID))
			_ = utils.WriteUnauthorized(w, "Invalid runner token")
			return
		}

		runnerID := r.Header.Get(runnerIDHeader)
		if runnerID == "" {
			runnerID = "runner"
		}
		ctx = WithIdentity(ctx, &Identity{Runner: true, RunnerID: runnerID})

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// resolveIdentity verifies the gateway token when a secret is configured,
// falling back to trusted headers in development
func (m *AuthMiddleware) resolveIdentity(r *http.Request) (*Identity, error) {
	if m.secret != "" {
		token := extractBearerToken(r)
		if token == "" {
			return nil, fmt.Errorf("missing bearer token")
		}
		return m.verifyGatewayToken(token)
	}

	if !m.development {
		return nil, fmt.Errorf("no gateway secret configured")
	}

	userID := r.Header.Get(userIDHeader)
	if userID == "" {
		return nil, fmt.Errorf("missing %s header", userIDHeader)
	}
	return &Identity{
		UserID:      userID,
		ConstructID: r.Header.Get(constructIDHeader),
	}, nil
}

// verifyGatewayToken parses and validates an HS256 gateway token
func (m *AuthMiddleware) verifyGatewayToken(token string) (*Identity, error) {
	claims := &gatewayClaims{}
	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (interface{}, error) {
		return []byte(m.secret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, fmt.Errorf("token validation failed: %w", err)
	}
	if !parsed.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("token has no subject")
	}

	return &Identity{
		UserID:      claims.Subject,
		ConstructID: claims.ConstructID,
	}, nil
}

// extractBearerToken extracts the Bearer token from the Authorization header
func extractBearerToken(r *http.Request) string {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
