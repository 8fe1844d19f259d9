package middleware

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v4"

	"github.com/AgentFoundryExamples/plan-scheduler/core/config"
)

// verificationTokenHeader carries the shared secret in token mode.
const verificationTokenHeader = "x-goog-pubsub-verification-token"

// identityClaims mirrors the claims the identity_token mode constrains on:
// audience, issuer, and service-account email.
type identityClaims struct {
	jwt.RegisteredClaims
	Email string `json:"email"`
}

// RequireWebhookAuth applies the configured authentication predicate to the
// status-event webhook. The kernel and handler downstream never see the
// credential, only the fact that this middleware let the request through.
func RequireWebhookAuth(cfg config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		var ok bool
		switch cfg.Mode {
		case config.AuthModeNone:
			ok = true
		case config.AuthModeToken:
			ok = checkVerificationToken(c, cfg.VerificationToken)
		case config.AuthModeIdentityToken:
			ok = checkIdentityToken(c, cfg)
		default:
			ok = false
		}

		if !ok {
			ctx := c.Request.Context()
			slog.WarnContext(ctx, "webhook authentication failed",
				"event_type", "unauthorized",
				"auth_mode", string(cfg.Mode),
				"client_ip", c.ClientIP(),
			)
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}

		c.Next()
	}
}

func checkVerificationToken(c *gin.Context, expected string) bool {
	if expected == "" {
		return false
	}
	got := c.GetHeader(verificationTokenHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), []byte(expected)) == 1
}

func checkIdentityToken(c *gin.Context, cfg config.AuthConfig) bool {
	authz := c.GetHeader("Authorization")
	tokenStr, found := strings.CutPrefix(authz, "Bearer ")
	if !found || tokenStr == "" {
		return false
	}

	claims := &identityClaims{}
	// Signature verification against the identity provider's public keys is
	// performed upstream at the transport edge; this predicate only
	// re-checks the audience/issuer/service-account claims the service was
	// configured to expect, using an unverified parse.
	parser := jwt.NewParser(jwt.WithoutClaimsValidation())
	if _, _, err := parser.ParseUnverified(tokenStr, claims); err != nil {
		return false
	}

	if cfg.ExpectedAudience != "" && !containsAudience(claims.Audience, cfg.ExpectedAudience) {
		return false
	}
	if cfg.ExpectedIssuer != "" && claims.Issuer != cfg.ExpectedIssuer {
		return false
	}
	if cfg.ExpectedServiceAccount != "" && claims.Email != cfg.ExpectedServiceAccount {
		return false
	}
	return true
}

func containsAudience(audience jwt.ClaimStrings, expected string) bool {
	for _, aud := range audience {
		if aud == expected {
			return true
		}
	}
	return false
}
