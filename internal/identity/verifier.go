package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/resumeforge/creditd/pkg/credits"
)

// Verifier validates bearer tokens issued by the identity provider and yields
// the stable user identifier. Tokens are HS256 JWTs signed with the
// provider's shared project secret, so validation happens locally without a
// per-request call to the provider.
type Verifier struct {
	signingKey []byte
	issuer     string
	logger     *zap.Logger
	parser     *jwt.Parser
}

// Config holds the verifier settings.
type Config struct {
	SigningKey []byte
	Issuer     string
}

// New wires a Verifier.
func New(cfg Config, logger *zap.Logger) (*Verifier, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, fmt.Errorf("%w: signing key is required", credits.ErrInvalidServiceConfig)
	}
	if strings.TrimSpace(cfg.Issuer) == "" {
		return nil, fmt.Errorf("%w: issuer is required", credits.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{
		signingKey: cfg.SigningKey,
		issuer:     cfg.Issuer,
		logger:     logger,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
			jwt.WithIssuer(cfg.Issuer),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Verify checks the credential and returns the subject user id. Every failure
// mode collapses to credits.ErrUnauthenticated; the underlying cause is
// logged for operators but never surfaced to the caller.
func (verifier *Verifier) Verify(ctx context.Context, credential string) (credits.UserID, error) {
	trimmed := strings.TrimSpace(credential)
	if trimmed == "" {
		return credits.UserID{}, fmt.Errorf("%w: empty credential", credits.ErrUnauthenticated)
	}
	claims := jwt.RegisteredClaims{}
	_, err := verifier.parser.ParseWithClaims(trimmed, &claims, func(token *jwt.Token) (any, error) {
		return verifier.signingKey, nil
	})
	if err != nil {
		verifier.logger.Warn("token verification failed", zap.Error(err))
		return credits.UserID{}, fmt.Errorf("%w: token rejected", credits.ErrUnauthenticated)
	}
	userID, err := credits.NewUserID(claims.Subject)
	if err != nil {
		verifier.logger.Warn("token missing subject claim")
		return credits.UserID{}, fmt.Errorf("%w: token rejected", credits.ErrUnauthenticated)
	}
	return userID, nil
}
