// Package auth guards management endpoints with HS256 admin tokens.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/johnrirwin/spinefeed/internal/config"
	"github.com/johnrirwin/spinefeed/internal/logging"
)

// RoleAdmin is the role claim required for management routes.
const RoleAdmin = "admin"

// Claims are the fields read from a validated token.
type Claims struct {
	Subject string
	Role    string
}

// Service validates and issues admin tokens.
type Service struct {
	config config.AuthConfig
	logger *logging.Logger
	now    func() time.Time
}

// NewService returns nil when no secret is configured, which leaves management routes open.
func NewService(cfg config.AuthConfig, logger *logging.Logger) *Service {
	if cfg.JWTSecret == "" {
		return nil
	}
	return &Service{config: cfg, logger: logger, now: time.Now}
}

// ValidateAdminToken checks signature, expiry, issuer, audience and the admin role.
func (s *Service) ValidateAdminToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	}
	if s.config.JWTIssuer != "" {
		opts = append(opts, jwt.WithIssuer(s.config.JWTIssuer))
	}
	if s.config.JWTAudience != "" {
		opts = append(opts, jwt.WithAudience(s.config.JWTAudience))
	}

	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return []byte(s.config.JWTSecret), nil
	}, opts...)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, &AuthError{Code: "token_expired", Message: "token has expired"}
		}
		return nil, &AuthError{Code: "invalid_token", Message: "invalid or expired token"}
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, &AuthError{Code: "invalid_token", Message: "invalid token claims"}
	}

	role, _ := claims["role"].(string)
	if role != RoleAdmin {
		return nil, &AuthError{Code: "forbidden", Message: "admin role required"}
	}
	subject, _ := claims.GetSubject()
	return &Claims{Subject: subject, Role: role}, nil
}

// IssueAdminToken signs an admin token valid for ttl.
func (s *Service) IssueAdminToken(subject string, ttl time.Duration) (string, error) {
	if ttl <= 0 {
		ttl = s.config.TokenTTL
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": RoleAdmin,
		"iat":  now.Unix(),
		"exp":  now.Add(ttl).Unix(),
	}
	if s.config.JWTIssuer != "" {
		claims["iss"] = s.config.JWTIssuer
	}
	if s.config.JWTAudience != "" {
		claims["aud"] = s.config.JWTAudience
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(s.config.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("failed to sign admin token: %w", err)
	}
	return signed, nil
}

// AuthError represents an authentication error
type AuthError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *AuthError) Error() string {
	return e.Message
}
