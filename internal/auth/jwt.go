package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"sessiongate/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token has expired")
)

// Claims is the bearer token's payload: subject is the username, Role
// carries the principal's access level.
type Claims struct {
	jwt.RegisteredClaims
	Role models.Role `json:"role"`
}

// JWTService issues and validates the gateway's bearer tokens.
type JWTService struct {
	secretKey []byte
	ttl       time.Duration
	issuer    string
}

// NewJWTService creates a JWT service signing with HS256 at the given TTL.
func NewJWTService(secretKey string, ttl time.Duration) *JWTService {
	return &JWTService{
		secretKey: []byte(secretKey),
		ttl:       ttl,
		issuer:    "sessiongate",
	}
}

// GenerateToken creates a signed bearer token carrying {sub, role, exp}.
func (s *JWTService) GenerateToken(username string, role models.Role) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
		Role: role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secretKey)
}

// ValidateToken validates signature and expiry and returns the claims.
func (s *JWTService) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secretKey, nil
	})

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

// Principal validates a token and reduces it to the principal the rest of
// the gateway reasons about.
func (s *JWTService) Principal(tokenString string) (*models.Principal, error) {
	claims, err := s.ValidateToken(tokenString)
	if err != nil {
		return nil, err
	}
	return &models.Principal{Username: claims.Subject, Role: claims.Role}, nil
}

// ExpirySeconds returns the token TTL in seconds, for the login response's
// expires_in field.
func (s *JWTService) ExpirySeconds() int {
	return int(s.ttl.Seconds())
}
