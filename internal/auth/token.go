// ABOUTME: HS256 JWT issuing and verification for bearer tokens and verification-request tokens
// ABOUTME: Request tokens bind a prompt result to the application and request that started it

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("jwt secret too short")
)

// MinSecretLength is the shortest accepted signing secret.
const MinSecretLength = 32

const (
	tokenTypeBearer  = "bearer"
	tokenTypeRequest = "verification"
)

// Principal is the identity a bearer token was issued to.
type Principal struct {
	Subject string
	Role    Role
}

// TokenVerifier defines the interface for bearer token verification
type TokenVerifier interface {
	Verify(tokenString string) (Principal, error)
}

// TokenIssuer signs and checks HS256 tokens.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates an issuer. The secret must be at least
// MinSecretLength bytes.
func NewTokenIssuer(secret []byte) (*TokenIssuer, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &TokenIssuer{secret: secret, now: time.Now}, nil
}

// Generate creates a bearer token for subject with the given role.
func (i *TokenIssuer) Generate(subject string, role Role, expiresIn time.Duration) (string, error) {
	if !role.Valid() {
		return "", fmt.Errorf("%w: role %q", ErrInvalidToken, role)
	}
	now := i.now()
	claims := jwt.MapClaims{
		"sub":  subject,
		"role": string(role),
		"typ":  tokenTypeBearer,
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}
	return i.sign(claims)
}

// Verify validates a bearer token and returns its principal.
func (i *TokenIssuer) Verify(tokenString string) (Principal, error) {
	claims, err := i.parse(tokenString, tokenTypeBearer)
	if err != nil {
		return Principal{}, err
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return Principal{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	role, _ := claims["role"].(string)
	if !Role(role).Valid() {
		return Principal{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}
	return Principal{Subject: sub, Role: Role(role)}, nil
}

// IssueRequestToken signs a token binding a verification request to appID.
func (i *TokenIssuer) IssueRequestToken(appID, requestID string, expiresIn time.Duration) (string, error) {
	now := i.now()
	claims := jwt.MapClaims{
		"sub": appID,
		"rid": requestID,
		"typ": tokenTypeRequest,
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	return i.sign(claims)
}

// VerifyRequestToken validates a request token and returns the application
// and request it was issued for.
func (i *TokenIssuer) VerifyRequestToken(tokenString string) (appID, requestID string, err error) {
	claims, err := i.parse(tokenString, tokenTypeRequest)
	if err != nil {
		return "", "", err
	}

	appID, ok := claims["sub"].(string)
	if !ok || appID == "" {
		return "", "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	requestID, ok = claims["rid"].(string)
	if !ok || requestID == "" {
		return "", "", fmt.Errorf("%w: rid", ErrMissingClaim)
	}
	return appID, requestID, nil
}

func (i *TokenIssuer) sign(claims jwt.MapClaims) (string, error) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

func (i *TokenIssuer) parse(tokenString, wantType string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return i.secret, nil
	}, jwt.WithTimeFunc(i.now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	if typ, _ := claims["typ"].(string); typ != wantType {
		return nil, fmt.Errorf("%w: token type %q", ErrInvalidToken, typ)
	}
	return claims, nil
}
