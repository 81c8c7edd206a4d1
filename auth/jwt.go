package auth

import (
	"errors"
	"fmt"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"

	"diagram-collab-server/domain"
)

const signingAlgorithm = "HS256"

// Claims is the token body: sub carries the user id.
type Claims struct {
	Email    string `json:"email,omitempty"`
	Username string `json:"username"`
	Avatar   string `json:"avatar,omitempty"`
	gojwt.RegisteredClaims
}

type Verifier struct {
	key    []byte
	parser *gojwt.Parser
}

func NewVerifier(secret string) *Verifier {
	return &Verifier{
		key: []byte(secret),
		parser: gojwt.NewParser(
			gojwt.WithValidMethods([]string{signingAlgorithm}),
			gojwt.WithExpirationRequired(),
		),
	}
}

// Verify checks signature and expiry and returns the subject identity.
// Every failure wraps domain.ErrUnauthenticated.
func (v *Verifier) Verify(token string) (domain.User, error) {
	if token == "" {
		return domain.User{}, fmt.Errorf("%w: missing token", domain.ErrUnauthenticated)
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(token, claims, func(*gojwt.Token) (any, error) {
		return v.key, nil
	})
	if err != nil {
		return domain.User{}, fmt.Errorf("%w: %v", domain.ErrUnauthenticated, err)
	}
	if claims.Subject == "" || claims.Username == "" {
		return domain.User{}, fmt.Errorf("%w: incomplete subject", domain.ErrUnauthenticated)
	}

	return domain.User{
		ID:       claims.Subject,
		Username: claims.Username,
		Email:    claims.Email,
		Avatar:   claims.Avatar,
	}, nil
}

type Issuer struct {
	key []byte
	now func() time.Time
}

func NewIssuer(secret string) *Issuer {
	return &Issuer{key: []byte(secret), now: time.Now}
}

func (i *Issuer) Issue(user domain.User, ttl time.Duration) (string, error) {
	if user.ID == "" || user.Username == "" {
		return "", errors.New("issue token: user id and username are required")
	}
	now := i.now()
	claims := Claims{
		Email:    user.Email,
		Username: user.Username,
		Avatar:   user.Avatar,
		RegisteredClaims: gojwt.RegisteredClaims{
			Subject:   user.ID,
			IssuedAt:  gojwt.NewNumericDate(now),
			ExpiresAt: gojwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := gojwt.NewWithClaims(gojwt.SigningMethodHS256, claims).SignedString(i.key)
	if err != nil {
		return "", fmt.Errorf("issue token: %w", err)
	}
	return signed, nil
}
