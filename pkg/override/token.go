package override

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/eleanor-project/eje/pkg/contracts"
)

// ReviewerClaims is the claim set carried by reviewer identity tokens.
// Subject holds the reviewer id.
type ReviewerClaims struct {
	Role  string `json:"role"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseReviewerToken verifies an HS256 reviewer token and maps its claims
// onto a Reviewer suitable for building an override request. Expiry is
// enforced by the JWT layer; the role must be one the pipeline accepts.
func ParseReviewerToken(tokenString string, secret []byte) (*contracts.Reviewer, error) {
	claims := &ReviewerClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return nil, contracts.Errorf(contracts.ErrOverrideValidation, "reviewer token: %w", err)
	}
	if !token.Valid {
		return nil, contracts.NewError(contracts.ErrOverrideValidation, "reviewer token is invalid")
	}

	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return nil, contracts.NewError(contracts.ErrOverrideValidation, "reviewer token has no subject")
	}
	role := contracts.ReviewerRole(claims.Role)
	if !roleAccepted(role) {
		return nil, contracts.Errorf(contracts.ErrOverrideValidation, "reviewer token role %q is not recognized", claims.Role)
	}

	return &contracts.Reviewer{
		ReviewerID:   sub,
		ReviewerRole: role,
		Name:         claims.Name,
		Email:        claims.Email,
	}, nil
}

// NewReviewerToken mints an HS256 identity token. Operator tooling uses
// this; production deployments typically issue tokens from an identity
// provider instead.
func NewReviewerToken(reviewer contracts.Reviewer, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now().UTC()
	claims := ReviewerClaims{
		Role:  string(reviewer.ReviewerRole),
		Name:  reviewer.Name,
		Email: reviewer.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   reviewer.ReviewerID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign reviewer token: %w", err)
	}
	return signed, nil
}

func roleAccepted(role contracts.ReviewerRole) bool {
	for _, v := range contracts.ValidReviewerRoles {
		if role == v {
			return true
		}
	}
	return false
}
