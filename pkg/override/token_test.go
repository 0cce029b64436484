package override

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleanor-project/eje/pkg/contracts"
)

var tokenSecret = []byte("unit-test-signing-secret")

func TestReviewerTokenRoundTrip(t *testing.T) {
	reviewer := contracts.Reviewer{
		ReviewerID:   "rev-42",
		ReviewerRole: contracts.RoleLegalCounsel,
		Name:         "A. Okafor",
		Email:        "okafor@example.org",
	}

	token, err := NewReviewerToken(reviewer, tokenSecret, time.Hour)
	require.NoError(t, err)

	got, err := ParseReviewerToken(token, tokenSecret)
	require.NoError(t, err)
	assert.Equal(t, reviewer, *got)
}

func TestParseReviewerTokenWrongSecret(t *testing.T) {
	token, err := NewReviewerToken(contracts.Reviewer{
		ReviewerID:   "rev-42",
		ReviewerRole: contracts.RoleAuditor,
	}, tokenSecret, time.Hour)
	require.NoError(t, err)

	_, err = ParseReviewerToken(token, []byte("a different secret"))
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrOverrideValidation))
}

func TestParseReviewerTokenExpired(t *testing.T) {
	token, err := NewReviewerToken(contracts.Reviewer{
		ReviewerID:   "rev-42",
		ReviewerRole: contracts.RoleAuditor,
	}, tokenSecret, -time.Minute)
	require.NoError(t, err)

	_, err = ParseReviewerToken(token, tokenSecret)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrOverrideValidation))
}

func TestParseReviewerTokenBadRole(t *testing.T) {
	token, err := NewReviewerToken(contracts.Reviewer{
		ReviewerID:   "rev-42",
		ReviewerRole: contracts.ReviewerRole("intern"),
	}, tokenSecret, time.Hour)
	require.NoError(t, err)

	_, err = ParseReviewerToken(token, tokenSecret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not recognized")
}

func TestParseReviewerTokenNoSubject(t *testing.T) {
	token, err := NewReviewerToken(contracts.Reviewer{
		ReviewerRole: contracts.RoleAuditor,
	}, tokenSecret, time.Hour)
	require.NoError(t, err)

	_, err = ParseReviewerToken(token, tokenSecret)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no subject")
}

func TestParseReviewerTokenGarbage(t *testing.T) {
	_, err := ParseReviewerToken("not-a-jwt", tokenSecret)
	require.Error(t, err)
	assert.True(t, contracts.IsKind(err, contracts.ErrOverrideValidation))
}
