package korgaerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorsAsClassification(t *testing.T) {
	base := errors.New("boom")

	cases := []struct {
		name string
		err  error
		as   any
	}{
		{"configuration", NewConfiguration("bad folder", base), &Configuration{}},
		{"git", NewGit("clone failed", base), &Git{}},
		{"publicinbox", NewPublicInbox("bad manifest", base), &PublicInbox{}},
		{"state", NewState("missing feed state", base), &State{}},
		{"remote", NewRemote("manifest fetch failed", base), &Remote{}},
		{"delivery", NewDelivery("append failed", base), &Delivery{}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Error(t, tc.err)
			assert.ErrorIs(t, tc.err, base)
			assert.True(t, errors.As(tc.err, tc.as))
		})
	}
}

func TestAuthenticationDefaultsTargetType(t *testing.T) {
	err := NewAuthentication("token refresh failed", "mailing-list-a", "", errors.New("invalid_grant"))

	var authErr *Authentication
	require.True(t, errors.As(err, &authErr))
	assert.Equal(t, "mailing-list-a", authErr.TargetID)
	assert.Contains(t, err.Error(), "type=gmail")
}
