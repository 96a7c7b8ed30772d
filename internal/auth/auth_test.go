package auth

import (
	"context"
	"errors"
	"testing"

	fbauth "firebase.google.com/go/v4/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/domain"
)

type fakeIDTokens map[string]string

func (f fakeIDTokens) VerifyIDToken(_ context.Context, token string) (*fbauth.Token, error) {
	uid, ok := f[token]
	if !ok {
		return nil, errors.New("ID token has invalid signature")
	}
	return &fbauth.Token{UID: uid}, nil
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		token  string
		ok     bool
	}{
		{"Bearer abc", "abc", true},
		{"bearer  abc ", "abc", true},
		{"Basic abc", "", false},
		{"Bearer", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			tok, ok := BearerToken(tt.header)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.token, tok)
		})
	}
}

func TestFirebase(t *testing.T) {
	v := NewFirebaseWithClient(fakeIDTokens{"good": "uid-1", "blank": ""})
	ctx := context.Background()

	c, err := v.Verify(ctx, "good")
	require.NoError(t, err)
	assert.Equal(t, "uid-1", c.UserID)

	for _, tok := range []string{"", "bad", "blank"} {
		_, err := v.Verify(ctx, tok)
		assert.ErrorIs(t, err, domain.ErrForbidden, tok)
	}
}

func TestStatic(t *testing.T) {
	v, err := ParseStatic(" t1:alice , t2:bob")
	require.NoError(t, err)

	c, err := v.Verify(context.Background(), "t2")
	require.NoError(t, err)
	assert.Equal(t, "bob", c.UserID)

	_, err = v.Verify(context.Background(), "t3")
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = v.Verify(context.Background(), "")
	assert.ErrorIs(t, err, ErrNoToken)
}

func TestParseStatic_Invalid(t *testing.T) {
	for _, spec := range []string{"", "nocolon", "t1:", ":uid", " , "} {
		_, err := ParseStatic(spec)
		assert.Error(t, err, spec)
	}
}

func TestAnonymous(t *testing.T) {
	c, err := Anonymous{UserID: "local"}.Verify(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "local", c.UserID)

	_, err = Anonymous{}.Verify(context.Background(), "x")
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
