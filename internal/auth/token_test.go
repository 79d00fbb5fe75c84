package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestGenerateAndValidateToken(t *testing.T) {
	now := time.Now()
	exp := Expiry(now, 5*time.Minute)

	tok, err := GenerateClientToken("secret123", "web.client", exp)
	require.NoError(t, err)

	sub, gotExp, err := ValidateClientToken("secret123", tok, now, 30)
	require.NoError(t, err)
	assert.Equal(t, "web.client", sub)
	assert.Equal(t, exp, gotExp)
}

func TestBadSignature(t *testing.T) {
	exp := time.Now().Add(5 * time.Minute).Unix()
	tok, err := GenerateClientToken("secret123", "abc", exp)
	require.NoError(t, err)

	_, _, err = ValidateClientToken("other", tok, time.Now(), 30)
	assert.ErrorIs(t, err, ErrTokenSig)

	// flip a char
	if tok[0] == 'A' {
		tok = "B" + tok[1:]
	} else {
		tok = "A" + tok[1:]
	}
	_, _, err = ValidateClientToken("secret123", tok, time.Now(), 30)
	assert.Error(t, err)
}

func TestExpiryWithSkew(t *testing.T) {
	now := time.Unix(1_000_000, 0)
	tok, err := GenerateClientToken("s", "abc", now.Unix())
	require.NoError(t, err)

	_, _, err = ValidateClientToken("s", tok, now.Add(30*time.Second), 30)
	assert.NoError(t, err)
	_, _, err = ValidateClientToken("s", tok, now.Add(31*time.Second), 30)
	assert.ErrorIs(t, err, ErrTokenExp)
}

func TestMalformedTokens(t *testing.T) {
	for _, tok := range []string{"", "!!!", "YWJj", "YS5i", "YS5iLmM"} {
		_, _, err := ValidateClientToken("s", tok, time.Now(), 30)
		assert.ErrorIs(t, err, ErrTokenFormat, tok)
	}
	_, _, err := ValidateClientToken("", "x", time.Now(), 30)
	assert.ErrorIs(t, err, ErrNoSecret)
	_, err = GenerateClientToken("", "abc", 1)
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestTokenRoundTripAnySubject(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		sub := rapid.StringMatching(`[a-z0-9.\-]{1,24}`).Draw(rt, "subject")
		exp := rapid.Int64Range(0, 4_000_000_000).Draw(rt, "exp")
		tok, err := GenerateClientToken("k", sub, exp)
		if err != nil {
			rt.Fatalf("generate: %v", err)
		}
		got, gotExp, err := ValidateClientToken("k", tok, time.Unix(exp, 0), 0)
		if err != nil || got != sub || gotExp != exp {
			rt.Fatalf("round trip %q/%d: %q/%d %v", sub, exp, got, gotExp, err)
		}
	})
}

func TestBearerToken(t *testing.T) {
	assert.Equal(t, "abc", BearerToken("Bearer abc"))
	assert.Equal(t, "abc", BearerToken("bearer  abc "))
	assert.Equal(t, "", BearerToken("Basic abc"))
	assert.Equal(t, "", BearerToken(""))
}
