package webhook

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

const secret = "sk_test_secret"

func TestAuthenticate(t *testing.T) {
	body := []byte(`{"event":"charge.success","data":{"reference":"ref-1","amount":10000,"status":"success"}}`)
	signature := Sign(body, secret)

	require.True(t, Authenticate(body, signature, secret))
	require.True(t, Authenticate(body, strings.ToUpper(signature), secret))

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-3] = 'X'
	require.False(t, Authenticate(tampered, signature, secret))

	// re-signing the tampered bytes makes them authentic again
	require.True(t, Authenticate(tampered, Sign(tampered, secret), secret))
}

func TestAuthenticateRejects(t *testing.T) {
	body := []byte(`{}`)
	for scenario, fn := range map[string]func() bool{
		"missing signature": func() bool { return Authenticate(body, "", secret) },
		"missing secret":    func() bool { return Authenticate(body, Sign(body, secret), "") },
		"wrong secret":      func() bool { return Authenticate(body, Sign(body, "other"), secret) },
		"not hex":           func() bool { return Authenticate(body, "zz-not-hex", secret) },
		"truncated":         func() bool { return Authenticate(body, Sign(body, secret)[:64], secret) },
	} {
		require.False(t, fn(), scenario)
	}
}

func TestVerifyToken(t *testing.T) {
	require.True(t, VerifyToken("", ""))
	require.True(t, VerifyToken("anything", ""))
	require.True(t, VerifyToken("s3cret", "s3cret"))
	require.False(t, VerifyToken("", "s3cret"))
	require.False(t, VerifyToken("s3cre", "s3cret"))
}
