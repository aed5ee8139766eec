package middleware

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"
)

func signHS256(t *testing.T, secret, subject string, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestExtractJWTFromAuthorizationHeader_ShouldExtractValidly(t *testing.T) {
	// given
	authHeader := "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."

	// when
	token, err := extractJWTFromAuthorizationHeader(authHeader)

	// then
	assert.NoError(t, err)
	assert.Equal(t, "eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9...", token)
}

func TestExtractJWTFromAuthorizationHeader_ShouldFailWithInvalidFormat(t *testing.T) {
	token, err := extractJWTFromAuthorizationHeader("InvalidFormat")

	assert.Error(t, err)
	assert.Empty(t, token)
}

func TestHS256Validator_ShouldAcceptSignedToken(t *testing.T) {
	validator := NewHS256Validator("secret")

	principal, err := validator.Validate(signHS256(t, "secret", "user-1", time.Hour))

	require.NoError(t, err)
	assert.Equal(t, "user-1", principal.Subject)
}

func TestHS256Validator_ShouldRejectWrongSecretAndExpiredToken(t *testing.T) {
	validator := NewHS256Validator("secret")

	_, errWrong := validator.Validate(signHS256(t, "other", "user-1", time.Hour))
	_, errExpired := validator.Validate(signHS256(t, "secret", "user-1", -time.Hour))

	assert.Error(t, errWrong)
	assert.Error(t, errExpired)
}

func TestHS256Validator_WithoutSecret_ShouldAcceptAnyToken(t *testing.T) {
	validator := NewHS256Validator("")

	principal, err := validator.Validate("opaque")
	_, errEmpty := validator.Validate("")

	require.NoError(t, err)
	assert.Equal(t, "dev", principal.Subject)
	assert.ErrorIs(t, errEmpty, ErrMissingToken)
}

func TestAuthMiddleware_RequireAuth_ShouldRejectMissingToken(t *testing.T) {
	// given
	called := false
	handler := NewAuthMiddleware(NewHS256Validator("")).RequireAuth(func(ctx *fasthttp.RequestCtx) {
		called = true
	})
	var ctx fasthttp.RequestCtx

	// when
	handler(&ctx)

	// then
	assert.False(t, called)
	assert.Equal(t, fasthttp.StatusUnauthorized, ctx.Response.StatusCode())
}

func TestAuthMiddleware_RequireAuth_ShouldAcceptQueryToken(t *testing.T) {
	// given
	var principal *Principal
	handler := NewAuthMiddleware(NewHS256Validator("")).RequireAuth(func(ctx *fasthttp.RequestCtx) {
		principal = PrincipalFrom(ctx)
	})
	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/ws?token=abc")

	// when
	handler(&ctx)

	// then
	require.NotNil(t, principal)
	assert.Equal(t, "dev", principal.Subject)
}

func TestCORSMiddleware_ShouldEchoLocalhostAndShortCircuitPreflight(t *testing.T) {
	// given
	called := false
	handler := NewCORSMiddleware(nil).Handle(func(ctx *fasthttp.RequestCtx) { called = true })
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(fasthttp.MethodOptions)
	ctx.Request.Header.Set("Origin", "http://localhost:3000")

	// when
	handler(&ctx)

	// then
	assert.False(t, called)
	assert.Equal(t, fasthttp.StatusNoContent, ctx.Response.StatusCode())
	assert.Equal(t, "http://localhost:3000", string(ctx.Response.Header.Peek("Access-Control-Allow-Origin")))
	assert.Contains(t, string(ctx.Response.Header.Peek("Access-Control-Allow-Headers")), "x-ms-blob-type")
}

func TestCORSMiddleware_ShouldNotAllowUnlistedOrigin(t *testing.T) {
	handler := NewCORSMiddleware([]string{"https://app.example"}).Handle(func(ctx *fasthttp.RequestCtx) {})
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.Set("Origin", "https://evil.example")

	handler(&ctx)

	assert.Empty(t, ctx.Response.Header.Peek("Access-Control-Allow-Origin"))
}
