package middleware

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
	"github.com/valyala/fasthttp"
)

const (
	headerBearer     = "Bearer"
	principalKey     = "principal"
	queryTokenParam  = "token"
	anonymousSubject = "dev"
)

var ErrMissingToken = errors.New("missing token")

type Principal struct {
	Subject string
}

type TokenValidator interface {
	Validate(token string) (*Principal, error)
}

// HS256Validator checks HMAC signed bearer tokens. With an empty secret any
// non-empty token is accepted, which is what local development wants.
type HS256Validator struct {
	secret []byte
}

func NewHS256Validator(secret string) *HS256Validator {
	return &HS256Validator{secret: []byte(secret)}
}

func (v *HS256Validator) Validate(tokenString string) (*Principal, error) {
	if tokenString == "" {
		return nil, ErrMissingToken
	}
	if len(v.secret) == 0 {
		return &Principal{Subject: anonymousSubject}, nil
	}

	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(token *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if claims, ok := token.Claims.(*jwt.RegisteredClaims); ok && token.Valid {
		return &Principal{Subject: claims.Subject}, nil
	}
	return nil, fmt.Errorf("invalid token")
}

// TokenFromRequest reads the bearer token from the Authorization header, or
// the token query parameter for websocket upgrades.
func TokenFromRequest(ctx *fasthttp.RequestCtx) (string, error) {
	if authHeader := ctx.Request.Header.Peek(fasthttp.HeaderAuthorization); len(authHeader) > 0 {
		return extractJWTFromAuthorizationHeader(string(authHeader))
	}
	if token := ctx.QueryArgs().Peek(queryTokenParam); len(token) > 0 {
		return string(token), nil
	}
	return "", ErrMissingToken
}

func extractJWTFromAuthorizationHeader(authHeader string) (string, error) {
	parts := strings.Split(authHeader, " ")
	if len(parts) != 2 || parts[0] != headerBearer {
		return "", fmt.Errorf("invalid Authorization header format")
	}
	return parts[1], nil
}

type AuthMiddleware struct {
	validator TokenValidator
}

func NewAuthMiddleware(validator TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{
		validator: validator,
	}
}

func (am *AuthMiddleware) Authenticate(ctx *fasthttp.RequestCtx) (*Principal, error) {
	token, err := TokenFromRequest(ctx)
	if err != nil {
		return nil, err
	}
	return am.validator.Validate(token)
}

func (am *AuthMiddleware) RequireAuth(handler fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		principal, err := am.Authenticate(ctx)
		if err != nil {
			log.Debug().Err(err).Str("path", string(ctx.Path())).Msg("Authentication failed")
			ctx.SetContentType("application/json")
			ctx.SetStatusCode(fasthttp.StatusUnauthorized)
			ctx.SetBodyString(`{"message":"unauthorized"}`)
			return
		}

		ctx.SetUserValue(principalKey, principal)

		handler(ctx)
	}
}

func PrincipalFrom(ctx *fasthttp.RequestCtx) *Principal {
	principal, _ := ctx.UserValue(principalKey).(*Principal)
	return principal
}
