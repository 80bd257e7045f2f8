package httpserver

import (
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"tradecore/internal/apperr"
	"tradecore/internal/httputil"
)

// Auth issues and verifies operator tokens. The static operator secret is
// verified against a bcrypt hash and exchanged for a short-lived JWT; the
// internal token is a shared secret for service-to-service calls.
type Auth struct {
	issuer            string
	secret            []byte
	ttl               time.Duration
	operatorTokenHash string
	internalToken     string
}

func NewAuth(issuer, secret string, ttl time.Duration, operatorTokenHash, internalToken string) *Auth {
	return &Auth{
		issuer:            issuer,
		secret:            []byte(secret),
		ttl:               ttl,
		operatorTokenHash: operatorTokenHash,
		internalToken:     internalToken,
	}
}

type tokenRequest struct {
	Token string `json:"token"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
}

// IssueToken exchanges the operator secret for a signed JWT.
func (a *Auth) IssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := httputil.ReadJSON(r, &req); err != nil {
		httputil.WriteError(w, apperr.Validation("invalid json body"))
		return
	}
	if err := bcrypt.CompareHashAndPassword([]byte(a.operatorTokenHash), []byte(req.Token)); err != nil {
		httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid operator token"})
		return
	}
	now := time.Now().UTC()
	claims := jwt.RegisteredClaims{
		Issuer:    a.issuer,
		Subject:   "operator",
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(a.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		httputil.WriteError(w, err)
		return
	}
	httputil.WriteJSON(w, http.StatusOK, tokenResponse{
		AccessToken: signed,
		ExpiresIn:   int64(a.ttl.Seconds()),
	})
}

// RequireOperator guards the operator control surface with a bearer JWT.
func (a *Auth) RequireOperator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if raw == "" || raw == r.Header.Get("Authorization") {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "missing bearer token"})
			return
		}
		token, err := jwt.ParseWithClaims(raw, &jwt.RegisteredClaims{}, func(t *jwt.Token) (any, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return a.secret, nil
		}, jwt.WithIssuer(a.issuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// RequireInternal guards back-office endpoints with the shared internal
// token.
func (a *Auth) RequireInternal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Internal-Token") != a.internalToken {
			httputil.WriteJSON(w, http.StatusUnauthorized, httputil.ErrorResponse{Error: "invalid internal token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
