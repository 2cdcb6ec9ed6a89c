package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndValidate(t *testing.T) {
	s := NewTokenService("test-secret", time.Minute)

	token, err := s.Issue("line-3", RoleOperator)
	require.NoError(t, err)

	claims, err := s.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "line-3", claims.Subject)
	assert.Equal(t, RoleOperator, claims.Role)
}

func TestValidateRejects(t *testing.T) {
	s := NewTokenService("test-secret", time.Minute)

	other, err := NewTokenService("other-secret", time.Minute).Issue("x", RoleOperator)
	require.NoError(t, err)
	_, err = s.Validate(other)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewTokenService("test-secret", -time.Minute).Issue("x", RoleOperator)
	require.NoError(t, err)
	_, err = s.Validate(expired)
	assert.ErrorIs(t, err, ErrInvalidToken)

	foreign := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		Role:             RoleOperator,
		RegisteredClaims: jwt.RegisteredClaims{Issuer: "someone-else"},
	})
	signed, err := foreign.SignedString([]byte("test-secret"))
	require.NoError(t, err)
	_, err = s.Validate(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestDisabledService(t *testing.T) {
	s := NewTokenService("", time.Minute)
	assert.False(t, s.Enabled())
	_, err := s.Issue("x", RoleViewer)
	assert.Error(t, err)
}

func TestRoleAllows(t *testing.T) {
	assert.True(t, RoleOperator.Allows(RoleViewer))
	assert.True(t, RoleOperator.Allows(RoleOperator))
	assert.True(t, RoleViewer.Allows(RoleViewer))
	assert.False(t, RoleViewer.Allows(RoleOperator))
	assert.False(t, Role("guest").Allows(RoleViewer))
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewTokenService("test-secret", time.Minute)

	router := gin.New()
	router.PUT("/pv", s.Middleware(RoleOperator), func(c *gin.Context) {
		c.String(http.StatusOK, c.GetString("subject"))
	})

	operator, err := s.Issue("op", RoleOperator)
	require.NoError(t, err)
	viewer, err := s.Issue("view", RoleViewer)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"malformed", "Token abc", http.StatusUnauthorized},
		{"invalid", "Bearer abc", http.StatusUnauthorized},
		{"viewer", "Bearer " + viewer, http.StatusForbidden},
		{"operator", "Bearer " + operator, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPut, "/pv", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tt.want, w.Code)
		})
	}
}

func TestMiddlewareDisabledIsOpen(t *testing.T) {
	gin.SetMode(gin.TestMode)
	s := NewTokenService("", time.Minute)

	router := gin.New()
	router.PUT("/pv", s.Middleware(RoleOperator), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPut, "/pv", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
}
