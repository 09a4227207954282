package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"

	"pipeline-backend/internal/shared/auth"
)

func identityRouter(env string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth(env))
	router.GET("/api/v1/whoami", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"userId":     UserIDFromContext(c),
			"privileged": PrivilegedFromContext(c),
		})
	})
	router.POST("/api/v1/intake/forms/:source", func(c *gin.Context) {
		c.Status(http.StatusAccepted)
	})
	router.GET("/api/v1/auth/google/start", func(c *gin.Context) {
		c.Status(http.StatusFound)
	})
	return router
}

func TestAuthAllowsOptionsWithoutIdentity(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(Auth("dev"))
	router.OPTIONS("/api/v1/subjects/:id", func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/subjects/subj-1", nil)
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)

	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", resp.Code)
	}
}

func TestAuthGuestHeaderOnlyOutsideProduction(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("X-Guest-Id", "g1")
	resp := httptest.NewRecorder()
	identityRouter("dev").ServeHTTP(resp, req)
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 in dev, got %d", resp.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("X-Guest-Id", "g1")
	resp = httptest.NewRecorder()
	identityRouter("production").ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 in production, got %d", resp.Code)
	}
}

func TestAuthBearerSetsPrivilege(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	token, err := auth.SignJWT(auth.Claims{
		Role:             auth.RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "admin-1"},
	})
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp := httptest.NewRecorder()
	identityRouter("production").ServeHTTP(resp, req)

	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.Code, resp.Body.String())
	}
	if body := resp.Body.String(); body != `{"privileged":true,"userId":"admin-1"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestAuthRejectsBadToken(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	req := httptest.NewRequest(http.MethodGet, "/api/v1/whoami", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	resp := httptest.NewRecorder()
	identityRouter("dev").ServeHTTP(resp, req)
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.Code)
	}
}

func TestAuthSkipsIntakeRoutes(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/intake/forms/typeform", nil)
	resp := httptest.NewRecorder()
	identityRouter("production").ServeHTTP(resp, req)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected intake to bypass auth, got %d", resp.Code)
	}
}

func TestAuthSkipsSignInRoutes(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/google/start", nil)
	resp := httptest.NewRecorder()
	identityRouter("production").ServeHTTP(resp, req)
	if resp.Code != http.StatusFound {
		t.Fatalf("expected sign-in to bypass auth, got %d", resp.Code)
	}
}
