package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	sharedauth "pipeline-backend/internal/shared/auth"
	"pipeline-backend/internal/shared/server/respond"
	"pipeline-backend/internal/shared/telemetry"
)

const userInfoURL = "https://www.googleapis.com/oauth2/v2/userinfo"

// GoogleConfig configures staff sign-in with Google.
type GoogleConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	UIRedirect   string
	// StaffDomains lists email domains whose verified accounts get the staff
	// role. Everyone else signs in as a recruiter.
	StaffDomains []string
}

// Enabled reports whether the OAuth client is configured.
func (c GoogleConfig) Enabled() bool {
	return c.ClientID != "" && c.ClientSecret != "" && c.RedirectURL != ""
}

// GoogleService handles the Google OAuth flow and issues pipeline tokens.
type GoogleService struct {
	oauthConfig  *oauth2.Config
	uiRedirect   string
	staffDomains map[string]struct{}
	stateTTL     time.Duration
	stateStore   *stateStore

	exchange func(ctx context.Context, code string) (*oauth2.Token, error)
	userInfo func(ctx context.Context, token *oauth2.Token) (googleUserInfo, error)
}

// NewGoogleService builds a GoogleService.
func NewGoogleService(cfg GoogleConfig) *GoogleService {
	s := &GoogleService{
		oauthConfig: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes: []string{
				"https://www.googleapis.com/auth/userinfo.email",
				"https://www.googleapis.com/auth/userinfo.profile",
			},
			Endpoint: google.Endpoint,
		},
		uiRedirect:   cfg.UIRedirect,
		staffDomains: make(map[string]struct{}, len(cfg.StaffDomains)),
		stateTTL:     5 * time.Minute,
		stateStore:   newStateStore(),
	}
	for _, d := range cfg.StaffDomains {
		if d = strings.ToLower(strings.TrimSpace(d)); d != "" {
			s.staffDomains[d] = struct{}{}
		}
	}
	s.exchange = func(ctx context.Context, code string) (*oauth2.Token, error) {
		return s.oauthConfig.Exchange(ctx, code)
	}
	s.userInfo = s.fetchUserInfo
	return s
}

// RegisterRoutes attaches Google auth routes.
func (s *GoogleService) RegisterRoutes(rg *gin.RouterGroup) {
	rg.GET("/auth/google/start", s.start)
	rg.GET("/auth/google/callback", s.callback)
}

func (s *GoogleService) start(c *gin.Context) {
	if s.oauthConfig.ClientID == "" || s.oauthConfig.ClientSecret == "" || s.oauthConfig.RedirectURL == "" {
		respond.Error(c, http.StatusServiceUnavailable, "auth_not_configured", "Google auth not configured", nil)
		return
	}

	state := uuid.NewString()
	s.stateStore.put(state, time.Now().Add(s.stateTTL))

	c.Redirect(http.StatusFound, s.oauthConfig.AuthCodeURL(state))
}

func (s *GoogleService) callback(c *gin.Context) {
	state := c.Query("state")
	code := c.Query("code")
	if state == "" || code == "" {
		respond.Error(c, http.StatusBadRequest, "invalid_request", "missing state or code", nil)
		return
	}

	if !s.stateStore.consume(state) {
		respond.Error(c, http.StatusBadRequest, "invalid_request", "invalid or expired state", nil)
		return
	}

	ctx := c.Request.Context()
	token, err := s.exchange(ctx, code)
	if err != nil {
		respond.Error(c, http.StatusBadRequest, "invalid_request", "failed to exchange code", nil)
		return
	}

	info, err := s.userInfo(ctx, token)
	if err != nil || info.Sub == "" {
		respond.Error(c, http.StatusBadGateway, "auth_failed", "failed to fetch user profile", nil)
		return
	}

	role := s.roleFor(info)
	signed, err := sharedauth.SignJWT(sharedauth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "google:" + info.Sub},
		Email:            info.Email,
		Name:             info.Name,
		Role:             role,
	})
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to issue token", nil)
		return
	}

	redirectURL, err := appendToken(s.uiRedirect, signed)
	if err != nil {
		respond.Error(c, http.StatusInternalServerError, "internal_error", "failed to redirect", nil)
		return
	}

	telemetry.Info("auth.google.signed_in", map[string]any{
		"user_id":    "google:" + info.Sub,
		"role":       role,
		"request_id": c.GetString("requestId"),
	})
	c.Redirect(http.StatusFound, redirectURL)
}

// roleFor grants staff to verified addresses in a staff domain.
func (s *GoogleService) roleFor(info googleUserInfo) string {
	if !info.VerifiedEmail {
		return sharedauth.RoleRecruiter
	}
	at := strings.LastIndex(info.Email, "@")
	if at < 0 {
		return sharedauth.RoleRecruiter
	}
	if _, ok := s.staffDomains[strings.ToLower(info.Email[at+1:])]; ok {
		return sharedauth.RoleStaff
	}
	return sharedauth.RoleRecruiter
}

type googleUserInfo struct {
	Sub           string `json:"sub"`
	ID            string `json:"id"`
	Email         string `json:"email"`
	VerifiedEmail bool   `json:"verified_email"`
	Name          string `json:"name"`
}

func (s *GoogleService) fetchUserInfo(ctx context.Context, token *oauth2.Token) (googleUserInfo, error) {
	client := s.oauthConfig.Client(ctx, token)
	resp, err := client.Get(userInfoURL)
	if err != nil {
		return googleUserInfo{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return googleUserInfo{}, fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	var info googleUserInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return googleUserInfo{}, err
	}

	// The v2 endpoint returns "id" rather than "sub".
	if info.Sub == "" {
		info.Sub = info.ID
	}
	return info, nil
}

type stateStore struct {
	items map[string]time.Time
	mu    sync.Mutex
}

func newStateStore() *stateStore {
	return &stateStore{items: make(map[string]time.Time)}
}

func (s *stateStore) put(state string, exp time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now()
	for k, v := range s.items {
		if now.After(v) {
			delete(s.items, k)
		}
	}
	s.items[state] = exp
}

func (s *stateStore) consume(state string) bool {
	s.mu.Lock()
	exp, ok := s.items[state]
	if ok {
		delete(s.items, state)
	}
	s.mu.Unlock()
	return ok && !time.Now().After(exp)
}

func appendToken(rawURL, token string) (string, error) {
	if rawURL == "" {
		return "", errors.New("redirect url required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
