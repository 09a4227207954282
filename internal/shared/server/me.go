package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"pipeline-backend/internal/shared/server/middleware"
	"pipeline-backend/internal/shared/server/respond"
)

type meResponse struct {
	UserID     string `json:"userId"`
	Email      string `json:"email,omitempty"`
	Name       string `json:"name,omitempty"`
	Role       string `json:"role,omitempty"`
	Privileged bool   `json:"privileged"`
	// Scope is "all" for staff and "assigned" otherwise: non-staff callers
	// see only subjects they own or are assigned to.
	Scope string `json:"scope"`
}

func registerMeRoutes(rg *gin.RouterGroup) {
	rg.GET("/me", meHandler)
}

func meHandler(c *gin.Context) {
	userID := middleware.UserIDFromContext(c)
	if userID == "" {
		respond.Error(c, http.StatusUnauthorized, "unauthorized", "missing or invalid token", nil)
		return
	}

	resp := meResponse{
		UserID:     userID,
		Email:      middleware.UserEmailFromContext(c),
		Name:       middleware.UserNameFromContext(c),
		Role:       middleware.UserRoleFromContext(c),
		Privileged: middleware.PrivilegedFromContext(c),
		Scope:      "assigned",
	}
	if resp.Privileged {
		resp.Scope = "all"
	}
	respond.OK(c, resp)
}
