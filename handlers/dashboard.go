package handlers

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/manualdousuario/sintoniza/database"
	"github.com/manualdousuario/sintoniza/middleware"
	"github.com/manualdousuario/sintoniza/models"
	"github.com/manualdousuario/sintoniza/services"
)

type APIResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// DashboardHandlers exposes the read-only projections consumed by the web
// dashboard, plus OPML import/export and admin user management.
type DashboardHandlers struct {
	db                  *database.DB
	subscriptionService *services.SubscriptionService
	actionService       *services.ActionService
	opmlService         *services.OPMLService
	authService         *services.AuthService
}

func NewDashboardHandlers(db *database.DB, subscriptionService *services.SubscriptionService, actionService *services.ActionService, opmlService *services.OPMLService, authService *services.AuthService) *DashboardHandlers {
	return &DashboardHandlers{
		db:                  db,
		subscriptionService: subscriptionService,
		actionService:       actionService,
		opmlService:         opmlService,
		authService:         authService,
	}
}

func respond(w http.ResponseWriter, status int, resp APIResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(resp)
}

// ListSubscriptions handles GET /api/dashboard/subscriptions.
func (dh *DashboardHandlers) ListSubscriptions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	subs, err := dh.subscriptionService.ListActiveSubscriptions(user.ID)
	if err != nil {
		respond(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
		return
	}

	respond(w, http.StatusOK, APIResponse{Success: true, Data: subs})
}

// GetSubscription handles GET /api/dashboard/subscriptions/{id}.
func (dh *DashboardHandlers) GetSubscription(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: "Invalid subscription ID"})
		return
	}

	feed, err := dh.subscriptionService.GetFeedForSubscription(user.ID, id)
	if err != nil {
		respond(w, http.StatusNotFound, APIResponse{Error: "Subscription not found"})
		return
	}

	respond(w, http.StatusOK, APIResponse{Success: true, Data: feed})
}

// ListSubscriptionActions handles GET /api/dashboard/subscriptions/{id}/actions.
func (dh *DashboardHandlers) ListSubscriptionActions(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: "Invalid subscription ID"})
		return
	}

	feed, err := dh.subscriptionService.GetFeedForSubscription(user.ID, id)
	if err != nil {
		respond(w, http.StatusNotFound, APIResponse{Error: "Subscription not found"})
		return
	}

	actions, err := dh.actionService.ListActions(user.ID, feed.ID)
	if err != nil {
		respond(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
		return
	}

	respond(w, http.StatusOK, APIResponse{Success: true, Data: actions})
}

// ExportOPML handles GET /subscriptions/{username}.opml.
func (dh *DashboardHandlers) ExportOPML(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	data, err := dh.opmlService.ExportOPML(user)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/x-opml; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s.opml"`, user.Name))
	w.Write(data)
}

// ImportOPML handles POST /api/opml/import.
func (dh *DashboardHandlers) ImportOPML(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	data, err := io.ReadAll(io.LimitReader(r.Body, 4<<20))
	if err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: "Failed to read body"})
		return
	}

	result, err := dh.opmlService.ImportOPML(r.Context(), user.ID, data)
	if err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: err.Error()})
		return
	}

	respond(w, http.StatusOK, APIResponse{Success: true, Data: result})
}

// GetStats handles GET /api/stats.
func (dh *DashboardHandlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats := &models.Stats{}

	queries := []struct {
		sql  string
		dest *int
	}{
		{"SELECT COUNT(*) FROM users", &stats.TotalUsers},
		{"SELECT COUNT(*) FROM feeds", &stats.TotalFeeds},
		{"SELECT COUNT(*) FROM subscriptions WHERE deleted = FALSE", &stats.TotalSubscriptions},
		{"SELECT COUNT(*) FROM episodes_actions", &stats.TotalActions},
	}
	for _, q := range queries {
		if err := dh.db.QueryRow(q.sql).Scan(q.dest); err != nil {
			respond(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
			return
		}
	}

	respond(w, http.StatusOK, APIResponse{Success: true, Data: stats})
}

// ListUsers handles GET /api/admin/users (admin only).
func (dh *DashboardHandlers) ListUsers(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	users, err := dh.authService.ListUsers()
	if err != nil {
		respond(w, http.StatusInternalServerError, APIResponse{Error: err.Error()})
		return
	}

	respond(w, http.StatusOK, APIResponse{Success: true, Data: users})
}

// CreateUser handles POST /api/admin/users (admin only).
func (dh *DashboardHandlers) CreateUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
		Email    string `json:"email"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: "Invalid JSON"})
		return
	}

	user, err := dh.authService.CreateUser(req.Username, req.Password, req.Email, false)
	if err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: err.Error()})
		return
	}

	respond(w, http.StatusCreated, APIResponse{Success: true, Data: user})
}

// DeleteUser handles DELETE /api/admin/users/{id} (admin only). Owned
// rows cascade.
func (dh *DashboardHandlers) DeleteUser(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	id, err := strconv.Atoi(mux.Vars(r)["id"])
	if err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: "Invalid user ID"})
		return
	}

	if err := dh.authService.DeleteUser(id); err != nil {
		respond(w, http.StatusNotFound, APIResponse{Error: "User not found"})
		return
	}

	respond(w, http.StatusOK, APIResponse{Success: true})
}

// ChangePassword handles POST /api/dashboard/password.
func (dh *DashboardHandlers) ChangePassword(w http.ResponseWriter, r *http.Request) {
	user := middleware.UserFromContext(r.Context())

	var req struct {
		CurrentPassword string `json:"current_password"`
		NewPassword     string `json:"new_password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: "Invalid JSON"})
		return
	}

	if err := dh.authService.ChangePassword(user.ID, req.CurrentPassword, req.NewPassword); err != nil {
		respond(w, http.StatusBadRequest, APIResponse{Error: err.Error()})
		return
	}

	respond(w, http.StatusOK, APIResponse{Success: true})
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	user := middleware.UserFromContext(r.Context())
	if user == nil || !user.Admin {
		respond(w, http.StatusForbidden, APIResponse{Error: "Admin access required"})
		return false
	}
	return true
}
