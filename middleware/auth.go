package middleware

import (
	"context"
	"encoding/json"
	"log"
	"net/http"

	"github.com/gorilla/sessions"

	"github.com/manualdousuario/sintoniza/models"
	"github.com/manualdousuario/sintoniza/services"
)

type contextKey string

const UserContextKey contextKey = "user"

const sessionCookie = "sessionid"

type AuthMiddleware struct {
	authService *services.AuthService
	store       *sessions.CookieStore
}

func NewAuthMiddleware(authService *services.AuthService, sessionSecret string) *AuthMiddleware {
	if sessionSecret == "" {
		sessionSecret = "default-secret-change-in-production"
		log.Println("WARNING: Using default session secret. Set SESSION_SECRET environment variable!")
	}

	store := sessions.NewCookieStore([]byte(sessionSecret))
	store.Options = &sessions.Options{
		Path:     "/",
		MaxAge:   30 * 24 * 60 * 60, // 30 days
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	}

	return &AuthMiddleware{
		authService: authService,
		store:       store,
	}
}

// RequireAuth accepts either the sessionid cookie set by the login
// endpoint or HTTP Basic credentials sent directly on a sync call.
func (am *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user := am.currentUser(r)
		if user == nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="sintoniza"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// UserFromContext returns the authenticated user stored by RequireAuth.
func UserFromContext(ctx context.Context) *models.User {
	user, _ := ctx.Value(UserContextKey).(*models.User)
	return user
}

func (am *AuthMiddleware) currentUser(r *http.Request) *models.User {
	if username, password, ok := r.BasicAuth(); ok {
		user, err := am.authService.Authenticate(username, password)
		if err == nil {
			return user
		}
	}
	return am.sessionUser(r)
}

func (am *AuthMiddleware) sessionUser(r *http.Request) *models.User {
	session, err := am.store.Get(r, sessionCookie)
	if err != nil {
		return nil
	}

	sessionID, ok := session.Values["session_id"].(string)
	if !ok || sessionID == "" {
		return nil
	}

	dbSession, err := am.authService.GetSession(sessionID)
	if err != nil {
		return nil
	}

	user, err := am.authService.GetUserByID(dbSession.UserID)
	if err != nil {
		return nil
	}
	return user
}

// Login authenticates Basic credentials and issues the sessionid cookie
// gPodder clients expect from /api/2/auth/{user}/login.json.
func (am *AuthMiddleware) Login(w http.ResponseWriter, r *http.Request) {
	username, password, ok := r.BasicAuth()
	if !ok {
		w.Header().Set("WWW-Authenticate", `Basic realm="sintoniza"`)
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	user, err := am.authService.Authenticate(username, password)
	if err != nil {
		http.Error(w, "Invalid credentials", http.StatusUnauthorized)
		return
	}

	dbSession, err := am.authService.CreateSession(user.ID)
	if err != nil {
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	session, _ := am.store.Get(r, sessionCookie)
	session.Values["session_id"] = dbSession.ID
	if err := session.Save(r, w); err != nil {
		http.Error(w, "Failed to save session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"username": user.Name,
	})
}

func (am *AuthMiddleware) Logout(w http.ResponseWriter, r *http.Request) {
	session, err := am.store.Get(r, sessionCookie)
	if err == nil {
		if sessionID, ok := session.Values["session_id"].(string); ok && sessionID != "" {
			if err := am.authService.DeleteSession(sessionID); err != nil {
				log.Printf("Failed to delete session: %v", err)
			}
		}
		session.Options.MaxAge = -1
		session.Save(r, w)
	}

	w.WriteHeader(http.StatusOK)
}
