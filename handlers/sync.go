package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/manualdousuario/sintoniza/middleware"
	"github.com/manualdousuario/sintoniza/models"
	"github.com/manualdousuario/sintoniza/services"
)

// SyncHandlers implements the gPodder API surface. Each request maps to
// exactly one logical batch; all locking lives in the services.
type SyncHandlers struct {
	subscriptionService *services.SubscriptionService
	actionService       *services.ActionService
	deviceService       *services.DeviceService
}

func NewSyncHandlers(subscriptionService *services.SubscriptionService, actionService *services.ActionService, deviceService *services.DeviceService) *SyncHandlers {
	return &SyncHandlers{
		subscriptionService: subscriptionService,
		actionService:       actionService,
		deviceService:       deviceService,
	}
}

type SubscriptionChangesRequest struct {
	Add    []string `json:"add"`
	Remove []string `json:"remove"`
}

type SubscriptionChangesResponse struct {
	Timestamp  int64      `json:"timestamp"`
	UpdateURLs [][]string `json:"update_urls"`
}

type EpisodeActionsResponse struct {
	Actions   []models.EpisodeAction `json:"actions"`
	Timestamp int64                  `json:"timestamp"`
}

type AppendActionsResponse struct {
	Timestamp  int64                   `json:"timestamp"`
	UpdateURLs [][]string              `json:"update_urls"`
	Rejected   []models.RejectedAction `json:"rejected,omitempty"`
}

// requestUser resolves the authenticated user and checks it matches the
// {username} path segment; one user may never read another's state.
func requestUser(w http.ResponseWriter, r *http.Request) *models.User {
	user := middleware.UserFromContext(r.Context())
	if user == nil {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return nil
	}

	if name, ok := mux.Vars(r)["username"]; ok {
		name = strings.TrimSuffix(name, ".json")
		name = strings.TrimSuffix(name, ".opml")
		if name != user.Name && name != user.Token {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return nil
		}
	}
	return user
}

func deviceIDVar(r *http.Request) string {
	device := mux.Vars(r)["device"]
	device = strings.TrimSuffix(device, ".json")
	device = strings.TrimSuffix(device, ".opml")
	device = strings.TrimSuffix(device, ".txt")
	return device
}

func sinceParam(r *http.Request) int64 {
	since, _ := strconv.ParseInt(r.URL.Query().Get("since"), 10, 64)
	if since < 0 {
		since = 0
	}
	return since
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

// GetSubscriptionDelta handles GET /api/2/subscriptions/{username}/{device}.json.
func (sh *SyncHandlers) GetSubscriptionDelta(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	if _, err := sh.deviceService.EnsureDevice(user.ID, deviceIDVar(r)); err != nil {
		http.Error(w, "Invalid device", http.StatusBadRequest)
		return
	}

	delta, err := sh.subscriptionService.GetSubscriptions(user.ID, sinceParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, delta)
}

// PostSubscriptionDelta handles POST /api/2/subscriptions/{username}/{device}.json.
func (sh *SyncHandlers) PostSubscriptionDelta(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	var req SubscriptionChangesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	if _, err := sh.deviceService.EnsureDevice(user.ID, deviceIDVar(r)); err != nil {
		http.Error(w, "Invalid device", http.StatusBadRequest)
		return
	}

	adds, addChanges := services.SanitizeURLs(req.Add)
	removes, removeChanges := services.SanitizeURLs(req.Remove)
	updateURLs := append(addChanges, removeChanges...)

	timestamp, err := sh.subscriptionService.ApplyChanges(r.Context(), user.ID, adds, removes)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, SubscriptionChangesResponse{
		Timestamp:  timestamp,
		UpdateURLs: updateURLs,
	})
}

// GetSubscriptionList handles the simple API:
// GET /subscriptions/{username}/{device}.json — flat URL array.
func (sh *SyncHandlers) GetSubscriptionList(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	delta, err := sh.subscriptionService.GetSubscriptions(user.ID, 0)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, delta.Add)
}

// PutSubscriptionList handles the simple API:
// PUT /subscriptions/{username}/{device}.json — the uploaded array
// replaces the device's set; the delta is computed server-side.
func (sh *SyncHandlers) PutSubscriptionList(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "Failed to read body", http.StatusBadRequest)
		return
	}

	var urls []string
	if err := json.Unmarshal(body, &urls); err != nil {
		// txt uploads are one URL per line
		for _, line := range strings.Split(string(body), "\n") {
			if line = strings.TrimSpace(line); line != "" {
				urls = append(urls, line)
			}
		}
	}

	if _, err := sh.deviceService.EnsureDevice(user.ID, deviceIDVar(r)); err != nil {
		http.Error(w, "Invalid device", http.StatusBadRequest)
		return
	}

	sanitized, _ := services.SanitizeURLs(urls)
	if _, err := sh.subscriptionService.ReplaceSubscriptions(r.Context(), user.ID, sanitized); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusOK)
}

// GetEpisodeActions handles GET /api/2/episodes/{username}.json.
func (sh *SyncHandlers) GetEpisodeActions(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	actions, err := sh.actionService.GetActions(user.ID, sinceParam(r), r.URL.Query().Get("podcast"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	if r.URL.Query().Get("aggregated") == "true" {
		actions = services.AggregateActions(actions)
	}

	// The reported timestamp is the user's high-water mark, matching the
	// subscription endpoints, even when nothing matched the filters.
	timestamp, err := sh.actionService.CurrentTimestamp(user.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, EpisodeActionsResponse{
		Actions:   actions,
		Timestamp: timestamp,
	})
}

// PostEpisodeActions handles POST /api/2/episodes/{username}.json.
func (sh *SyncHandlers) PostEpisodeActions(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	var inputs []models.ActionInput
	if err := json.NewDecoder(r.Body).Decode(&inputs); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	// Each action may name its own device; register every id on first
	// sight and keep device-less actions unattributed.
	deviceIDs := make([]*int, len(inputs))
	known := make(map[string]*int)
	for i := range inputs {
		name := inputs[i].Device
		if name == "" {
			continue
		}
		if id, ok := known[name]; ok {
			deviceIDs[i] = id
			continue
		}
		device, err := sh.deviceService.EnsureDevice(user.ID, name)
		if err != nil {
			http.Error(w, "Invalid device", http.StatusBadRequest)
			return
		}
		id := device.ID
		known[name] = &id
		deviceIDs[i] = &id
	}

	// Only report rewrites that survive sanitization, once per URL.
	updateURLs := make([][]string, 0)
	seen := make(map[string]bool)
	for _, raw := range append(collect(inputs, func(a models.ActionInput) string { return a.Podcast }),
		collect(inputs, func(a models.ActionInput) string { return a.Episode })...) {
		if seen[raw] {
			continue
		}
		seen[raw] = true
		if s := services.SanitizeURL(raw); s != raw && s != "" {
			updateURLs = append(updateURLs, []string{raw, s})
		}
	}

	result, err := sh.actionService.AppendActions(r.Context(), user.ID, deviceIDs, inputs)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, AppendActionsResponse{
		Timestamp:  result.Timestamp,
		UpdateURLs: updateURLs,
		Rejected:   result.Rejected,
	})
}

func collect(inputs []models.ActionInput, f func(models.ActionInput) string) []string {
	out := make([]string, 0, len(inputs))
	for _, in := range inputs {
		out = append(out, f(in))
	}
	return out
}

// GetDevices handles GET /api/2/devices/{username}.json.
func (sh *SyncHandlers) GetDevices(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	devices, err := sh.deviceService.ListDevices(user.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	count, err := sh.subscriptionService.CountActiveSubscriptions(user.ID)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	for i := range devices {
		devices[i].Subscriptions = count
	}

	writeJSON(w, http.StatusOK, devices)
}

// PostDevice handles POST /api/2/devices/{username}/{device}.json — the
// client's capability declaration.
func (sh *SyncHandlers) PostDevice(w http.ResponseWriter, r *http.Request) {
	user := requestUser(w, r)
	if user == nil {
		return
	}

	var req struct {
		Caption string          `json:"caption"`
		Type    string          `json:"type"`
		Data    json.RawMessage `json:"data,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	_, err := sh.deviceService.UpdateDevice(user.ID, deviceIDVar(r), req.Caption, req.Type, string(req.Data))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	w.WriteHeader(http.StatusOK)
}
