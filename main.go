package main

import (
	"context"
	"flag"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/robfig/cron/v3"

	"github.com/manualdousuario/sintoniza/config"
	"github.com/manualdousuario/sintoniza/database"
	"github.com/manualdousuario/sintoniza/handlers"
	"github.com/manualdousuario/sintoniza/middleware"
	"github.com/manualdousuario/sintoniza/services"
)

func main() {
	refreshAll := flag.Bool("refresh-all", false, "refresh all feed metadata once and exit")
	flag.Parse()

	cfg := config.Load()

	// Initialize database
	db, err := database.NewDatabase(cfg.DB.DatabaseURL, cfg.DB.DataDir)
	if err != nil {
		log.Fatal("Failed to initialize database:", err)
	}
	defer db.Close()

	// Initialize services
	clock := services.NewClock(db)
	feedService := services.NewFeedService(db, cfg.Feeds.FetchTimeout)
	subscriptionService := services.NewSubscriptionService(db, feedService, clock)
	actionService := services.NewActionService(db, feedService, clock)
	deviceService := services.NewDeviceService(db)
	authService := services.NewAuthService(db)
	opmlService := services.NewOPMLService(subscriptionService)
	scheduler := services.NewSchedulerService(feedService, cfg.Feeds.TTL, cfg.Feeds.RefreshWorkers)

	if *refreshAll {
		scheduler.RefreshAll(context.Background())
		return
	}

	if err := authService.EnsureDefaultAdmin(cfg.Auth.AdminUsername, cfg.Auth.AdminPassword); err != nil {
		log.Fatal("Failed to bootstrap admin user:", err)
	}

	// Initialize handlers
	authMiddleware := middleware.NewAuthMiddleware(authService, cfg.Auth.SessionSecret)
	syncHandlers := handlers.NewSyncHandlers(subscriptionService, actionService, deviceService)
	dashboardHandlers := handlers.NewDashboardHandlers(db, subscriptionService, actionService, opmlService, authService)

	// Setup routes
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	}).Methods("GET")

	// gPodder advanced API
	r.HandleFunc("/api/2/auth/{username}/login.json", authMiddleware.Login).Methods("POST")
	r.HandleFunc("/api/2/auth/{username}/logout.json", authMiddleware.Logout).Methods("POST")

	api2 := r.PathPrefix("/api/2").Subrouter()
	api2.Use(authMiddleware.RequireAuth)
	api2.HandleFunc("/subscriptions/{username}/{device}", syncHandlers.GetSubscriptionDelta).Methods("GET")
	api2.HandleFunc("/subscriptions/{username}/{device}", syncHandlers.PostSubscriptionDelta).Methods("POST")
	api2.HandleFunc("/episodes/{username}", syncHandlers.GetEpisodeActions).Methods("GET")
	api2.HandleFunc("/episodes/{username}", syncHandlers.PostEpisodeActions).Methods("POST")
	api2.HandleFunc("/devices/{username}", syncHandlers.GetDevices).Methods("GET")
	api2.HandleFunc("/devices/{username}/{device}", syncHandlers.PostDevice).Methods("POST")

	// gPodder simple API
	simple := r.PathPrefix("/subscriptions").Subrouter()
	simple.Use(authMiddleware.RequireAuth)
	simple.HandleFunc("/{username}/{device}", syncHandlers.GetSubscriptionList).Methods("GET")
	simple.HandleFunc("/{username}/{device}", syncHandlers.PutSubscriptionList).Methods("PUT")
	simple.HandleFunc("/{username:[^/]+\\.opml}", dashboardHandlers.ExportOPML).Methods("GET")

	// Dashboard projections
	api := r.PathPrefix("/api").Subrouter()
	api.Use(authMiddleware.RequireAuth)
	api.HandleFunc("/stats", dashboardHandlers.GetStats).Methods("GET")
	api.HandleFunc("/dashboard/subscriptions", dashboardHandlers.ListSubscriptions).Methods("GET")
	api.HandleFunc("/dashboard/subscriptions/{id:[0-9]+}", dashboardHandlers.GetSubscription).Methods("GET")
	api.HandleFunc("/dashboard/subscriptions/{id:[0-9]+}/actions", dashboardHandlers.ListSubscriptionActions).Methods("GET")
	api.HandleFunc("/dashboard/password", dashboardHandlers.ChangePassword).Methods("POST")
	api.HandleFunc("/opml/import", dashboardHandlers.ImportOPML).Methods("POST")
	api.HandleFunc("/admin/users", dashboardHandlers.ListUsers).Methods("GET")
	api.HandleFunc("/admin/users", dashboardHandlers.CreateUser).Methods("POST")
	api.HandleFunc("/admin/users/{id:[0-9]+}", dashboardHandlers.DeleteUser).Methods("DELETE")

	// Setup background jobs
	setupCronJobs(cfg, scheduler, authService)

	log.Printf("sintoniza server starting on port %s", cfg.Server.Port)
	log.Fatal(http.ListenAndServe(":"+cfg.Server.Port, r))
}

func setupCronJobs(cfg *config.Config, scheduler *services.SchedulerService, authService *services.AuthService) {
	c := cron.New()

	// Sweep for stale feeds
	c.Schedule(cron.Every(cfg.Feeds.RefreshInterval), cron.FuncJob(func() {
		scheduler.Sweep(context.Background())
	}))

	// Cleanup expired sessions daily at 2 AM
	c.AddFunc("0 2 * * *", func() {
		if err := authService.CleanupExpiredSessions(); err != nil {
			log.Printf("Failed to cleanup sessions: %v", err)
		}
	})

	c.Start()
	log.Println("Background jobs scheduled")
}
