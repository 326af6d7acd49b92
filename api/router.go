package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/malwarebo/reelpipe/middleware"
	"github.com/malwarebo/reelpipe/monitoring"
	"github.com/malwarebo/reelpipe/services"
	"github.com/malwarebo/reelpipe/utils"
)

type RouterConfig struct {
	Pipeline           *services.Pipeline
	Auth               *middleware.AuthMiddleware
	Health             *utils.HealthChecker
	Alerts             *monitoring.AlertManager
	ConversationSecret string
	WorkerSecret       string
}

func NewRouter(cfg RouterConfig) *mux.Router {
	router := mux.NewRouter()
	router.Use(
		middleware.RecoveryMiddleware,
		middleware.CorrelationMiddleware,
		middleware.LoggingMiddleware,
		middleware.HeadersMiddleware,
		middleware.CORSMiddleware,
	)

	health := CreateHealthHandler(cfg.Health)
	router.HandleFunc("/health", health.HealthCheckHandler).Methods(http.MethodGet)
	router.HandleFunc("/metrics", health.MetricsHandler).Methods(http.MethodGet)

	CreateWebhookHandler(cfg.Pipeline.Gateway).RegisterRoutes(router)

	downloads := CreateDownloadHandler(cfg.Pipeline.Delivery)
	downloadRouter := router.PathPrefix("/download").Subrouter()
	downloadRouter.Use(cfg.Auth.RateLimitByIP(downloads.RecordRateLimited))
	downloadRouter.HandleFunc("/{token}", downloads.HandleDownload).Methods(http.MethodGet)

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(middleware.BodyLimitMiddleware(maxBodyBytes))
	CreateInboundHandler(cfg.Pipeline.Emitter, cfg.Pipeline.Stores.Orders, cfg.ConversationSecret, cfg.WorkerSecret).RegisterRoutes(v1)
	CreateOrderHandler(cfg.Pipeline).RegisterRoutes(v1)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(cfg.Auth.RequireAdmin)
	CreateAdminHandler(cfg.Pipeline, cfg.Alerts).RegisterRoutes(admin)

	return router
}
