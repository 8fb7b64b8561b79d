package api

import (
	"net/http"

	"mailflow/internal/utils"

	"github.com/gorilla/mux"
)

// NewRouter creates the router with all the necessary routes.
func NewRouter(handler *APIHandler, events *EventStreamHandler) http.Handler {
	router := mux.NewRouter()
	router.Use(utils.HTTPLoggingMiddleware(utils.NewLogger("HTTP")))

	apiRouter := router.PathPrefix("/api").Subrouter()

	// Health
	apiRouter.HandleFunc("/health", handler.HealthHandler).Methods("GET")

	// Sync operations
	apiRouter.HandleFunc("/sync/start", handler.StartSyncHandler).Methods("POST")
	apiRouter.HandleFunc("/sync/operations/{id}", handler.GetSyncStatusHandler).Methods("GET")
	apiRouter.HandleFunc("/sync/operations/{id}", handler.StopSyncHandler).Methods("DELETE")
	apiRouter.HandleFunc("/sync/accounts/{id}", handler.GetAccountSyncStatusHandler).Methods("GET")
	apiRouter.HandleFunc("/sync/accounts/{id}/realtime", handler.RealtimeSyncHandler).Methods("POST")
	apiRouter.HandleFunc("/sync/periodic", handler.PeriodicSyncHandler).Methods("POST")

	// Webhook receiver
	apiRouter.HandleFunc("/webhooks/{provider}/{accountId}", handler.WebhookHandler).Methods("POST")

	// Batch analysis
	apiRouter.HandleFunc("/analysis/batch", handler.CreateBatchJobHandler).Methods("POST")
	apiRouter.HandleFunc("/analysis/batch", handler.ListBatchJobsHandler).Methods("GET")
	apiRouter.HandleFunc("/analysis/batch/{id}", handler.GetBatchJobHandler).Methods("GET")
	apiRouter.HandleFunc("/analysis/batch/{id}", handler.CancelBatchJobHandler).Methods("DELETE")

	// Queue administration
	apiRouter.HandleFunc("/queues/status", handler.GetQueueStatusHandler).Methods("GET")
	apiRouter.HandleFunc("/queues/{queue}/retry-failed", handler.RetryFailedJobsHandler).Methods("POST")
	apiRouter.HandleFunc("/queues/{queue}/{action}", handler.QueueControlHandler).Methods("POST")

	// Event stream
	apiRouter.HandleFunc("/ws/events", events.ServeWS).Methods("GET")

	return router
}
