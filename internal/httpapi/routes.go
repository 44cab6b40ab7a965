package httpapi

import "github.com/gin-gonic/gin"

// SetupRoutes registers every endpoint, generalizing the teacher's
// internal/endpoints.SetupRoutes(r, jobQueue) from one queue dependency
// to the full RecordRoute component set. Unlike the teacher's API group,
// no Auth0Middleware is attached: authentication is explicitly out of
// scope for this surface.
func SetupRoutes(r *gin.Engine, deps *Deps) {
	r.GET("/healthz", HandleHealthz(deps))
	r.GET("/metrics", metricsHandler())

	api := r.Group("/")
	api.POST("/upload", HandleUpload(deps))
	api.POST("/process", HandleProcess(deps))
	api.POST("/cancel", HandleCancel(deps))
	api.GET("/tasks", HandleTasks(deps))
	api.GET("/history", HandleHistory(deps))
	api.POST("/delete_records", HandleDeleteRecords(deps))
	api.POST("/reset", HandleReset(deps))
	api.POST("/reset_summary_embedding", HandleResetSummaryEmbedding(deps))
	api.POST("/reset_all_tasks", HandleResetAllTasks(deps))
	api.POST("/update_stt_text", HandleUpdateSTTText(deps))
	api.POST("/update_filename", HandleUpdateFilename(deps))
	api.GET("/download/:opaque", HandleDownload(deps))
	api.GET("/search", HandleSearch(deps))
	api.POST("/similar", HandleSimilar(deps))
	api.POST("/check_existing_stt", HandleCheckExistingSTT(deps))
	api.GET("/models", HandleModels(deps))
	api.POST("/shutdown", HandleShutdown(deps))

	r.GET("/ws", HandleProgressWebSocket(deps))
}
