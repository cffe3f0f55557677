package orchestrator

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/helloemzy/personal-brand-dna-sub000/internal/models"
	"github.com/helloemzy/personal-brand-dna-sub000/internal/store"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/logger"
	"github.com/helloemzy/personal-brand-dna-sub000/pkg/metrics"
)

// API provides the HTTP handlers for task submission and inspection.
type API struct {
	orch   *Orchestrator
	logger *logger.Logger
}

// NewAPI creates a new API handler.
func NewAPI(orch *Orchestrator) *API {
	return &API{orch: orch, logger: logger.New("orchestrator-api", "", "")}
}

// SubmitTaskHandler handles the submission of a new task.
func (a *API) SubmitTaskHandler(c *gin.Context) {
	var payload struct {
		UserID    string                 `json:"userID" binding:"required"`
		AgentType models.AgentType       `json:"agentType" binding:"required"`
		Payload   map[string]interface{} `json:"payload"`
		Priority  int                    `json:"priority"`
	}
	if err := c.ShouldBindJSON(&payload); err != nil {
		a.logger.WithError(models.ErrorInfo{Message: err.Error()}).Warn("Invalid request payload")
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request payload"})
		return
	}

	task, err := a.orch.SubmitTask(c.Request.Context(), payload.UserID, payload.AgentType, payload.Payload, payload.Priority)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit task"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"task_id": task.ID, "correlation_id": task.CorrelationID})
}

// GetTaskHandler handles requests to get a single task by its ID.
func (a *API) GetTaskHandler(c *gin.Context) {
	task, err := a.orch.GetTask(c.Request.Context(), c.Param("id"))
	if err == store.ErrTaskNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retrieve task"})
		return
	}
	c.JSON(http.StatusOK, task)
}

// CancelTaskHandler handles cancellation requests for a task.
func (a *API) CancelTaskHandler(c *gin.Context) {
	err := a.orch.CancelTask(c.Request.Context(), c.Param("id"))
	if err == store.ErrTaskNotFound {
		c.JSON(http.StatusNotFound, gin.H{"error": "Task not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to cancel task"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"task_id": c.Param("id")})
}

// GetAgentsHandler returns the registry's current view of agent instances.
func (a *API) GetAgentsHandler(c *gin.Context) {
	c.JSON(http.StatusOK, a.orch.Agents())
}

// HealthHandler reports process liveness.
func (a *API) HealthHandler(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RegisterRoutes registers all the routes for the orchestrator service.
func RegisterRoutes(router *gin.Engine, api *API) {
	v1 := router.Group("/api/v1")
	{
		tasks := v1.Group("/tasks")
		{
			tasks.POST("", api.SubmitTaskHandler)
			tasks.GET("/:id", api.GetTaskHandler)
			tasks.DELETE("/:id", api.CancelTaskHandler)
		}
		v1.GET("/agents", api.GetAgentsHandler)
	}

	router.GET("/healthz", api.HealthHandler)
	router.GET("/metrics", gin.WrapH(metrics.Handler()))
}
