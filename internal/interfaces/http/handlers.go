package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"agentmesh/internal/common"
	"agentmesh/internal/domain/entities"
	"agentmesh/internal/domain/services"
	"agentmesh/internal/infrastructure/loadbalancer"
)

// OrchestrationHandlers exposes the engine over REST
type OrchestrationHandlers struct {
	workflows *services.WorkflowEngine
	agents    *services.StatefulAgentRegistry
	selector  *services.AgentSelector
	resolver  *services.DependencyResolver
	engine    *services.ExecutionEngine
	balancer  *loadbalancer.LoadBalancer
	quotas    *services.QuotaManager
	bus       *services.EventBus
	validate  *validator.Validate
	logger    common.Logger
}

// NewOrchestrationHandlers creates the handler set
func NewOrchestrationHandlers(
	workflows *services.WorkflowEngine,
	agents *services.StatefulAgentRegistry,
	selector *services.AgentSelector,
	resolver *services.DependencyResolver,
	engine *services.ExecutionEngine,
	balancer *loadbalancer.LoadBalancer,
	quotas *services.QuotaManager,
	bus *services.EventBus,
	logger common.Logger,
) *OrchestrationHandlers {
	if logger == nil {
		logger = common.NopLogger{}
	}
	return &OrchestrationHandlers{
		workflows: workflows,
		agents:    agents,
		selector:  selector,
		resolver:  resolver,
		engine:    engine,
		balancer:  balancer,
		quotas:    quotas,
		bus:       bus,
		validate:  validator.New(),
		logger:    logger,
	}
}

// Register mounts every route on the router
func (h *OrchestrationHandlers) Register(router *mux.Router) {
	api := router.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/workflows", h.registerWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/workflows", h.listWorkflows).Methods(http.MethodGet)
	api.HandleFunc("/workflows/{id}/start", h.startWorkflow).Methods(http.MethodPost)
	api.HandleFunc("/instances", h.listInstances).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}", h.getInstance).Methods(http.MethodGet)
	api.HandleFunc("/instances/{id}/pause", h.pauseInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/resume", h.resumeInstance).Methods(http.MethodPost)
	api.HandleFunc("/instances/{id}/cancel", h.cancelInstance).Methods(http.MethodPost)

	api.HandleFunc("/agents", h.registerAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents", h.listAgents).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}", h.getAgent).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/heartbeat", h.heartbeat).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/state", h.getAgentState).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/history", h.getAgentHistory).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/stats", h.getAgentStats).Methods(http.MethodGet)
	api.HandleFunc("/agents/{id}/pause", h.pauseAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/resume", h.resumeAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/recover", h.recoverAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/{id}/stop", h.stopAgent).Methods(http.MethodPost)
	api.HandleFunc("/agents/select", h.selectAgent).Methods(http.MethodPost)

	api.HandleFunc("/tasks/resolve", h.resolveTasks).Methods(http.MethodPost)
	api.HandleFunc("/tasks/execute", h.executeTasks).Methods(http.MethodPost)

	api.HandleFunc("/clusters", h.registerCluster).Methods(http.MethodPost)
	api.HandleFunc("/clusters", h.listClusters).Methods(http.MethodGet)
	api.HandleFunc("/clusters/{id}/success", h.clusterSuccess).Methods(http.MethodPost)
	api.HandleFunc("/clusters/{id}/failure", h.clusterFailure).Methods(http.MethodPost)
	api.HandleFunc("/route", h.route).Methods(http.MethodPost)
	api.HandleFunc("/rebalance-plan", h.rebalancePlan).Methods(http.MethodGet)

	api.HandleFunc("/quotas/users", h.setUserQuota).Methods(http.MethodPost)
	api.HandleFunc("/quotas/users/{id}/usage", h.userQuotaUsage).Methods(http.MethodGet)
	api.HandleFunc("/quotas/users/{id}/check", h.checkQuota).Methods(http.MethodPost)

	api.HandleFunc("/events", h.queryEvents).Methods(http.MethodGet)

	router.HandleFunc("/health", h.health).Methods(http.MethodGet)
}

func (h *OrchestrationHandlers) writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		if err := json.NewEncoder(w).Encode(body); err != nil {
			h.logger.Error("Failed to encode response", err)
		}
	}
}

func (h *OrchestrationHandlers) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	var appErr *common.AppError
	if errors.As(err, &appErr) {
		switch appErr.Type {
		case common.ValidationError:
			status = http.StatusBadRequest
		case common.SelectionError, common.RoutingError:
			status = http.StatusConflict
		case common.QuotaError:
			status = http.StatusTooManyRequests
		case common.TransitionError:
			status = http.StatusConflict
		}
		h.writeJSON(w, status, map[string]interface{}{"error": appErr.Message, "code": appErr.Code})
		return
	}
	h.writeJSON(w, status, map[string]interface{}{"error": err.Error()})
}

func (h *OrchestrationHandlers) decode(w http.ResponseWriter, r *http.Request, target interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
		h.writeError(w, common.WrapError(err, common.ValidationError, "BAD_JSON", "invalid request body"))
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		h.writeError(w, common.WrapError(err, common.ValidationError, "BAD_REQUEST", err.Error()))
		return false
	}
	return true
}

// --- workflows ---

func (h *OrchestrationHandlers) registerWorkflow(w http.ResponseWriter, r *http.Request) {
	workflow := &entities.Workflow{}
	if !h.decode(w, r, workflow) {
		return
	}
	if err := h.workflows.RegisterWorkflow(workflow); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"workflow_id": workflow.ID})
}

func (h *OrchestrationHandlers) listWorkflows(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.workflows.ListWorkflows())
}

type startWorkflowRequest struct {
	Inputs map[string]interface{} `json:"inputs"`
}

func (h *OrchestrationHandlers) startWorkflow(w http.ResponseWriter, r *http.Request) {
	request := &startWorkflowRequest{}
	if r.ContentLength > 0 && !h.decode(w, r, request) {
		return
	}
	instanceID, err := h.workflows.Start(r.Context(), mux.Vars(r)["id"], request.Inputs, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusAccepted, map[string]string{"instance_id": instanceID.String()})
}

func (h *OrchestrationHandlers) listInstances(w http.ResponseWriter, r *http.Request) {
	status := entities.InstanceStatus(r.URL.Query().Get("status"))
	h.writeJSON(w, http.StatusOK, h.workflows.ListInstances(status))
}

func (h *OrchestrationHandlers) instanceID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, common.NewError(common.ValidationError, "BAD_INSTANCE_ID", "instance id must be a uuid"))
		return uuid.Nil, false
	}
	return id, true
}

func (h *OrchestrationHandlers) getInstance(w http.ResponseWriter, r *http.Request) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	instance, found := h.workflows.GetInstance(id)
	if !found {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "instance not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, instance)
}

func (h *OrchestrationHandlers) pauseInstance(w http.ResponseWriter, r *http.Request) {
	h.instanceControl(w, r, h.workflows.Pause)
}

func (h *OrchestrationHandlers) resumeInstance(w http.ResponseWriter, r *http.Request) {
	h.instanceControl(w, r, h.workflows.Resume)
}

func (h *OrchestrationHandlers) cancelInstance(w http.ResponseWriter, r *http.Request) {
	h.instanceControl(w, r, h.workflows.Cancel)
}

func (h *OrchestrationHandlers) instanceControl(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id uuid.UUID) error) {
	id, ok := h.instanceID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"instance_id": id.String()})
}

// --- agents ---

type registerAgentRequest struct {
	ID           string                     `json:"id" validate:"required"`
	Runtime      entities.AgentRuntime      `json:"runtime"`
	Capabilities entities.AgentCapabilities `json:"capabilities"`
	Owner        string                     `json:"owner"`
	SessionID    string                     `json:"session_id"`
}

func (h *OrchestrationHandlers) registerAgent(w http.ResponseWriter, r *http.Request) {
	request := &registerAgentRequest{}
	if !h.decode(w, r, request) {
		return
	}
	agent, err := h.agents.RegisterAgent(r.Context(), &entities.AgentConfig{
		ID:           request.ID,
		Runtime:      request.Runtime,
		Capabilities: request.Capabilities,
		Owner:        request.Owner,
		SessionID:    request.SessionID,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, agent)
}

func (h *OrchestrationHandlers) listAgents(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.agents.Directory().List())
}

func (h *OrchestrationHandlers) getAgent(w http.ResponseWriter, r *http.Request) {
	agent := h.agents.Directory().Get(mux.Vars(r)["id"])
	if agent == nil {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, agent)
}

func (h *OrchestrationHandlers) heartbeat(w http.ResponseWriter, r *http.Request) {
	if !h.agents.Directory().Heartbeat(mux.Vars(r)["id"]) {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "agent not found"})
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *OrchestrationHandlers) getAgentState(w http.ResponseWriter, r *http.Request) {
	state, err := h.agents.GetAgentState(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"state": string(state)})
}

func (h *OrchestrationHandlers) getAgentHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.agents.GetAgentStateHistory(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

func (h *OrchestrationHandlers) getAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.agents.GetAgentStats(mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, stats)
}

func (h *OrchestrationHandlers) pauseAgent(w http.ResponseWriter, r *http.Request) {
	ok, err := h.agents.PauseAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"paused": ok})
}

func (h *OrchestrationHandlers) resumeAgent(w http.ResponseWriter, r *http.Request) {
	ok, err := h.agents.ResumeAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"resumed": ok})
}

func (h *OrchestrationHandlers) recoverAgent(w http.ResponseWriter, r *http.Request) {
	ok, err := h.agents.RecoverAgent(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]bool{"recovered": ok})
}

func (h *OrchestrationHandlers) stopAgent(w http.ResponseWriter, r *http.Request) {
	force, _ := strconv.ParseBool(r.URL.Query().Get("force"))
	if err := h.agents.StopAgent(r.Context(), mux.Vars(r)["id"], force); err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

func (h *OrchestrationHandlers) selectAgent(w http.ResponseWriter, r *http.Request) {
	criteria := &entities.SelectionCriteria{}
	if !h.decode(w, r, criteria) {
		return
	}
	result, err := h.selector.SelectAgent(criteria)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// --- tasks ---

type resolveTasksRequest struct {
	Tasks     []*entities.TaskWithDependencies `json:"tasks" validate:"required,min=1"`
	MaxLevels int                              `json:"max_levels"`
}

func (h *OrchestrationHandlers) resolveTasks(w http.ResponseWriter, r *http.Request) {
	request := &resolveTasksRequest{}
	if !h.decode(w, r, request) {
		return
	}
	result := h.resolver.Resolve(request.Tasks, &services.ResolveOptions{MaxLevels: request.MaxLevels})
	status := http.StatusOK
	if !result.Valid {
		status = http.StatusUnprocessableEntity
	}
	h.writeJSON(w, status, result)
}

func (h *OrchestrationHandlers) executeTasks(w http.ResponseWriter, r *http.Request) {
	request := &resolveTasksRequest{}
	if !h.decode(w, r, request) {
		return
	}
	result := h.resolver.Resolve(request.Tasks, &services.ResolveOptions{MaxLevels: request.MaxLevels})
	if !result.Valid {
		h.writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	report, err := h.engine.Execute(r.Context(), result.Plan, nil)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

// --- clusters ---

func (h *OrchestrationHandlers) registerCluster(w http.ResponseWriter, r *http.Request) {
	cluster := &entities.Cluster{}
	if !h.decode(w, r, cluster) {
		return
	}
	if cluster.ID == "" {
		h.writeError(w, common.NewError(common.ValidationError, "MISSING_CLUSTER_ID", "cluster id is required"))
		return
	}
	h.balancer.RegisterCluster(cluster)
	h.writeJSON(w, http.StatusCreated, map[string]string{"cluster_id": cluster.ID})
}

func (h *OrchestrationHandlers) listClusters(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.balancer.Clusters())
}

func (h *OrchestrationHandlers) clusterSuccess(w http.ResponseWriter, r *http.Request) {
	h.balancer.RecordSuccess(mux.Vars(r)["id"])
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *OrchestrationHandlers) clusterFailure(w http.ResponseWriter, r *http.Request) {
	h.balancer.RecordFailure(mux.Vars(r)["id"])
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type routeRequest struct {
	SessionID            string                 `json:"session_id"`
	PreferredRegion      string                 `json:"preferred_region"`
	RequiredCapabilities map[string]interface{} `json:"required_capabilities"`
	Strategy             entities.RouteStrategy `json:"strategy"`
}

func (h *OrchestrationHandlers) route(w http.ResponseWriter, r *http.Request) {
	request := &routeRequest{}
	if !h.decode(w, r, request) {
		return
	}
	result := h.balancer.Route(&entities.RouteRequest{
		SessionID:            request.SessionID,
		PreferredRegion:      request.PreferredRegion,
		RequiredCapabilities: request.RequiredCapabilities,
	}, request.Strategy)
	status := http.StatusOK
	if !result.Success {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, result)
}

func (h *OrchestrationHandlers) rebalancePlan(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.balancer.GenerateRebalancePlan())
}

// --- quotas ---

func (h *OrchestrationHandlers) setUserQuota(w http.ResponseWriter, r *http.Request) {
	quota := &entities.UserQuota{}
	if !h.decode(w, r, quota) {
		return
	}
	if quota.UserID == "" {
		h.writeError(w, common.NewError(common.ValidationError, "MISSING_USER_ID", "user id is required"))
		return
	}
	h.quotas.SetUserQuota(quota)
	h.writeJSON(w, http.StatusCreated, map[string]string{"user_id": quota.UserID})
}

func (h *OrchestrationHandlers) userQuotaUsage(w http.ResponseWriter, r *http.Request) {
	usage, ok := h.quotas.UserUsage(mux.Vars(r)["id"])
	if !ok {
		h.writeJSON(w, http.StatusNotFound, map[string]string{"error": "no quota configured"})
		return
	}
	h.writeJSON(w, http.StatusOK, usage)
}

type checkQuotaRequest struct {
	Agents    int    `json:"agents" validate:"required,min=1"`
	SessionID string `json:"session_id"`
}

func (h *OrchestrationHandlers) checkQuota(w http.ResponseWriter, r *http.Request) {
	request := &checkQuotaRequest{}
	if !h.decode(w, r, request) {
		return
	}
	decision := h.quotas.CanAllocate(r.Context(), mux.Vars(r)["id"], request.Agents, request.SessionID)
	h.writeJSON(w, http.StatusOK, decision)
}

// --- events ---

func (h *OrchestrationHandlers) queryEvents(w http.ResponseWriter, r *http.Request) {
	query := services.HistoryQuery{
		Type:   r.URL.Query().Get("type"),
		Source: r.URL.Query().Get("source"),
	}
	if raw := r.URL.Query().Get("correlation_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			h.writeError(w, common.NewError(common.ValidationError, "BAD_CORRELATION_ID", "correlation_id must be a uuid"))
			return
		}
		h.writeJSON(w, http.StatusOK, h.bus.GetCorrelationChain(id))
		return
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if limit, err := strconv.Atoi(raw); err == nil {
			query.Limit = limit
		}
	}
	h.writeJSON(w, http.StatusOK, h.bus.QueryHistory(query))
}

func (h *OrchestrationHandlers) health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"agents":    h.agents.Directory().Count(),
		"timestamp": time.Now().UTC(),
	})
}
