// Package api serves the monitor's REST surface.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"podmon-k8s/internal/history"
	"podmon-k8s/internal/kube"
	"podmon-k8s/internal/monitor"
	"podmon-k8s/internal/notify"
	"podmon-k8s/internal/retention"
	"podmon-k8s/internal/settings"
	"podmon-k8s/internal/snapshot"

	"github.com/cockroachdb/errors"
	"github.com/gorilla/mux"
)

const (
	activityLimit     = 20
	defaultTailLines  = 100
	maxTailLines      = 5000
	logRequestTimeout = 15 * time.Second
	maxBodyBytes      = 1 << 20
	defaultUsageHours = 24
	clusterTimeout    = 15 * time.Second
)

// Monitor runs cycles on demand.
type Monitor interface {
	Trigger(ctx context.Context) (monitor.CycleResult, bool, error)
	Last() (monitor.CycleResult, bool)
}

// SettingsStore exposes and updates runtime settings.
type SettingsStore interface {
	Current() settings.Settings
	Redacted() settings.Settings
	Authorize(credential string) error
	Update(ctx context.Context, credential string, next settings.Settings) (settings.Settings, error)
}

// Channels reports on and tests notification channels.
type Channels interface {
	Status(channels map[notify.Channel]notify.ChannelConfig) []notify.ChannelStatus
	SendTest(ctx context.Context, ch notify.Channel, cfg notify.ChannelConfig) notify.DispatchResult
}

// Cleaner runs retention on demand.
type Cleaner interface {
	Prune(ctx context.Context) (retention.Result, error)
}

// LogTailer reads container logs.
type LogTailer interface {
	Tail(ctx context.Context, namespace, pod, container string, lines int64) ([]string, error)
}

// Cluster performs operator actions against the cluster.
type Cluster interface {
	RestartPod(ctx context.Context, namespace, name string) error
	Namespaces(ctx context.Context) ([]string, error)
}

// Deps are the collaborators behind the API. Logs, Cluster and Metrics may be nil.
type Deps struct {
	History  history.Store
	Monitor  Monitor
	Settings SettingsStore
	Channels Channels
	Cleaner  Cleaner
	Logs     LogTailer
	Cluster  Cluster
	Metrics  http.Handler
	Version  string
	Logger   *slog.Logger
}

// Handler serves the monitor HTTP API.
type Handler struct {
	Deps
}

// NewHandler builds a Handler.
func NewHandler(deps Deps) *Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Handler{Deps: deps}
}

// Register wires all API endpoints on the router.
func (h *Handler) Register(r *mux.Router) {
	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.NotFoundHandler = http.HandlerFunc(notFound)
	v1.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	v1.HandleFunc("/health", h.health).Methods(http.MethodGet)
	v1.HandleFunc("/snapshot", h.snapshot).Methods(http.MethodGet)
	v1.HandleFunc("/pods", h.pods).Methods(http.MethodGet)
	v1.HandleFunc("/pods/{namespace}/{name}/logs", h.podLogs).Methods(http.MethodGet)
	v1.HandleFunc("/pods/{namespace}/{name}/usage", h.podUsage).Methods(http.MethodGet)
	v1.HandleFunc("/pods/{namespace}/{name}/restart", h.restartPod).Methods(http.MethodPost)
	v1.HandleFunc("/namespaces", h.namespaces).Methods(http.MethodGet)
	v1.HandleFunc("/nodes", h.nodes).Methods(http.MethodGet)
	v1.HandleFunc("/history", h.history).Methods(http.MethodGet)
	v1.HandleFunc("/activity", h.activity).Methods(http.MethodGet)
	v1.HandleFunc("/check", h.check).Methods(http.MethodPost)
	v1.HandleFunc("/config", h.getConfig).Methods(http.MethodGet)
	v1.HandleFunc("/config", h.putConfig).Methods(http.MethodPut)
	v1.HandleFunc("/channels", h.channels).Methods(http.MethodGet)
	v1.HandleFunc("/channels/{channel}/test", h.testChannel).Methods(http.MethodPost)
	v1.HandleFunc("/dispatches", h.dispatches).Methods(http.MethodGet)
	v1.HandleFunc("/maintenance/prune", h.prune).Methods(http.MethodPost)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics).Methods(http.MethodGet)
	}
}

// Router returns the routes wrapped in the CORS and logging middleware.
func (h *Handler) Router() http.Handler {
	r := mux.NewRouter()
	h.Register(r)
	r.NotFoundHandler = http.HandlerFunc(notFound)
	r.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowed)
	return corsMiddleware(h.loggingMiddleware(r))
}

func notFound(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusNotFound, "not found")
}

func methodNotAllowed(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{
		"status":    "initializing",
		"version":   h.Version,
		"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if last, ok := h.Monitor.Last(); ok {
		payload["status"] = "ok"
		payload["lastCycle"] = map[string]any{
			"id":         last.ID,
			"status":     last.Status,
			"finishedAt": last.FinishedAt.Format(time.RFC3339Nano),
			"events":     len(last.Events),
			"error":      last.Error,
		}
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handler) snapshot(w http.ResponseWriter, r *http.Request) {
	pods, ok := h.latest(w, r, snapshot.KindPod)
	if !ok {
		return
	}
	nodes, err := h.History.LatestSnapshot(r.Context(), snapshot.KindNode)
	if err != nil {
		h.internalError(w, "load node snapshot", err)
		return
	}
	payload := map[string]any{
		"timestamp": pods.Timestamp.UTC().Format(time.RFC3339Nano),
		"pods":      filterPods(pods.PodList(), r.URL.Query().Get("namespace")),
		"nodes":     []snapshot.NodeSnapshot{},
	}
	if n, ok := nodes.Get(); ok {
		payload["nodes"] = n.NodeList()
		payload["nodesTimestamp"] = n.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	respondJSON(w, http.StatusOK, payload)
}

func (h *Handler) pods(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.latest(w, r, snapshot.KindPod)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"items":     filterPods(snap.PodList(), r.URL.Query().Get("namespace")),
		"timestamp": snap.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) nodes(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.latest(w, r, snapshot.KindNode)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"items":     snap.NodeList(),
		"timestamp": snap.Timestamp.UTC().Format(time.RFC3339Nano),
	})
}

func (h *Handler) latest(w http.ResponseWriter, r *http.Request, kind snapshot.Kind) (snapshot.Snapshot, bool) {
	opt, err := h.History.LatestSnapshot(r.Context(), kind)
	if err != nil {
		h.internalError(w, "load snapshot", err)
		return snapshot.Snapshot{}, false
	}
	snap, ok := opt.Get()
	if !ok {
		respondError(w, http.StatusServiceUnavailable, "snapshot not ready")
		return snapshot.Snapshot{}, false
	}
	return snap, true
}

func (h *Handler) history(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistoryQuery(r.URL.Query())
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.History.Events(r.Context(), q)
	if err != nil {
		h.internalError(w, "query history", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": events, "count": len(events)})
}

func (h *Handler) activity(w http.ResponseWriter, r *http.Request) {
	events, err := h.History.Events(r.Context(), history.Query{Limit: activityLimit})
	if err != nil {
		h.internalError(w, "query activity", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": events})
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	res, coalesced, err := h.Monitor.Trigger(r.Context())
	if err != nil {
		respondError(w, http.StatusServiceUnavailable, "check interrupted: "+err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"result": res, "coalesced": coalesced})
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.configPayload(h.Settings.Redacted()))
}

func (h *Handler) putConfig(w http.ResponseWriter, r *http.Request) {
	var next settings.Settings
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&next); err != nil {
		respondError(w, http.StatusBadRequest, "invalid settings document: "+err.Error())
		return
	}
	updated, err := h.Settings.Update(r.Context(), bearerToken(r), next)
	if err != nil {
		h.settingsError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.configPayload(updated))
}

func (h *Handler) configPayload(s settings.Settings) map[string]any {
	return map[string]any{
		"settings": s,
		"channels": h.Channels.Status(h.Settings.Current().Channels),
	}
}

func (h *Handler) channels(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"items": h.Channels.Status(h.Settings.Current().Channels)})
}

func (h *Handler) testChannel(w http.ResponseWriter, r *http.Request) {
	if err := h.Settings.Authorize(bearerToken(r)); err != nil {
		h.settingsError(w, err)
		return
	}
	ch := notify.Channel(mux.Vars(r)["channel"])
	if !ch.Valid() {
		respondError(w, http.StatusNotFound, "unknown channel "+string(ch))
		return
	}
	cfg, ok := h.Settings.Current().Channels[ch]
	if !ok {
		respondError(w, http.StatusBadRequest, "channel "+string(ch)+" is not configured")
		return
	}
	res := h.Channels.SendTest(r.Context(), ch, cfg)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusBadGateway
	}
	respondJSON(w, status, res)
}

func (h *Handler) dispatches(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	results, err := h.History.Dispatches(r.Context(), limit)
	if err != nil {
		h.internalError(w, "query dispatches", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": results})
}

func (h *Handler) prune(w http.ResponseWriter, r *http.Request) {
	if err := h.Settings.Authorize(bearerToken(r)); err != nil {
		h.settingsError(w, err)
		return
	}
	res, err := h.Cleaner.Prune(r.Context())
	if err != nil {
		h.internalError(w, "prune history", err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (h *Handler) podLogs(w http.ResponseWriter, r *http.Request) {
	if h.Logs == nil {
		respondError(w, http.StatusNotImplemented, "pod logs unavailable")
		return
	}
	namespace, name, ok := h.monitoredPod(w, r)
	if !ok {
		return
	}
	lines := int64(defaultTailLines)
	if raw := r.URL.Query().Get("tail_lines"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n < 1 || n > maxTailLines {
			respondError(w, http.StatusBadRequest, "tail_lines must be between 1 and 5000")
			return
		}
		lines = n
	}

	ctx, cancel := context.WithTimeout(r.Context(), logRequestTimeout)
	defer cancel()
	out, err := h.Logs.Tail(ctx, namespace, name, r.URL.Query().Get("container"), lines)
	if err != nil {
		h.Logger.Warn("pod log request failed", slog.String("pod", namespace+"/"+name), slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"namespace": namespace, "name": name, "lines": out})
}

func (h *Handler) podUsage(w http.ResponseWriter, r *http.Request) {
	namespace, name, ok := h.monitoredPod(w, r)
	if !ok {
		return
	}
	hours := defaultUsageHours
	if raw := r.URL.Query().Get("hours"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			respondError(w, http.StatusBadRequest, "hours must be a positive integer")
			return
		}
		hours = n
	}
	if limit := int(h.Settings.Current().Monitoring.Retention() / time.Hour); hours > limit {
		hours = limit
	}

	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	samples, err := h.History.PodUsage(r.Context(), snapshot.PodKey{Namespace: namespace, Name: name}, since)
	if err != nil {
		h.internalError(w, "query pod usage", err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"namespace": namespace,
		"name":      name,
		"hours":     hours,
		"items":     samples,
	})
}

func (h *Handler) restartPod(w http.ResponseWriter, r *http.Request) {
	if err := h.Settings.Authorize(bearerToken(r)); err != nil {
		h.settingsError(w, err)
		return
	}
	if h.Cluster == nil {
		respondError(w, http.StatusNotImplemented, "pod restart unavailable")
		return
	}
	namespace, name, ok := h.monitoredPod(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), clusterTimeout)
	defer cancel()
	if err := h.Cluster.RestartPod(ctx, namespace, name); err != nil {
		if errors.Is(err, kube.ErrPodNotFound) {
			respondError(w, http.StatusNotFound, "pod "+namespace+"/"+name+" not found")
			return
		}
		h.Logger.Warn("pod restart failed", slog.String("pod", namespace+"/"+name), slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	h.Logger.Info("pod restarted", slog.String("pod", namespace+"/"+name))
	respondJSON(w, http.StatusAccepted, map[string]any{"namespace": namespace, "name": name, "restarted": true})
}

func (h *Handler) namespaces(w http.ResponseWriter, r *http.Request) {
	if h.Cluster == nil {
		respondError(w, http.StatusNotImplemented, "namespace listing unavailable")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), clusterTimeout)
	defer cancel()
	names, err := h.Cluster.Namespaces(ctx)
	if err != nil {
		h.Logger.Warn("namespace listing failed", slog.String("error", err.Error()))
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": names})
}

// monitoredPod reads the pod from the path and rejects namespaces outside the
// monitored scope.
func (h *Handler) monitoredPod(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	vars := mux.Vars(r)
	namespace, name := vars["namespace"], vars["name"]
	if !snapshot.NewNamespaceFilter(h.Settings.Current().Monitoring.Scope()).Allows(namespace) {
		respondError(w, http.StatusNotFound, "namespace "+namespace+" is not monitored")
		return "", "", false
	}
	return namespace, name, true
}

func (h *Handler) settingsError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, settings.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", `Bearer realm="podmon"`)
		respondError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, settings.ErrInvalid):
		respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.internalError(w, "update settings", err)
	}
}

func (h *Handler) internalError(w http.ResponseWriter, op string, err error) {
	h.Logger.Error(op+" failed", slog.String("error", err.Error()))
	respondError(w, http.StatusInternalServerError, op+" failed")
}

func filterPods(pods []snapshot.PodSnapshot, namespace string) []snapshot.PodSnapshot {
	if namespace == "" {
		return pods
	}
	out := make([]snapshot.PodSnapshot, 0, len(pods))
	for _, p := range pods {
		if strings.EqualFold(p.Namespace, namespace) {
			out = append(out, p)
		}
	}
	return out
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) < len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return ""
	}
	return strings.TrimSpace(header[len(prefix):])
}

func respondJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
