package daemon

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	tserrors "github.com/Aman-CERP/tutosearch/internal/errors"
	"github.com/Aman-CERP/tutosearch/internal/store"
)

// OpsHandlers serves the monitoring and administration endpoints. They are
// meant for the ops address only; access control belongs to whatever fronts it.
type OpsHandlers struct {
	handler  RequestHandler
	gatherer prometheus.Gatherer
	logger   *slog.Logger
}

// NewOpsHandlers creates the ops handlers. A nil gatherer serves the default registry.
func NewOpsHandlers(handler RequestHandler, gatherer prometheus.Gatherer, logger *slog.Logger) *OpsHandlers {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpsHandlers{handler: handler, gatherer: gatherer, logger: logger}
}

// RegisterRoutes registers the ops routes.
func (h *OpsHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	router.HandleFunc("/status", h.status).Methods(http.MethodGet)
	router.HandleFunc("/search", h.search).Methods(http.MethodGet)
	router.HandleFunc("/reindex", h.reindex).Methods(http.MethodPost)
	router.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}

// Router returns a router with the ops routes registered.
func (h *OpsHandlers) Router() *mux.Router {
	router := mux.NewRouter()
	h.RegisterRoutes(router)
	return router
}

// healthz handles GET /healthz. Degraded still counts as serving.
func (h *OpsHandlers) healthz(w http.ResponseWriter, r *http.Request) {
	st := h.handler.Status(r.Context())
	code := http.StatusOK
	if !st.Available() {
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, map[string]any{
		"health":                  st.Health,
		"backend":                 st.Backend,
		"since_last_sync_seconds": st.SinceLastSyncSeconds,
		"gaps":                    st.Gaps,
	})
}

// status handles GET /status.
func (h *OpsHandlers) status(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.handler.Status(r.Context()))
}

// search handles GET /search?q=&tag=&category=&offset=&limit=&sort=.
func (h *OpsHandlers) search(w http.ResponseWriter, r *http.Request) {
	v := r.URL.Query()
	q := store.Query{
		Term:     v.Get("q"),
		Tags:     v["tag"],
		Category: v.Get("category"),
		Sort:     store.SortMode(v.Get("sort")),
	}
	var err error
	if q.Offset, err = intParam(v.Get("offset")); err != nil {
		h.writeError(w, http.StatusBadRequest, "offset must be an integer")
		return
	}
	if q.Limit, err = intParam(v.Get("limit")); err != nil {
		h.writeError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	page, err := h.handler.Search(r.Context(), q)
	if err != nil {
		code := http.StatusInternalServerError
		if tserrors.GetCode(err) == tserrors.ErrCodeInvalidQuery {
			code = http.StatusBadRequest
		}
		h.writeError(w, code, err.Error())
		return
	}
	h.writeJSON(w, http.StatusOK, page)
}

// reindex handles POST /reindex. It starts a background rebuild and answers
// 202, or 409 when one is already running.
func (h *OpsHandlers) reindex(w http.ResponseWriter, r *http.Request) {
	result, err := h.handler.Reindex(r.Context(), false)
	if err != nil {
		code := http.StatusInternalServerError
		if tserrors.GetCode(err) == tserrors.ErrCodeReindexInProgress {
			code = http.StatusConflict
		}
		h.writeError(w, code, err.Error())
		return
	}
	h.writeJSON(w, http.StatusAccepted, result)
}

func intParam(s string) (int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, errors.New("not an integer")
	}
	return n, nil
}

func (h *OpsHandlers) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Debug("ops_response_write_failed", slog.String("error", err.Error()))
	}
}

func (h *OpsHandlers) writeError(w http.ResponseWriter, code int, msg string) {
	h.writeJSON(w, code, map[string]string{"error": msg})
}
