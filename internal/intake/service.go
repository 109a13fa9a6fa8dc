package intake

import (
	"context"
	"net/http"
	"strconv"
	"strings"

	"github.com/TheJokr/chatload/pkg/logger"
	"github.com/TheJokr/chatload/pkg/metrics"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

// maxFormMemory caps the in-memory part of multipart bodies.
const maxFormMemory = 1 << 20

// Store persists submitted names.
type Store interface {
	InsertNames(ctx context.Context, names []string) (int64, error)
}

// Handler accepts character names from chatload clients.
type Handler struct {
	logger *logger.Logger
	store  Store
}

// NewHandler creates a Handler storing names in store.
func NewHandler(l *logger.Logger, store Store) *Handler {
	return &Handler{logger: l, store: store}
}

// Routes mounts the submit endpoint on every path. Clients choose their
// own resource path, so only the method is checked.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Post("/*", h.submit)
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		h.respond(w, http.StatusMethodNotAllowed)
	})
	return r
}

func (h *Handler) submit(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(maxFormMemory); err != nil {
			h.respond(w, http.StatusBadRequest)
			return
		}
	}

	names := SplitNames(r.PostFormValue("name"))
	if len(names) == 0 {
		h.respond(w, http.StatusBadRequest)
		return
	}
	metrics.IntakeNamesReceivedTotal.Add(float64(len(names)))

	inserted, err := h.store.InsertNames(r.Context(), names)
	if err != nil {
		h.logger.Error("failed to store names", err,
			zap.Int("names", len(names)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
		h.respond(w, http.StatusInternalServerError)
		return
	}
	metrics.IntakeNamesInsertedTotal.Add(float64(inserted))

	h.logger.Debug("names stored", zap.Int("received", len(names)), zap.Int64("inserted", inserted))
	h.respond(w, http.StatusOK)
}

func (h *Handler) respond(w http.ResponseWriter, status int) {
	metrics.IntakeRequestsTotal.WithLabelValues(strconv.Itoa(status)).Inc()
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(http.StatusText(status)))
}

// SplitNames splits a comma-separated submission into trimmed, non-empty
// names. Order and duplicates are preserved.
func SplitNames(field string) []string {
	var names []string
	for _, n := range strings.Split(field, ",") {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}
	return names
}
