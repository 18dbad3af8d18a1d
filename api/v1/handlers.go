package v1

import (
	"errors"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/tinoosan/mirrord/internal/engine"
	"github.com/tinoosan/mirrord/internal/reqid"
	"github.com/tinoosan/mirrord/internal/service"
	"github.com/tinoosan/mirrord/internal/task"
)

// TaskHandler serves the task API.
type TaskHandler struct {
	l   *slog.Logger
	svc service.Tasks
}

func NewTaskHandler(l *slog.Logger, svc service.Tasks) *TaskHandler {
	return &TaskHandler{l: l, svc: svc}
}

// submitBody is the POST /v1/tasks payload. seedTime is in seconds.
type submitBody struct {
	Kind          string   `json:"kind"`
	Source        string   `json:"source"`
	TargetPath    string   `json:"targetPath"`
	Name          string   `json:"name"`
	Tag           string   `json:"tag"`
	CallbackURL   string   `json:"callbackUrl"`
	Seed          bool     `json:"seed"`
	SeedRatio     float64  `json:"seedRatio"`
	SeedTime      int64    `json:"seedTime"`
	StopDuplicate bool     `json:"stopDuplicate"`
	Headers       []string `json:"headers"`
}

type stopReply struct {
	Cancelled int `json:"cancelled"`
}

func (b submitBody) request() (service.Request, error) {
	kind := inferKind(b.Source)
	if b.Kind != "" {
		k, ok := engine.ParseKind(strings.ToLower(b.Kind))
		if !ok {
			return service.Request{}, ErrKind
		}
		kind = k
	}
	if b.SeedRatio < 0 || b.SeedTime < 0 {
		return service.Request{}, ErrSeedLimits
	}
	return service.Request{
		Kind:          kind,
		Source:        b.Source,
		TargetPath:    b.TargetPath,
		Name:          b.Name,
		Tag:           b.Tag,
		CallbackURL:   b.CallbackURL,
		Seed:          b.Seed,
		SeedRatio:     b.SeedRatio,
		SeedTime:      time.Duration(b.SeedTime) * time.Second,
		StopDuplicate: b.StopDuplicate,
		Headers:       b.Headers,
	}, nil
}

// inferKind guesses the backend from the source when the client omits kind.
func inferKind(src string) engine.Kind {
	s := strings.ToLower(strings.TrimSpace(src))
	if i := strings.IndexAny(s, "?#"); i >= 0 && !strings.HasPrefix(s, "magnet:") {
		s = s[:i]
	}
	switch {
	case strings.HasPrefix(s, "magnet:"), path.Ext(s) == ".torrent":
		return engine.KindTorrent
	case path.Ext(s) == ".nzb":
		return engine.KindNZB
	default:
		return engine.KindDirect
	}
}

func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	list := h.svc.List(r.Context())
	if list == nil {
		list = []task.View{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Get(r.Context(), mux.Vars(r)["mid"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// SubmitTask starts a transfer. Tasks over the concurrency ceiling are
// accepted in the Queued state.
func (h *TaskHandler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	var body submitBody
	if err := decodeJSONStrict(w, r, &body); err != nil {
		markErr(w, err)
		if errors.Is(err, ErrContentType) {
			http.Error(w, err.Error(), http.StatusUnsupportedMediaType)
			return
		}
		http.Error(w, "invalid JSON: "+err.Error(), http.StatusBadRequest)
		return
	}
	req, err := body.request()
	if err != nil {
		h.fail(w, r, err)
		return
	}
	v, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	code := http.StatusCreated
	if v.State == task.StateQueued {
		code = http.StatusAccepted
	}
	writeJSON(w, code, v)
}

func (h *TaskHandler) CancelTask(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Cancel(r.Context(), mux.Vars(r)["mid"])
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (h *TaskHandler) StopAll(w http.ResponseWriter, r *http.Request) {
	n := h.svc.StopAll(r.Context())
	reqid.Logger(r.Context(), h.l).Info("stop all requested", "cancelled", n)
	writeJSON(w, http.StatusOK, stopReply{Cancelled: n})
}

// fail maps service errors to HTTP status codes.
func (h *TaskHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	markErr(w, err)
	switch {
	case errors.Is(err, ErrKind), errors.Is(err, ErrSeedLimits),
		errors.Is(err, service.ErrInvalidSource), errors.Is(err, service.ErrTargetPath),
		errors.Is(err, service.ErrUnknownKind):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, task.ErrNotFound):
		http.Error(w, "Not found", http.StatusNotFound)
	case errors.Is(err, engine.ErrRejected):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		reqid.Logger(r.Context(), h.l).Debug("backend call failed", "err", err)
		http.Error(w, "backend unavailable", http.StatusBadGateway)
	}
}
