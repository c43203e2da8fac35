package restapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/warden-sh/warden/internal/core"
	"github.com/warden-sh/warden/pkg/api"
)

// Fleet is the slice of the supervisor the HTTP surface needs. The warden
// type satisfies it directly; tests substitute fakes.
type Fleet interface {
	Snapshot() api.FleetSnapshot
	Rescan(ctx context.Context) ([]string, error)
	Quarantine(ctx context.Context, id string, idx int) error
	Reinstate(ctx context.Context, id string, idx int) error
	Shutdown(ctx context.Context) error
}

// Error is the JSON error body.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

var ok = struct {
	Result string `json:"result"`
}{"ok"}

// Handler exposes the operator surface over HTTP. With a non-empty
// tokenHash every request must carry a bearer token matching the bcrypt
// hash.
type Handler struct {
	fleet     Fleet
	r         *mux.Router
	tokenHash string
}

// NewHandler builds the operator API router.
func NewHandler(fleet Fleet, tokenHash string) *Handler {
	h := &Handler{fleet: fleet, r: mux.NewRouter(), tokenHash: tokenHash}
	h.r.HandleFunc("/healthz", h.healthz).Methods("GET")
	h.r.HandleFunc("/fleet", h.getFleet).Methods("GET")
	h.r.HandleFunc("/servers", h.listServers).Methods("GET")
	h.r.HandleFunc("/servers/{server}", h.getServer).Methods("GET")
	h.r.HandleFunc("/servers/{server}/instances/{index}/quarantine", h.quarantine).Methods("POST")
	h.r.HandleFunc("/servers/{server}/instances/{index}/reinstate", h.reinstate).Methods("POST")
	h.r.HandleFunc("/rescan", h.rescan).Methods("POST")
	h.r.HandleFunc("/shutdown", h.shutdown).Methods("POST")
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if req.URL.Path != "/healthz" && !h.authorized(req) {
		h.writeError(w, &Error{http.StatusUnauthorized, "missing or invalid token"})
		return
	}
	h.r.ServeHTTP(w, req)
}

func (h *Handler) authorized(req *http.Request) bool {
	if h.tokenHash == "" {
		return true
	}
	token, found := strings.CutPrefix(req.Header.Get("Authorization"), "Bearer ")
	if !found {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(h.tokenHash), []byte(token)) == nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Write(b)
}

func (h *Handler) writeError(w http.ResponseWriter, e *Error) {
	b, err := json.Marshal(e)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(e.Code)
	w.Write(b)
}

func (h *Handler) healthz(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, ok)
}

func (h *Handler) getFleet(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, h.fleet.Snapshot())
}

func (h *Handler) listServers(w http.ResponseWriter, r *http.Request) {
	snap := h.fleet.Snapshot()
	ids := make([]string, 0, len(snap.Descriptors))
	for _, d := range snap.Descriptors {
		ids = append(ids, d.ID)
	}
	h.writeJSON(w, ids)
}

// serverView is one descriptor with its instances and health history.
type serverView struct {
	Descriptor api.DescriptorInfo           `json:"descriptor"`
	Instances  []api.InstanceInfo           `json:"instances"`
	Health     map[string][]api.HealthEntry `json:"health,omitempty"`
}

func (h *Handler) getServer(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["server"]
	snap := h.fleet.Snapshot()
	for _, d := range snap.Descriptors {
		if d.ID != id {
			continue
		}
		view := serverView{Descriptor: d, Health: make(map[string][]api.HealthEntry)}
		for _, inst := range snap.Instances {
			if inst.DescriptorID == id {
				view.Instances = append(view.Instances, inst)
			}
		}
		for key, entries := range snap.Health {
			if strings.HasPrefix(key, id+"/") {
				view.Health[key] = entries
			}
		}
		h.writeJSON(w, view)
		return
	}
	h.writeError(w, &Error{http.StatusNotFound, "server not found"})
}

func (h *Handler) instanceKey(w http.ResponseWriter, r *http.Request) (string, int, bool) {
	vars := mux.Vars(r)
	idx, err := strconv.Atoi(vars["index"])
	if err != nil || idx < 0 {
		h.writeError(w, &Error{http.StatusBadRequest, "invalid instance index"})
		return "", 0, false
	}
	return vars["server"], idx, true
}

func (h *Handler) quarantine(w http.ResponseWriter, r *http.Request) {
	id, idx, valid := h.instanceKey(w, r)
	if !valid {
		return
	}
	if err := h.fleet.Quarantine(r.Context(), id, idx); err != nil {
		h.writeError(w, statusFor(err))
		return
	}
	h.writeJSON(w, ok)
}

func (h *Handler) reinstate(w http.ResponseWriter, r *http.Request) {
	id, idx, valid := h.instanceKey(w, r)
	if !valid {
		return
	}
	if err := h.fleet.Reinstate(r.Context(), id, idx); err != nil {
		h.writeError(w, statusFor(err))
		return
	}
	h.writeJSON(w, ok)
}

func (h *Handler) rescan(w http.ResponseWriter, r *http.Request) {
	added, err := h.fleet.Rescan(r.Context())
	if err != nil {
		h.writeError(w, &Error{http.StatusInternalServerError, err.Error()})
		return
	}
	if added == nil {
		added = []string{}
	}
	h.writeJSON(w, added)
}

func (h *Handler) shutdown(w http.ResponseWriter, r *http.Request) {
	// Respond first; the fleet teardown will stop the listener.
	h.writeJSON(w, ok)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := h.fleet.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("shutdown via API failed")
		}
	}()
}

func statusFor(err error) *Error {
	switch {
	case errors.Is(err, core.ErrUnknownInstance):
		return &Error{http.StatusNotFound, err.Error()}
	case errors.Is(err, core.ErrNotQuarantined):
		return &Error{http.StatusConflict, err.Error()}
	default:
		return &Error{http.StatusInternalServerError, err.Error()}
	}
}

// Serve runs the operator API until ctx is cancelled.
func Serve(ctx context.Context, addr string, h *Handler) error {
	srv := &http.Server{Addr: addr, Handler: h}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	select {
	case <-ctx.Done():
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
