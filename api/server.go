// Package api exposes an engine over HTTP so a browser front end can query
// views and drive the filters.
package api

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/timearcs/timearcs/engine"
	"github.com/timearcs/timearcs/ingestor"
	"github.com/timearcs/timearcs/output"
)

const shutdownTimeout = 5 * time.Second

// Server holds the dependencies of the HTTP handlers.
type Server struct {
	engine    *engine.Engine
	eventFile string
	started   time.Time
	router    *mux.Router
}

// NewServer creates a server for e. eventFile is only reported back in
// view responses.
func NewServer(e *engine.Engine, eventFile string) *Server {
	s := &Server{
		engine:    e,
		eventFile: eventFile,
		started:   time.Now(),
		router:    mux.NewRouter(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	r := s.router.PathPrefix("/api/v1").Subrouter()

	r.HandleFunc("/view", s.viewHandler).Methods(http.MethodGet)
	r.HandleFunc("/scale", s.scaleHandler).Methods(http.MethodGet)

	r.HandleFunc("/filters", s.filtersHandler).Methods(http.MethodGet)
	r.HandleFunc("/filters/flows", s.selectFlowsHandler).Methods(http.MethodPut)
	r.HandleFunc("/filters/flows", s.clearFlowsHandler).Methods(http.MethodDelete)
	r.HandleFunc("/filters/phases/{phase}", s.phaseHandler).Methods(http.MethodPost)
	r.HandleFunc("/filters/close-types/{type}/toggle", s.closeTypeHandler).Methods(http.MethodPost)
	r.HandleFunc("/filters/invalid-reasons/{reason}/toggle", s.invalidReasonHandler).Methods(http.MethodPost)
	r.HandleFunc("/filters/endpoints", s.endpointsHandler).Methods(http.MethodPut)

	r.HandleFunc("/layout/rows", s.rowsHandler).Methods(http.MethodPut)
	r.HandleFunc("/aggregation", s.aggregationHandler).Methods(http.MethodPut)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("API server starting on %s", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("could not listen on %s: %w", addr, err)
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return err
		}
		return nil
	case <-ctx.Done():
	}

	log.Println("API server shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func (s *Server) viewHandler(w http.ResponseWriter, r *http.Request) {
	start, end := s.engine.Extent()
	vp := engine.Viewport{Start: start, End: end}

	q := r.URL.Query()
	var err error
	if vp.Start, err = int64Param(q.Get("start"), vp.Start); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid start: %w", err))
		return
	}
	if vp.End, err = int64Param(q.Get("end"), vp.End); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid end: %w", err))
		return
	}
	if raw := q.Get("width"); raw != "" {
		width, err := strconv.Atoi(raw)
		if err != nil || width <= 0 {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid width %q", raw))
			return
		}
		vp.PixelWidth = width
	}
	visibleOnly := q.Get("visibleOnly") == "true"

	v, err := s.engine.View(r.Context(), vp)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	out := output.NewViewOutput("serve", s.started)
	out.General.EventFile = s.eventFile
	out.General.TotalEvents = s.engine.EventCount()
	out.General.Endpoints = v.Layout.Len()
	out.SetView(v, visibleOnly)
	out.SetFilters(s.engine)
	out.UpdateDuration(s.started)

	writeJSON(w, http.StatusOK, out)
}

func (s *Server) scaleHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.SizeScale())
}

func (s *Server) filtersHandler(w http.ResponseWriter, r *http.Request) {
	s.writeFilters(w)
}

type flowsRequest struct {
	Keys []string `json:"keys"`
}

func (s *Server) selectFlowsHandler(w http.ResponseWriter, r *http.Request) {
	var req flowsRequest
	if !decode(w, r, &req) {
		return
	}
	if len(req.Keys) == 0 {
		s.engine.ClearFlowSelection()
	} else {
		s.engine.SelectFlows(req.Keys)
	}
	s.writeFilters(w)
}

func (s *Server) clearFlowsHandler(w http.ResponseWriter, r *http.Request) {
	s.engine.ClearFlowSelection()
	s.writeFilters(w)
}

type enabledRequest struct {
	Enabled *bool `json:"enabled"`
}

func (s *Server) phaseHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["phase"]
	phase, ok := ingestor.ParsePhase(name)
	if !ok {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown phase %q", name))
		return
	}
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	if err := s.engine.SetPhase(phase, *req.Enabled); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.writeFilters(w)
}

func (s *Server) closeTypeHandler(w http.ResponseWriter, r *http.Request) {
	closeType := mux.Vars(r)["type"]
	if !known(ingestor.CloseTypes, closeType) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown close type %q", closeType))
		return
	}
	s.engine.ToggleHiddenCloseType(closeType)
	s.writeFilters(w)
}

func (s *Server) invalidReasonHandler(w http.ResponseWriter, r *http.Request) {
	reason := mux.Vars(r)["reason"]
	if !known(ingestor.InvalidReasons, reason) {
		writeError(w, http.StatusBadRequest, fmt.Errorf("unknown invalid reason %q", reason))
		return
	}
	s.engine.ToggleHiddenInvalidReason(reason)
	s.writeFilters(w)
}

type endpointsRequest struct {
	Endpoints []string `json:"endpoints"`
	Match     string   `json:"match"`
}

func (s *Server) endpointsHandler(w http.ResponseWriter, r *http.Request) {
	var req endpointsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.SetEndpointFilter(req.Endpoints, req.Match); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type rowsRequest struct {
	Order []string `json:"order"`
}

func (s *Server) rowsHandler(w http.ResponseWriter, r *http.Request) {
	var req rowsRequest
	if !decode(w, r, &req) {
		return
	}
	if err := s.engine.ReorderRows(req.Order); err != nil {
		if errors.Is(err, engine.ErrNoData) {
			writeEngineError(w, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]string{"order": s.engine.Layout().Order()})
}

func (s *Server) aggregationHandler(w http.ResponseWriter, r *http.Request) {
	var req enabledRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Enabled == nil {
		writeError(w, http.StatusBadRequest, errors.New("enabled is required"))
		return
	}
	s.engine.SetAggregationEnabled(*req.Enabled)
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": s.engine.AggregationEnabled()})
}

func (s *Server) writeFilters(w http.ResponseWriter) {
	out := output.NewViewOutput("serve", s.started)
	out.SetFilters(s.engine)
	writeJSON(w, http.StatusOK, out.Filters)
}

func known(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

func int64Param(raw string, def int64) (int64, error) {
	if raw == "" {
		return def, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}
