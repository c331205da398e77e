// Package httpapi exposes the job operations over HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/fx"

	"github.com/tigerroll/logstats/pkg/pipeline/core/application/usecase"
	"github.com/tigerroll/logstats/pkg/pipeline/core/config"
	model "github.com/tigerroll/logstats/pkg/pipeline/core/domain/model"
	inframetrics "github.com/tigerroll/logstats/pkg/pipeline/infrastructure/metrics"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/exception"
	"github.com/tigerroll/logstats/pkg/pipeline/support/util/logger"
)

const maxBodyBytes = 1 << 20

// Params are the Server's collaborators.
type Params struct {
	fx.In

	Operator *usecase.JobOperator
	Config   *config.HTTPConfig               `optional:"true"`
	Metrics  *inframetrics.PrometheusRecorder `optional:"true"`
}

// Server serves the job API.
type Server struct {
	op     *usecase.JobOperator
	addr   string
	router *mux.Router
	srv    *http.Server
}

// NewServer creates a Server and its routes.
func NewServer(p Params) *Server {
	s := &Server{op: p.Operator, addr: ":8080", router: mux.NewRouter()}
	if p.Config != nil && p.Config.Addr != "" {
		s.addr = p.Config.Addr
	}

	s.router.HandleFunc("/jobs/{type}", s.submitJob).Methods(http.MethodPost)
	s.router.HandleFunc("/jobs", s.listJobs).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.getJob).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}/result", s.getJobResult).Methods(http.MethodGet)
	s.router.HandleFunc("/jobs/{id}", s.cancelJob).Methods(http.MethodDelete)
	if p.Metrics != nil {
		s.router.Handle("/metrics", p.Metrics.Handler()).Methods(http.MethodGet)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the listen address and serves in the background.
func (s *Server) Start(context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{Handler: s.router, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Errorf("HTTP server stopped: %v", err)
		}
	}()
	logger.Infof("HTTP API listening on %s.", ln.Addr())
	return nil
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

type submitResponse struct {
	ID string `json:"id"`
}

type resultResponse struct {
	State         model.JobState `json:"state"`
	Result        any            `json:"result,omitempty"`
	PartialResult any            `json:"partial_result,omitempty"`
	Error         string         `json:"error,omitempty"`
}

type cancelResponse struct {
	Cancelled bool `json:"cancelled"`
}

type errorResponse struct {
	Error string `json:"error"`
}

// submitJob handles POST /jobs/{type}. The body is a JSON object of job parameters and
// may be empty.
func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(body) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	id, err := s.op.SubmitJob(r.Context(), mux.Vars(r)["type"], params)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.Header().Set("Location", "/jobs/"+id)
	writeJSON(w, http.StatusAccepted, submitResponse{ID: id})
}

func (s *Server) listJobs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.op.ListJobs())
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	status, err := s.op.GetJobStatus(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) getJobResult(w http.ResponseWriter, r *http.Request) {
	res, err := s.op.GetJobResult(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	out := resultResponse{State: res.State, Result: res.Result, PartialResult: res.PartialResult}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	writeJSON(w, http.StatusOK, out)
}

// cancelJob handles DELETE /jobs/{id}. A job that already finished answers 409.
func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	ok, err := s.op.CancelJob(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, cancelResponse{Cancelled: false})
		return
	}
	writeJSON(w, http.StatusOK, cancelResponse{Cancelled: true})
}

func statusFor(err error) int {
	switch {
	case exception.IsNotFound(err):
		return http.StatusNotFound
	case exception.IsKind(err, exception.KindSerialization):
		return http.StatusBadRequest
	case errors.Is(err, usecase.ErrJobNotTerminal), errors.Is(err, usecase.ErrCancellationUnavailable):
		return http.StatusConflict
	case errors.Is(err, usecase.ErrQueueStopped):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Warnf("Failed to write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		logger.Errorf("Request failed: %v", err)
	}
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// Module provides the Server and runs it for the lifetime of the application.
var Module = fx.Options(
	fx.Provide(NewServer),
	fx.Invoke(func(lc fx.Lifecycle, s *Server) {
		lc.Append(fx.Hook{OnStart: s.Start, OnStop: s.Stop})
	}),
)
