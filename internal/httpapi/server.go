// Package httpapi exposes the task manager over HTTP. Task submission,
// queries and cancellation are plain JSON endpoints; the synchronous run
// endpoint streams stage events as Server-Sent Events.
package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/lybic/agent/internal/event"
	grpcapi "github.com/lybic/agent/internal/grpc"
	"github.com/lybic/agent/internal/manager"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// Server is the HTTP binding. It shares message shapes with the gRPC
// binding so both transports speak the same JSON.
type Server struct {
	mgr      *manager.Manager
	registry *tools.Registry
	metrics  metrics.Recorder
	logger   *zap.SugaredLogger
}

// NewServer builds the HTTP binding. registry may be nil when runtime tool
// configuration is disabled.
func NewServer(mgr *manager.Manager, registry *tools.Registry, rec metrics.Recorder, logger *zap.SugaredLogger) *Server {
	return &Server{mgr: mgr, registry: registry, metrics: rec, logger: logger}
}

// Handler routes the v1 surface.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/info", s.handleInfo)
	mux.HandleFunc("POST /v1/tasks", s.handleSubmit)
	mux.HandleFunc("POST /v1/tasks:run", s.handleRun)
	mux.HandleFunc("GET /v1/tasks", s.handleList)
	mux.HandleFunc("GET /v1/tasks/{id}", s.handleGet)
	mux.HandleFunc("POST /v1/tasks/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /v1/sandboxes", s.handleCreateSandbox)
	mux.HandleFunc("PUT /v1/config/tools", s.handleSetConfig)
	return mux
}

// httpStatus maps error kinds onto HTTP statuses.
func httpStatus(err error) int {
	switch task.KindOf(err) {
	case task.KindValidation:
		return http.StatusBadRequest
	case task.KindUnavailable:
		return http.StatusServiceUnavailable
	case task.KindNotFound:
		return http.StatusNotFound
	case task.KindAlreadyTerminal:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func (s *Server) writeError(w http.ResponseWriter, method string, err error) {
	code := httpStatus(err)
	s.metrics.Error(method, strconv.Itoa(code))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(errorBody{Error: err.Error(), Kind: task.KindOf(err).String()})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warnw("Response write failed", "error", err)
	}
}

func (s *Server) observe(method string, start time.Time) {
	s.metrics.RPCRequest(method, "", time.Since(start))
}

func decode[T any](r *http.Request) (*T, error) {
	v := new(T)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return nil, task.WrapE(task.KindValidation, err, "decode request body")
	}
	return v, nil
}

// ─── Handlers ───

func (s *Server) handleInfo(w http.ResponseWriter, r *http.Request) {
	defer s.observe("GetAgentInfo", time.Now())
	info := s.mgr.Info()
	s.writeJSON(w, http.StatusOK, &info)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	defer s.observe("RunAgentInstructionAsync", time.Now())
	req, err := decode[task.RunRequest](r)
	if err != nil {
		s.writeError(w, "RunAgentInstructionAsync", err)
		return
	}
	id, err := s.mgr.Submit(r.Context(), req)
	if err != nil {
		s.writeError(w, "RunAgentInstructionAsync", err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, &grpcapi.SubmitReply{
		TaskID: id,
		Status: string(task.StatusPending),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	defer s.observe("ListTasks", time.Now())
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	tasks, total, err := s.mgr.List(r.Context(), limit, offset)
	if err != nil {
		s.writeError(w, "ListTasks", err)
		return
	}
	if limit <= 0 {
		limit = 20
	}
	s.writeJSON(w, http.StatusOK, &grpcapi.ListReply{
		Tasks: tasks, Total: total, Limit: limit, Offset: offset,
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	defer s.observe("QueryTaskStatus", time.Now())
	t, err := s.mgr.Query(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "QueryTaskStatus", err)
		return
	}
	s.writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	defer s.observe("CancelTask", time.Now())
	ok, err := s.mgr.Cancel(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, "CancelTask", err)
		return
	}
	msg := "cancellation requested"
	if !ok {
		msg = "task already terminal"
	}
	s.writeJSON(w, http.StatusOK, &grpcapi.CancelReply{Success: ok, Message: msg})
}

func (s *Server) handleCreateSandbox(w http.ResponseWriter, r *http.Request) {
	defer s.observe("CreateSandbox", time.Now())
	req, err := decode[manager.SandboxRequest](r)
	if err != nil {
		s.writeError(w, "CreateSandbox", err)
		return
	}
	info, err := s.mgr.CreateSandbox(r.Context(), *req)
	if err != nil {
		s.writeError(w, "CreateSandbox", err)
		return
	}
	s.writeJSON(w, http.StatusCreated, info)
}

func (s *Server) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	defer s.observe("SetGlobalConfig", time.Now())
	req, err := decode[grpcapi.SetConfigRequest](r)
	if err != nil {
		s.writeError(w, "SetGlobalConfig", err)
		return
	}
	if s.registry == nil {
		s.writeError(w, "SetGlobalConfig", task.E(task.KindValidation, "runtime tool configuration is disabled"))
		return
	}
	if err := s.registry.SetConfig(tools.Tool(req.Tool), req.Config); err != nil {
		s.writeError(w, "SetGlobalConfig", err)
		return
	}
	s.logger.Infow("Tool configuration updated", "tool", req.Tool)
	s.writeJSON(w, http.StatusOK, &grpcapi.Empty{})
}

// ─── SSE ───

// handleRun submits a task and streams its stage events as Server-Sent
// Events until the task reaches a terminal stage. The stream ends with an
// `eof` event so clients can tell completion from a dropped connection.
func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	req, err := decode[task.RunRequest](r)
	if err != nil {
		s.writeError(w, "RunAgentInstruction", err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, "RunAgentInstruction", task.E(task.KindValidation, "streaming unsupported by connection"))
		return
	}

	id, sub, err := s.mgr.RunStreaming(r.Context(), req)
	if err != nil {
		s.writeError(w, "RunAgentInstruction", err)
		return
	}
	defer sub.Cancel()

	s.metrics.AddActiveStreams("RunAgentInstruction", 1)
	defer s.metrics.AddActiveStreams("RunAgentInstruction", -1)
	defer s.observe("RunAgentInstruction", start)
	s.logger.Infow("Instruction stream opened", "task_id", id, "remote", r.RemoteAddr)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				s.writeFrame(w, flusher, 0, "eof", []byte("{}"))
				return
			}
			data, err := json.Marshal(evt)
			if err != nil {
				s.logger.Errorw("Event marshal failed", "task_id", id, "error", err)
				continue
			}
			s.writeFrame(w, flusher, evt.Seq, string(evt.Stage), data)
			switch evt.Stage {
			case event.StageFinished, event.StageFailed, event.StageCancelled:
				s.writeFrame(w, flusher, 0, "eof", []byte("{}"))
				return
			}
		case <-r.Context().Done():
			s.logger.Infow("Instruction stream closed by client", "task_id", id)
			return
		}
	}
}

// writeFrame emits one SSE frame. A zero seq omits the id field.
func (s *Server) writeFrame(w http.ResponseWriter, flusher http.Flusher, seq uint64, name string, data []byte) {
	if seq > 0 {
		fmt.Fprintf(w, "id: %d\n", seq)
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)
	flusher.Flush()
}
