package grpc

import (
	"context"
	"time"

	"go.uber.org/zap"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/lybic/agent/internal/event"
	"github.com/lybic/agent/internal/manager"
	"github.com/lybic/agent/internal/metrics"
	"github.com/lybic/agent/internal/task"
	"github.com/lybic/agent/internal/tools"
)

// ServiceName is the fully qualified gRPC service.
const ServiceName = "lybic.agent.v1.AgentService"

// ─── Messages ───

// Empty is the zero-field request/response.
type Empty struct{}

// TaskRef names one task.
type TaskRef struct {
	TaskID string `json:"task_id"`
}

// SubmitReply acknowledges an async submission.
type SubmitReply struct {
	TaskID string `json:"task_id"`
	Status string `json:"status"`
}

// CancelReply reports a cancellation attempt.
type CancelReply struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// ListRequest pages through tasks.
type ListRequest struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// ListReply carries one page plus the total count.
type ListReply struct {
	Tasks  []*task.Task `json:"tasks"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

// SetConfigRequest swaps one tool's provider wiring at runtime.
type SetConfigRequest struct {
	Tool   string               `json:"tool"`
	Config tools.ProviderConfig `json:"config"`
}

// ─── Server ───

// Server exposes the task manager over gRPC.
type Server struct {
	mgr      *manager.Manager
	registry *tools.Registry
	metrics  metrics.Recorder
	logger   *zap.SugaredLogger
}

// NewServer builds the gRPC binding. registry may be nil when runtime tool
// configuration is disabled.
func NewServer(mgr *manager.Manager, registry *tools.Registry, rec metrics.Recorder, logger *zap.SugaredLogger) *Server {
	return &Server{mgr: mgr, registry: registry, metrics: rec, logger: logger}
}

// Register attaches the hand-written service descriptor.
func (s *Server) Register(server *grpclib.Server) {
	server.RegisterService(&serviceDesc, s)
}

// toStatus maps error kinds onto gRPC codes.
func toStatus(err error) error {
	if err == nil {
		return nil
	}
	code := codes.Internal
	switch task.KindOf(err) {
	case task.KindValidation:
		code = codes.InvalidArgument
	case task.KindUnavailable:
		code = codes.ResourceExhausted
	case task.KindNotFound:
		code = codes.NotFound
	case task.KindAlreadyTerminal:
		code = codes.FailedPrecondition
	case task.KindCancelled:
		code = codes.Canceled
	}
	return status.Error(code, err.Error())
}

// observe records one finished call.
func (s *Server) observe(method string, start time.Time, err error) {
	code := codes.OK
	if st, ok := status.FromError(toStatus(err)); ok && err != nil {
		code = st.Code()
	}
	s.metrics.RPCRequest(method, code.String(), time.Since(start))
}

// ─── Methods ───

func (s *Server) GetAgentInfo(ctx context.Context, _ *Empty) (*manager.Info, error) {
	defer s.observe("GetAgentInfo", time.Now(), nil)
	info := s.mgr.Info()
	return &info, nil
}

func (s *Server) RunAgentInstructionAsync(ctx context.Context, req *task.RunRequest) (*SubmitReply, error) {
	start := time.Now()
	id, err := s.mgr.Submit(ctx, req)
	s.observe("RunAgentInstructionAsync", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return &SubmitReply{TaskID: id, Status: string(task.StatusPending)}, nil
}

func (s *Server) QueryTaskStatus(ctx context.Context, req *TaskRef) (*task.Task, error) {
	start := time.Now()
	t, err := s.mgr.Query(ctx, req.TaskID)
	s.observe("QueryTaskStatus", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return t, nil
}

func (s *Server) CancelTask(ctx context.Context, req *TaskRef) (*CancelReply, error) {
	start := time.Now()
	ok, err := s.mgr.Cancel(ctx, req.TaskID)
	s.observe("CancelTask", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	msg := "cancellation requested"
	if !ok {
		msg = "task already terminal"
	}
	return &CancelReply{Success: ok, Message: msg}, nil
}

func (s *Server) ListTasks(ctx context.Context, req *ListRequest) (*ListReply, error) {
	start := time.Now()
	tasks, total, err := s.mgr.List(ctx, req.Limit, req.Offset)
	s.observe("ListTasks", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	limit := req.Limit
	if limit <= 0 {
		limit = 20
	}
	return &ListReply{Tasks: tasks, Total: total, Limit: limit, Offset: req.Offset}, nil
}

func (s *Server) CreateSandbox(ctx context.Context, req *manager.SandboxRequest) (*manager.SandboxInfo, error) {
	start := time.Now()
	info, err := s.mgr.CreateSandbox(ctx, *req)
	s.observe("CreateSandbox", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	return info, nil
}

func (s *Server) SetGlobalConfig(ctx context.Context, req *SetConfigRequest) (*Empty, error) {
	start := time.Now()
	var err error
	if s.registry == nil {
		err = task.E(task.KindValidation, "runtime tool configuration is disabled")
	} else {
		err = s.registry.SetConfig(tools.Tool(req.Tool), req.Config)
	}
	s.observe("SetGlobalConfig", start, err)
	if err != nil {
		return nil, toStatus(err)
	}
	s.logger.Infow("Tool configuration updated", "tool", req.Tool)
	return &Empty{}, nil
}

// RunAgentInstruction streams stage events until the task is terminal.
func (s *Server) RunAgentInstruction(req *task.RunRequest, stream grpclib.ServerStream) error {
	start := time.Now()
	ctx := stream.Context()

	id, sub, err := s.mgr.RunStreaming(ctx, req)
	if err != nil {
		s.observe("RunAgentInstruction", start, err)
		return toStatus(err)
	}
	defer sub.Cancel()

	s.metrics.AddActiveStreams("RunAgentInstruction", 1)
	defer s.metrics.AddActiveStreams("RunAgentInstruction", -1)
	s.logger.Infow("Instruction stream opened", "task_id", id)

	err = s.forward(ctx, sub, stream)
	s.observe("RunAgentInstruction", start, err)
	return err
}

// forward pushes bus events into the stream until a terminal stage, the
// bus closes, or the client goes away.
func (s *Server) forward(ctx context.Context, sub *event.Subscription, stream grpclib.ServerStream) error {
	for {
		select {
		case evt, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := stream.SendMsg(evt); err != nil {
				return err
			}
			switch evt.Stage {
			case event.StageFinished, event.StageFailed, event.StageCancelled:
				return nil
			}
		case <-ctx.Done():
			return toStatus(task.WrapE(task.KindCancelled, ctx.Err(), "stream closed"))
		}
	}
}

// ─── Service Descriptor ───

func unary[Req any, Resp any](method string, call func(*Server, context.Context, *Req) (*Resp, error)) grpclib.MethodDesc {
	full := "/" + ServiceName + "/" + method
	return grpclib.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpclib.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(*Server), ctx, in)
			}
			info := &grpclib.UnaryServerInfo{Server: srv, FullMethod: full}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(*Server), ctx, req.(*Req))
			})
		},
	}
}

var serviceDesc = grpclib.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*any)(nil),
	Methods: []grpclib.MethodDesc{
		unary("GetAgentInfo", func(s *Server, ctx context.Context, req *Empty) (*manager.Info, error) {
			return s.GetAgentInfo(ctx, req)
		}),
		unary("RunAgentInstructionAsync", func(s *Server, ctx context.Context, req *task.RunRequest) (*SubmitReply, error) {
			return s.RunAgentInstructionAsync(ctx, req)
		}),
		unary("QueryTaskStatus", func(s *Server, ctx context.Context, req *TaskRef) (*task.Task, error) {
			return s.QueryTaskStatus(ctx, req)
		}),
		unary("CancelTask", func(s *Server, ctx context.Context, req *TaskRef) (*CancelReply, error) {
			return s.CancelTask(ctx, req)
		}),
		unary("ListTasks", func(s *Server, ctx context.Context, req *ListRequest) (*ListReply, error) {
			return s.ListTasks(ctx, req)
		}),
		unary("CreateSandbox", func(s *Server, ctx context.Context, req *manager.SandboxRequest) (*manager.SandboxInfo, error) {
			return s.CreateSandbox(ctx, req)
		}),
		unary("SetGlobalConfig", func(s *Server, ctx context.Context, req *SetConfigRequest) (*Empty, error) {
			return s.SetGlobalConfig(ctx, req)
		}),
	},
	Streams: []grpclib.StreamDesc{
		{
			StreamName:    "RunAgentInstruction",
			ServerStreams: true,
			Handler: func(srv any, stream grpclib.ServerStream) error {
				in := new(task.RunRequest)
				if err := stream.RecvMsg(in); err != nil {
					return err
				}
				return srv.(*Server).RunAgentInstruction(in, stream)
			},
		},
	},
	Metadata: "lybic/agent/v1/agent_service.json",
}
