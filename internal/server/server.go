// Package server exposes job status over gRPC.
//
// The service is described by hand over protobuf well-known types so no
// generated code is required:
//
//	service plan2mesh.v1.JobService {
//	  rpc GetStatus(google.protobuf.StringValue) returns (google.protobuf.Struct);
//	  rpc ListJobs(google.protobuf.Struct) returns (google.protobuf.ListValue);
//	  rpc DeleteJob(google.protobuf.StringValue) returns (google.protobuf.Empty);
//	}
package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/plan2mesh/internal/controller"
	"github.com/ChuLiYu/plan2mesh/internal/jobmanager"
	"github.com/ChuLiYu/plan2mesh/pkg/types"
)

func logger() *slog.Logger { return slog.Default() }

const (
	ServiceName = "plan2mesh.v1.JobService"

	methodGetStatus = "/" + ServiceName + "/GetStatus"
	methodListJobs  = "/" + ServiceName + "/ListJobs"
	methodDeleteJob = "/" + ServiceName + "/DeleteJob"

	defaultListLimit = 50
)

// Jobs is the part of the controller the service needs.
type Jobs interface {
	Status(id types.JobID) (controller.Report, error)
	List(filter jobmanager.ListFilter) []types.Job
	Delete(id types.JobID) error
}

// JobServiceServer is the server API for plan2mesh.v1.JobService.
type JobServiceServer interface {
	GetStatus(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.ListValue, error)
	DeleteJob(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
}

// Server implements JobServiceServer on top of the job controller.
type Server struct {
	jobs Jobs
}

// NewServer creates a new gRPC service instance.
func NewServer(jobs Jobs) *Server {
	return &Server{jobs: jobs}
}

// GetStatus returns the status report of one job.
func (s *Server) GetStatus(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	id := req.GetValue()
	if id == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	report, err := s.jobs.Status(types.JobID(id))
	if err != nil {
		return nil, toStatus(err)
	}
	return structpb.NewStruct(reportFields(report))
}

// ListJobs lists jobs newest first. Recognised fields: "limit" (number,
// default 50) and "status" (string).
func (s *Server) ListJobs(ctx context.Context, req *structpb.Struct) (*structpb.ListValue, error) {
	filter := jobmanager.ListFilter{Limit: defaultListLimit}
	fields := req.GetFields()
	if v, ok := fields["limit"]; ok {
		n := v.GetNumberValue()
		if n < 0 || n != float64(int(n)) {
			return nil, status.Error(codes.InvalidArgument, "limit must be a non-negative integer")
		}
		filter.Limit = int(n)
	}
	if v, ok := fields["status"]; ok && v.GetStringValue() != "" {
		st := types.JobStatus(v.GetStringValue())
		if !st.Valid() {
			return nil, status.Errorf(codes.InvalidArgument, "unknown status %q", st)
		}
		filter.Status = st
	}

	jobs := s.jobs.List(filter)
	items := make([]any, 0, len(jobs))
	for _, j := range jobs {
		items = append(items, jobFields(j))
	}
	return structpb.NewList(items)
}

// DeleteJob removes a job that is not processing.
func (s *Server) DeleteJob(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	if req.GetValue() == "" {
		return nil, status.Error(codes.InvalidArgument, "job id is required")
	}
	if err := s.jobs.Delete(types.JobID(req.GetValue())); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// ============================================================================
// 服務描述與註冊
// ============================================================================

// ServiceDesc is the grpc.ServiceDesc for plan2mesh.v1.JobService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStatus", Handler: getStatusHandler},
		{MethodName: "ListJobs", Handler: listJobsHandler},
		{MethodName: "DeleteJob", Handler: deleteJobHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "plan2mesh/v1/job_service.proto",
}

// Register adds srv to a grpc.Server.
func Register(s grpc.ServiceRegistrar, srv JobServiceServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func getStatusHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).GetStatus(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodGetStatus}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).GetStatus(ctx, req.(*wrapperspb.StringValue))
	})
}

func listJobsHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).ListJobs(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodListJobs}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).ListJobs(ctx, req.(*structpb.Struct))
	})
}

func deleteJobHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.StringValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(JobServiceServer).DeleteJob(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodDeleteJob}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(JobServiceServer).DeleteJob(ctx, req.(*wrapperspb.StringValue))
	})
}

// ============================================================================
// 啟動
// ============================================================================

// Serve listens on addr until ctx is cancelled, then stops gracefully.
func Serve(ctx context.Context, addr string, srv JobServiceServer) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, lis, srv)
}

// ServeListener is Serve on an existing listener.
func ServeListener(ctx context.Context, lis net.Listener, srv JobServiceServer) error {
	gs := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	Register(gs, srv)

	go func() {
		<-ctx.Done()
		gs.GracefulStop()
	}()
	logger().Info("gRPC server listening", "addr", lis.Addr().String())
	if err := gs.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	logger().Debug("grpc call", "method", info.FullMethod, "code", status.Code(err), "duration", time.Since(start))
	return resp, err
}

// ============================================================================
// 轉換
// ============================================================================

func toStatus(err error) error {
	switch {
	case errors.Is(err, jobmanager.ErrJobNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, jobmanager.ErrJobBusy):
		return status.Error(codes.FailedPrecondition, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

func reportFields(r controller.Report) map[string]any {
	m := map[string]any{
		"job_id":     string(r.JobID),
		"status":     string(r.Status),
		"progress":   r.Progress,
		"message":    r.Message,
		"created_at": r.CreatedAt.Format(time.RFC3339),
	}
	if r.Error != "" {
		m["error"] = r.Error
	}
	if r.CompletedAt != nil {
		m["completed_at"] = r.CompletedAt.Format(time.RFC3339)
	}
	if len(r.Artifacts) > 0 {
		arts := make(map[string]any, len(r.Artifacts))
		for k, v := range r.Artifacts {
			arts[k] = v
		}
		m["artifacts"] = arts
	}
	return m
}

func jobFields(j types.Job) map[string]any {
	m := map[string]any{
		"job_id":     string(j.ID),
		"status":     string(j.Status),
		"progress":   j.Progress,
		"created_at": j.CreatedAt.Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		m["completed_at"] = j.CompletedAt.Format(time.RFC3339)
	}
	return m
}
