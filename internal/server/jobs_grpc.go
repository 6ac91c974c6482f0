package server

import (
	"context"
	"errors"
	"fmt"
	"io"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// The Jobs service is described by hand with well-known message types, so
// no generated stubs are needed on either side.

const ServiceName = "secateur.v1.Jobs"

const (
	methodSubmit  = "/" + ServiceName + "/Submit"
	methodStatus  = "/" + ServiceName + "/Status"
	methodFetch   = "/" + ServiceName + "/Fetch"
	methodHistory = "/" + ServiceName + "/History"
)

// JobsServer is the server API for the Jobs service.
type JobsServer interface {
	Submit(context.Context, *wrapperspb.StringValue) (*wrapperspb.StringValue, error)
	Status(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
	Fetch(*wrapperspb.StringValue, FetchStream) error
	History(context.Context, *wrapperspb.StringValue) (*structpb.Struct, error)
}

// FetchStream is the server side of a Fetch call.
type FetchStream interface {
	Send(*wrapperspb.BytesValue) error
	grpc.ServerStream
}

type fetchServerStream struct {
	grpc.ServerStream
}

func (s *fetchServerStream) Send(m *wrapperspb.BytesValue) error {
	return s.ServerStream.SendMsg(m)
}

// RegisterJobsServer registers srv on s.
func RegisterJobsServer(s grpc.ServiceRegistrar, srv JobsServer) {
	s.RegisterService(&JobsServiceDesc, srv)
}

func unary[Req any, Resp any](method string, call func(JobsServer, context.Context, *Req) (Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(JobsServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: method}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(JobsServer), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

func fetchHandler(srv interface{}, stream grpc.ServerStream) error {
	in := new(wrapperspb.StringValue)
	if err := stream.RecvMsg(in); err != nil {
		return err
	}
	return srv.(JobsServer).Fetch(in, &fetchServerStream{stream})
}

var JobsServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*JobsServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "Submit",
			Handler: unary(methodSubmit, func(s JobsServer, ctx context.Context, in *wrapperspb.StringValue) (*wrapperspb.StringValue, error) {
				return s.Submit(ctx, in)
			}),
		},
		{
			MethodName: "Status",
			Handler: unary(methodStatus, func(s JobsServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return s.Status(ctx, in)
			}),
		},
		{
			MethodName: "History",
			Handler: unary(methodHistory, func(s JobsServer, ctx context.Context, in *wrapperspb.StringValue) (*structpb.Struct, error) {
				return s.History(ctx, in)
			}),
		},
	},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "Fetch",
			Handler:       fetchHandler,
			ServerStreams: true,
		},
	},
	Metadata: "secateur/v1/jobs.proto",
}

// JobStatus is the client view of a Status response.
type JobStatus struct {
	JobID    string
	Stage    string
	Progress string
	Reason   string
}

// HistoryEvent is one entry of a History response.
type HistoryEvent struct {
	Stage  string
	Reason string
	At     string
}

// Client calls the Jobs service over an existing connection.
type Client struct {
	cc grpc.ClientConnInterface
}

func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Submit sends the raw query string and returns the job id.
func (c *Client) Submit(ctx context.Context, rawQuery string, opts ...grpc.CallOption) (string, error) {
	out := new(wrapperspb.StringValue)
	if err := c.cc.Invoke(ctx, methodSubmit, wrapperspb.String(rawQuery), out, opts...); err != nil {
		return "", err
	}
	return out.GetValue(), nil
}

func (c *Client) Status(ctx context.Context, jobID string, opts ...grpc.CallOption) (JobStatus, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodStatus, wrapperspb.String(jobID), out, opts...); err != nil {
		return JobStatus{}, err
	}
	f := out.GetFields()
	return JobStatus{
		JobID:    f["job_id"].GetStringValue(),
		Stage:    f["stage"].GetStringValue(),
		Progress: f["progress"].GetStringValue(),
		Reason:   f["reason"].GetStringValue(),
	}, nil
}

// Fetch streams the job artifact into w and returns the number of bytes written.
func (c *Client) Fetch(ctx context.Context, jobID string, w io.Writer, opts ...grpc.CallOption) (int64, error) {
	stream, err := c.cc.NewStream(ctx, &JobsServiceDesc.Streams[0], methodFetch, opts...)
	if err != nil {
		return 0, err
	}
	if err := stream.SendMsg(wrapperspb.String(jobID)); err != nil {
		return 0, err
	}
	if err := stream.CloseSend(); err != nil {
		return 0, err
	}
	var total int64
	for {
		chunk := new(wrapperspb.BytesValue)
		err := stream.RecvMsg(chunk)
		if errors.Is(err, io.EOF) {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		n, err := w.Write(chunk.GetValue())
		total += int64(n)
		if err != nil {
			return total, fmt.Errorf("write artifact: %w", err)
		}
	}
}

func (c *Client) History(ctx context.Context, jobID string, opts ...grpc.CallOption) ([]HistoryEvent, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodHistory, wrapperspb.String(jobID), out, opts...); err != nil {
		return nil, err
	}
	var events []HistoryEvent
	for _, v := range out.GetFields()["events"].GetListValue().GetValues() {
		f := v.GetStructValue().GetFields()
		events = append(events, HistoryEvent{
			Stage:  f["stage"].GetStringValue(),
			Reason: f["reason"].GetStringValue(),
			At:     f["at"].GetStringValue(),
		})
	}
	return events, nil
}
