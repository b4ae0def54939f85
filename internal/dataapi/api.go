// Package dataapi implements the gRPC transport for flag evaluation.
// It serves the hot read path for SDKs that prefer gRPC over REST.
//
// The service is bifrost.v1.Evaluation. Requests and responses are
// google.protobuf.Struct documents so that any gRPC client can call it with
// the well-known types alone:
//
//	Evaluate:      {"flag_key": "...", "context": {...}}
//	EvaluateBatch: {"flag_keys": ["..."], "context": {...}}
//
// The context document uses the same snake_case names as the REST API.
package dataapi

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/bifrost/internal/ruleengine"
	"github.com/rafaeljc/bifrost/internal/validation"
)

// Fully-qualified names of the evaluation service and its methods.
const (
	ServiceName         = "bifrost.v1.Evaluation"
	EvaluateMethod      = "/" + ServiceName + "/Evaluate"
	EvaluateBatchMethod = "/" + ServiceName + "/EvaluateBatch"
)

// Evaluator is the slice of the evaluation engine the gRPC service needs.
type Evaluator interface {
	Evaluate(ctx context.Context, flagKey string, ectx ruleengine.EvaluationContext) ruleengine.EvaluationResult
	EvaluateBatch(ctx context.Context, flagKeys []string, ectx ruleengine.EvaluationContext) (map[string]ruleengine.EvaluationResult, error)
}

// EvaluationServer is the server API of bifrost.v1.Evaluation.
type EvaluationServer interface {
	Evaluate(context.Context, *structpb.Struct) (*structpb.Struct, error)
	EvaluateBatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

// API implements EvaluationServer on top of the engine.
type API struct {
	engine Evaluator
}

var _ EvaluationServer = (*API)(nil)

// NewAPI creates the gRPC evaluation service.
func NewAPI(engine Evaluator) *API {
	validation.AssertPresent(engine, "dataapi engine")
	return &API{engine: engine}
}

// Register connects this implementation to the grpc.Server engine.
func (a *API) Register(s grpc.ServiceRegistrar) {
	s.RegisterService(&ServiceDesc, a)
}

// ServiceDesc describes bifrost.v1.Evaluation for grpc.ServiceRegistrar.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
		{MethodName: "EvaluateBatch", Handler: evaluateBatchHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "bifrost/v1/evaluation.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServer).Evaluate(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServer).Evaluate(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

func evaluateBatchHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(EvaluationServer).EvaluateBatch(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateBatchMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(EvaluationServer).EvaluateBatch(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}
