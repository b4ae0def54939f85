package dataapi

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/rafaeljc/bifrost/internal/evaluation"
	"github.com/rafaeljc/bifrost/internal/logger"
	"github.com/rafaeljc/bifrost/internal/ruleengine"
)

// Evaluate evaluates one flag. It returns:
//   - OK with {flag_key, value, enabled, reason}, including for unknown flags.
//   - INVALID_ARGUMENT if flag_key or the environment is missing.
func (a *API) Evaluate(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := logger.FromContext(ctx)

	key := strings.TrimSpace(stringField(req, "flag_key"))
	if key == "" {
		log.Warn("bad request: missing flag_key")
		return nil, status.Error(codes.InvalidArgument, "flag_key is required")
	}

	ectx, err := contextFromStruct(structField(req, "context"))
	if err != nil {
		return nil, invalidContext(err)
	}

	log.Debug("evaluating flag", slog.String("flag_key", key))
	res := a.engine.Evaluate(ctx, key, ectx)

	out, err := structpb.NewStruct(resultFields(res))
	if err != nil {
		log.Error("failed to encode result", slog.String("flag_key", key), slog.String("error", err.Error()))
		return nil, status.Error(codes.Internal, "failed to encode evaluation result")
	}
	return out, nil
}

// EvaluateBatch evaluates many flags for one context. Duplicate keys are
// answered once. It returns RESOURCE_EXHAUSTED above the batch key limit.
func (a *API) EvaluateBatch(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	log := logger.FromContext(ctx)

	keys, err := stringList(req, "flag_keys")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	ectx, err := contextFromStruct(structField(req, "context"))
	if err != nil {
		return nil, invalidContext(err)
	}

	results, err := a.engine.EvaluateBatch(ctx, keys, ectx)
	if err != nil {
		if errors.Is(err, evaluation.ErrTooManyKeys) {
			log.Warn("batch rejected", slog.Int("keys", len(keys)))
			return nil, status.Error(codes.ResourceExhausted, err.Error())
		}
		log.Error("batch evaluation failed", slog.String("error", err.Error()))
		return nil, status.Error(codes.Internal, "failed to evaluate flags")
	}

	encoded := make(map[string]any, len(results))
	for k, res := range results {
		encoded[k] = resultFields(res)
	}
	out, err := structpb.NewStruct(map[string]any{"results": encoded})
	if err != nil {
		log.Error("failed to encode batch result", slog.String("error", err.Error()))
		return nil, status.Error(codes.Internal, "failed to encode evaluation results")
	}
	return out, nil
}

func invalidContext(err error) error {
	if errors.Is(err, ruleengine.ErrEnvironmentRequired) {
		return status.Error(codes.InvalidArgument, "context.environment is required")
	}
	return status.Error(codes.InvalidArgument, err.Error())
}
