package provider

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/supportersimulator/categorizer/internal/classifier"
)

// ClassifyMethod is the unary method called on gRPC classification services.
// Request and response are google.protobuf.Struct messages.
const ClassifyMethod = "/categorizer.v1.Classifier/Classify"

// GRPCProvider calls a classification service over gRPC.
type GRPCProvider struct {
	endpoint string
	apiKey   string
	model    string
	conn     *grpc.ClientConn
}

// NewGRPCProvider creates a client connection. The connection is established
// lazily on the first call.
func NewGRPCProvider(_ context.Context, cfg Config) (*GRPCProvider, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("grpc backend requires an endpoint")
	}

	target := cfg.Endpoint
	var opts []grpc.DialOption
	if strings.HasPrefix(target, "https://") || strings.HasSuffix(target, ":443") {
		opts = append(opts, grpc.WithTransportCredentials(credentials.NewTLS(&tls.Config{})))
		target = strings.TrimPrefix(target, "https://")
	} else {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
		target = strings.TrimPrefix(target, "http://")
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create grpc client for %s: %w", target, err)
	}
	return &GRPCProvider{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		conn:     conn,
	}, nil
}

func (p *GRPCProvider) Name() string {
	return "grpc"
}

// Close releases the connection.
func (p *GRPCProvider) Close() error {
	return p.conn.Close()
}

func (p *GRPCProvider) Invoke(ctx context.Context, req classifier.Request) (string, error) {
	in, err := requestStruct(p.model, req)
	if err != nil {
		return "", err
	}
	if p.apiKey != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+p.apiKey)
	}

	out := &structpb.Struct{}
	if err := p.conn.Invoke(ctx, ClassifyMethod, in, out); err != nil {
		return "", statusError(p.Name(), err)
	}
	return responseText(out)
}

func requestStruct(model string, req classifier.Request) (*structpb.Struct, error) {
	items := make([]any, 0, len(req.Items))
	for _, item := range req.Items {
		fields := make(map[string]any, len(item.Fields))
		for k, v := range item.Fields {
			fields[k] = v
		}
		items = append(items, map[string]any{"caseID": item.CaseID, "fields": fields})
	}
	labels := make([]any, 0, len(req.Labels))
	for _, l := range req.Labels {
		labels = append(labels, l)
	}

	in, err := structpb.NewStruct(map[string]any{
		"batchID": req.BatchID,
		"model":   model,
		"system":  req.System,
		"prompt":  req.Prompt,
		"labels":  labels,
		"items":   items,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build grpc request: %w", err)
	}
	return in, nil
}

// responseText returns the "text" field when the service answers with raw
// model output, otherwise the whole message as JSON.
func responseText(out *structpb.Struct) (string, error) {
	if v, ok := out.GetFields()["text"]; ok {
		if s, ok := v.GetKind().(*structpb.Value_StringValue); ok {
			return s.StringValue, nil
		}
	}
	b, err := json.Marshal(out.AsMap())
	if err != nil {
		return "", fmt.Errorf("failed to encode grpc response: %w", err)
	}
	return string(b), nil
}

// statusError maps a gRPC status to an HTTP-style StatusError so the
// classifier client handles every backend the same way.
func statusError(backend string, err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return fmt.Errorf("grpc call failed: %w", err)
	}
	switch st.Code() {
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	}

	se := &classifier.StatusError{
		Backend: backend,
		Code:    httpCode(st.Code()),
		Message: st.Message(),
	}
	for _, d := range st.Details() {
		if info, ok := d.(*errdetails.RetryInfo); ok && info.GetRetryDelay() != nil {
			se.RetryAfter = info.GetRetryDelay().AsDuration()
		}
	}
	return se
}

func httpCode(c codes.Code) int {
	switch c {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return http.StatusBadRequest
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.AlreadyExists, codes.Aborted:
		return http.StatusConflict
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unimplemented:
		return http.StatusNotImplemented
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
