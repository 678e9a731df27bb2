package server

import (
	"PerpCore/internal/event"
	"PerpCore/internal/ingestion"
	"PerpCore/internal/perperr"
	"PerpCore/internal/persistence"
	"PerpCore/internal/projection"
	"PerpCore/internal/query"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// Service names. Requests and responses are google.protobuf.Struct values
// whose fields match the JSON wire format of the NATS intake.
const (
	OperationServiceName = "perpcore.v1.OperationService"
	QueryServiceName     = "perpcore.v1.QueryService"
	AdminServiceName     = "perpcore.v1.AdminService"
)

// Handler serves the three services. It is transport-neutral: the gRPC
// descriptors and the HTTP routes both call into it.
type Handler struct {
	exec   ingestion.Executor
	query  *query.Service
	db     *sql.DB
	logger zerolog.Logger
}

// NewHandler wires the services. db may be nil; admin methods then fail
// with Unavailable.
func NewHandler(exec ingestion.Executor, qs *query.Service, db *sql.DB, logger zerolog.Logger) *Handler {
	return &Handler{exec: exec, query: qs, db: db, logger: logger}
}

// structCaller is the handler type of every hand-written service descriptor.
type structCaller interface {
	Call(ctx context.Context, service, method string, req *structpb.Struct) (*structpb.Struct, error)
}

// Operation executes one operation and returns its receipt.
func (h *Handler) Operation(ctx context.Context, opName string, req *structpb.Struct) (*structpb.Struct, error) {
	data, err := protojson.Marshal(req)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "encode request: %v", err)
	}
	op, err := ingestion.ParseOperation(opName, data)
	if err != nil {
		return nil, perperr.GRPCStatus(err)
	}
	rcpt, err := h.exec.Execute(ctx, op)
	if err != nil {
		if perperr.CodeOf(err) != perperr.CodeUnknown {
			h.logger.Debug().Str("op", opName).Str("code", perperr.CodeOf(err).String()).Str("caller", op.CallerID().String()).Msg("operation rejected")
		} else {
			h.logger.Error().Err(err).Str("op", opName).Msg("operation failed")
		}
		return nil, perperr.GRPCStatus(err)
	}
	return toStruct(rcpt)
}

type queryFunc func(ctx context.Context, h *Handler, req *structpb.Struct) (interface{}, error)

var queryMethods = map[string]queryFunc{
	"GetMarket": func(ctx context.Context, h *Handler, _ *structpb.Struct) (interface{}, error) {
		return h.query.GetMarket(ctx)
	},
	"GetOracle": func(ctx context.Context, h *Handler, _ *structpb.Struct) (interface{}, error) {
		return h.query.GetOracle(ctx)
	},
	"GetVault": func(ctx context.Context, h *Handler, req *structpb.Struct) (interface{}, error) {
		owner, err := ownerField(req)
		if err != nil {
			return nil, err
		}
		return h.query.GetVault(ctx, owner)
	},
	"GetPosition": func(ctx context.Context, h *Handler, req *structpb.Struct) (interface{}, error) {
		owner, err := ownerField(req)
		if err != nil {
			return nil, err
		}
		return h.query.GetPosition(ctx, owner, uint64(numberField(req, "position_id")))
	},
	"ListPositions": func(ctx context.Context, h *Handler, req *structpb.Struct) (interface{}, error) {
		owner, err := ownerField(req)
		if err != nil {
			return nil, err
		}
		views, err := h.query.ListPositions(ctx, owner, req.GetFields()["open_only"].GetBoolValue())
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"positions": views}, nil
	},
	"GetSettlements": func(ctx context.Context, h *Handler, req *structpb.Struct) (interface{}, error) {
		owner, err := ownerField(req)
		if err != nil {
			return nil, err
		}
		records, err := h.query.GetSettlements(ctx, owner, pageSize(req), int64(numberField(req, "before_sequence")))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"settlements": records}, nil
	},
	"GetFundingHistory": func(ctx context.Context, h *Handler, req *structpb.Struct) (interface{}, error) {
		records, err := h.query.GetFundingHistory(ctx, pageSize(req), int64(numberField(req, "before_sequence")))
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"funding": records}, nil
	},
}

var adminMethods = map[string]queryFunc{
	"VerifyIntegrity": func(ctx context.Context, h *Handler, _ *structpb.Struct) (interface{}, error) {
		return h.query.VerifyIntegrity(ctx)
	},
	"GetEventLogInfo": func(ctx context.Context, h *Handler, _ *structpb.Struct) (interface{}, error) {
		if h.db == nil {
			return nil, query.ErrNoDatabase
		}
		rp, err := persistence.NewRecoveryManager(h.db).LoadRecoveryPoint(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{
			"last_sequence": rp.Sequence,
			"state_hash":    fmt.Sprintf("%x", rp.StateHash),
		}, nil
	},
	"RebuildProjections": func(ctx context.Context, h *Handler, _ *structpb.Struct) (interface{}, error) {
		if h.db == nil {
			return nil, query.ErrNoDatabase
		}
		n, err := projection.Rebuild(ctx, h.db, h.logger)
		if err != nil {
			return nil, err
		}
		return map[string]interface{}{"replayed": n}, nil
	},
}

// Query serves a read-only method of the query or admin service.
func (h *Handler) Query(ctx context.Context, service, method string, req *structpb.Struct) (*structpb.Struct, error) {
	methods := queryMethods
	if service == AdminServiceName {
		methods = adminMethods
	}
	fn, ok := methods[method]
	if !ok {
		return nil, status.Errorf(codes.Unimplemented, "unknown method %s/%s", service, method)
	}
	if req == nil {
		req = &structpb.Struct{}
	}
	result, err := fn(ctx, h, req)
	if err != nil {
		return nil, queryStatus(err)
	}
	return toStruct(result)
}

// Call routes a request by service and method name.
func (h *Handler) Call(ctx context.Context, service, method string, req *structpb.Struct) (*structpb.Struct, error) {
	if service == OperationServiceName {
		return h.Operation(ctx, OpName(method), req)
	}
	return h.Query(ctx, service, method, req)
}

func queryStatus(err error) error {
	if errors.Is(err, query.ErrNoDatabase) {
		return status.Error(codes.Unavailable, err.Error())
	}
	return perperr.GRPCStatus(err)
}

// --- Service descriptors ---

// MethodName converts an operation name to its RPC method: set_price -> SetPrice.
func MethodName(opName string) string {
	parts := strings.Split(opName, "_")
	for i, p := range parts {
		if p != "" {
			parts[i] = strings.ToUpper(p[:1]) + p[1:]
		}
	}
	return strings.Join(parts, "")
}

// OpName is the inverse of MethodName.
func OpName(method string) string {
	var b strings.Builder
	for i, r := range method {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}

func methodHandler(service, method string) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			req := new(structpb.Struct)
			if err := dec(req); err != nil {
				return nil, err
			}
			caller := srv.(structCaller)
			if interceptor == nil {
				return caller.Call(ctx, service, method, req)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + service + "/" + method}
			return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
				return caller.Call(ctx, service, method, req.(*structpb.Struct))
			})
		},
	}
}

func serviceDesc(service string, methods []string) *grpc.ServiceDesc {
	desc := &grpc.ServiceDesc{
		ServiceName: service,
		HandlerType: (*structCaller)(nil),
		Streams:     []grpc.StreamDesc{},
	}
	for _, m := range methods {
		desc.Methods = append(desc.Methods, methodHandler(service, m))
	}
	return desc
}

// ServiceDescs returns the descriptors of the three services.
func ServiceDescs() []*grpc.ServiceDesc {
	ops := make([]string, 0, len(event.AllOpTypes))
	for _, t := range event.AllOpTypes {
		ops = append(ops, MethodName(t.String()))
	}
	return []*grpc.ServiceDesc{
		serviceDesc(OperationServiceName, ops),
		serviceDesc(QueryServiceName, sortedKeys(queryMethods)),
		serviceDesc(AdminServiceName, sortedKeys(adminMethods)),
	}
}

// --- Helpers ---

// toStruct converts a JSON-encodable value into a Struct.
func toStruct(v interface{}) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	out := new(structpb.Struct)
	if err := protojson.Unmarshal(data, out); err != nil {
		return nil, status.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func ownerField(req *structpb.Struct) (uuid.UUID, error) {
	s := req.GetFields()["owner"].GetStringValue()
	if s == "" {
		return uuid.UUID{}, perperr.New(perperr.CodeInvalidParameter, "owner is required")
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.UUID{}, perperr.New(perperr.CodeInvalidParameter, "parse owner: %v", err)
	}
	return id, nil
}

func numberField(req *structpb.Struct, name string) float64 {
	return req.GetFields()[name].GetNumberValue()
}

func pageSize(req *structpb.Struct) int {
	n := int(numberField(req, "limit"))
	if n <= 0 || n > 500 {
		return 50
	}
	return n
}

func sortedKeys(m map[string]queryFunc) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
