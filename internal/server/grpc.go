package server

import (
	"PerpCore/internal/observability"
	"context"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// GRPCServer wraps the gRPC server and the HTTP/JSON gateway mux.
type GRPCServer struct {
	grpcServer    *grpc.Server
	httpServer    *http.Server
	healthServer  *health.Server
	handler       *Handler
	grpcAddr      string
	httpAddr      string
	healthChecker *observability.HealthChecker
	logger        zerolog.Logger
}

// NewGRPCServer creates a new gRPC server with all services registered.
func NewGRPCServer(grpcAddr, httpAddr string, handler *Handler, healthChecker *observability.HealthChecker, logger zerolog.Logger) *GRPCServer {
	s := &GRPCServer{
		handler:       handler,
		grpcAddr:      grpcAddr,
		httpAddr:      httpAddr,
		healthChecker: healthChecker,
		logger:        logger,
	}

	s.grpcServer = grpc.NewServer(grpc.ChainUnaryInterceptor(s.logUnary))
	for _, desc := range ServiceDescs() {
		s.grpcServer.RegisterService(desc, handler)
	}

	// Health check
	s.healthServer = health.NewServer()
	healthpb.RegisterHealthServer(s.grpcServer, s.healthServer)
	s.healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	// Reflection for grpcurl / grpcui
	reflection.Register(s.grpcServer)

	return s
}

// GRPC exposes the underlying server, for in-process listeners.
func (s *GRPCServer) GRPC() *grpc.Server {
	return s.grpcServer
}

// SetServing flips the gRPC health status, e.g. to NOT_SERVING on shutdown.
func (s *GRPCServer) SetServing(serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.healthServer.SetServingStatus("", st)
}

func (s *GRPCServer) logUnary(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, next grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := next(ctx, req)
	ev := s.logger.Debug()
	if code := status.Code(err); code == codes.Internal || code == codes.Unknown {
		ev = s.logger.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).
		Str("code", status.Code(err).String()).
		Dur("duration", time.Since(start)).
		Msg("rpc")
	return resp, err
}

// StartGRPC starts the gRPC server (blocking).
func (s *GRPCServer) StartGRPC(ctx context.Context) error {
	lis, err := net.Listen("tcp", s.grpcAddr)
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: gRPC server shutting down...")
		s.SetServing(false)
		s.grpcServer.GracefulStop()
	}()

	log.Printf("INFO: gRPC server listening on %s", s.grpcAddr)
	return s.grpcServer.Serve(lis)
}

// HTTPHandler returns the HTTP/JSON surface: operation and query routes on a
// gateway mux plus liveness and readiness endpoints.
func (s *GRPCServer) HTTPHandler() http.Handler {
	mux := runtime.NewServeMux()
	routes := []struct {
		method, pattern string
		fn              routeFunc
	}{
		{"POST", "/v1/ops/{op}", s.handleOperation},
		{"GET", "/v1/market", s.handleQuery(QueryServiceName, "GetMarket")},
		{"GET", "/v1/oracle", s.handleQuery(QueryServiceName, "GetOracle")},
		{"GET", "/v1/vaults/{owner}", s.handleQuery(QueryServiceName, "GetVault")},
		{"GET", "/v1/positions/{owner}", s.handleQuery(QueryServiceName, "ListPositions")},
		{"GET", "/v1/positions/{owner}/{position_id}", s.handleQuery(QueryServiceName, "GetPosition")},
		{"GET", "/v1/settlements/{owner}", s.handleQuery(QueryServiceName, "GetSettlements")},
		{"GET", "/v1/funding", s.handleQuery(QueryServiceName, "GetFundingHistory")},
		{"GET", "/v1/admin/integrity", s.handleQuery(AdminServiceName, "VerifyIntegrity")},
		{"GET", "/v1/admin/event-log", s.handleQuery(AdminServiceName, "GetEventLogInfo")},
		{"POST", "/v1/admin/rebuild-projections", s.handleQuery(AdminServiceName, "RebuildProjections")},
	}
	for _, r := range routes {
		if err := mux.HandlePath(r.method, r.pattern, s.wrap(mux, r.fn)); err != nil {
			panic(fmt.Sprintf("register route %s %s: %v", r.method, r.pattern, err))
		}
	}

	httpMux := http.NewServeMux()
	if s.healthChecker != nil {
		httpMux.HandleFunc("/healthz", s.healthChecker.LivenessHandler)
		httpMux.HandleFunc("/readyz", s.healthChecker.ReadinessHandler)
	} else {
		httpMux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			fmt.Fprintf(w, `{"status":"ok"}`)
		})
	}
	httpMux.Handle("/", mux)
	return httpMux
}

// StartHTTPGateway starts the HTTP/JSON surface (blocking). Handlers call the
// services in-process rather than proxying over a client connection.
func (s *GRPCServer) StartHTTPGateway(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.httpAddr,
		Handler:           s.HTTPHandler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		log.Println("INFO: HTTP gateway shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
	}()

	log.Printf("INFO: HTTP gateway listening on %s", s.httpAddr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// --- HTTP routes ---

type routeFunc func(r *http.Request, params map[string]string) (*structpb.Struct, error)

func (s *GRPCServer) wrap(mux *runtime.ServeMux, fn routeFunc) runtime.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		_, outbound := runtime.MarshalerForRequest(mux, r)
		resp, err := fn(r, params)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, err)
			return
		}
		data, err := outbound.Marshal(resp)
		if err != nil {
			runtime.HTTPError(r.Context(), mux, outbound, w, r, status.Error(codes.Internal, err.Error()))
			return
		}
		w.Header().Set("Content-Type", outbound.ContentType(resp))
		w.WriteHeader(http.StatusOK)
		w.Write(data)
	}
}

func (s *GRPCServer) handleOperation(r *http.Request, params map[string]string) (*structpb.Struct, error) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "read body: %v", err)
	}
	req := new(structpb.Struct)
	if len(body) > 0 {
		if err := protojson.Unmarshal(body, req); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "decode body: %v", err)
		}
	}
	return s.handler.Operation(r.Context(), params["op"], req)
}

func (s *GRPCServer) handleQuery(service, method string) routeFunc {
	return func(r *http.Request, params map[string]string) (*structpb.Struct, error) {
		req, err := requestFromHTTP(r, params)
		if err != nil {
			return nil, err
		}
		return s.handler.Query(r.Context(), service, method, req)
	}
}

// requestFromHTTP merges path parameters and the query string into a Struct.
// Numeric-looking values become numbers and "true"/"false" become booleans.
func requestFromHTTP(r *http.Request, params map[string]string) (*structpb.Struct, error) {
	fields := make(map[string]interface{})
	set := func(k, v string) {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fields[k] = float64(n)
		} else if b, err := strconv.ParseBool(v); err == nil {
			fields[k] = b
		} else {
			fields[k] = v
		}
	}
	for k, vs := range r.URL.Query() {
		if len(vs) > 0 {
			set(k, vs[0])
		}
	}
	for k, v := range params {
		set(k, v)
	}
	req, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "request: %v", err)
	}
	return req, nil
}
