package server_test

import (
	"PerpCore/internal/core"
	"PerpCore/internal/event"
	"PerpCore/internal/perperr"
	"PerpCore/internal/query"
	"PerpCore/internal/server"
	"PerpCore/internal/store"
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type testEnv struct {
	server    *server.GRPCServer
	client    *server.Client
	conn      *grpc.ClientConn
	authority uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st := store.NewMemoryStore()
	clock := core.NewManualClock(time.Unix(1_700_000_000, 0))
	cfg := core.DefaultConfig()
	eng := core.NewEngine(st, clock, cfg, nil, nil, nil, nil, zerolog.Nop())
	qs := query.NewService(st, nil, clock, cfg, nil)

	h := server.NewHandler(eng, qs, nil, zerolog.Nop())
	srv := server.NewGRPCServer("bufnet", "", h, nil, zerolog.Nop())

	lis := bufconn.Listen(1 << 20)
	go srv.GRPC().Serve(lis)
	t.Cleanup(srv.GRPC().Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })

	return &testEnv{server: srv, client: server.NewClient(conn), conn: conn, authority: uuid.New()}
}

func (e *testEnv) exec(t *testing.T, op string, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	resp, err := e.client.Execute(context.Background(), op, fields)
	if err != nil {
		t.Fatalf("%s: %v", op, err)
	}
	return resp
}

func field(s *structpb.Struct, path ...string) *structpb.Value {
	v := structpb.NewStructValue(s)
	for _, p := range path {
		v = v.GetStructValue().GetFields()[p]
	}
	return v
}

// ============================================================================
// Method names
// ============================================================================

func TestMethodName_RoundTrip(t *testing.T) {
	for _, op := range event.AllOpTypes {
		m := server.MethodName(op.String())
		if got := server.OpName(m); got != op.String() {
			t.Errorf("%s: OpName(%s) = %s", op, m, got)
		}
	}
	if got := server.MethodName("update_risk_params"); got != "UpdateRiskParams" {
		t.Errorf("got %s, want UpdateRiskParams", got)
	}
}

func TestServiceDescs(t *testing.T) {
	descs := server.ServiceDescs()
	if len(descs) != 3 {
		t.Fatalf("descs: got %d, want 3", len(descs))
	}
	if got := len(descs[0].Methods); got != len(event.AllOpTypes) {
		t.Errorf("operation methods: got %d, want %d", got, len(event.AllOpTypes))
	}
}

// ============================================================================
// gRPC
// ============================================================================

func TestGRPC_OperationLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	trader := uuid.New()

	_, err := env.client.Execute(ctx, "deposit", map[string]interface{}{"caller": trader.String(), "amount": "1"})
	if !errors.Is(err, perperr.ErrNotInitialized) {
		t.Fatalf("deposit before init: got %v, want NotInitialized", err)
	}

	env.exec(t, "initialize", map[string]interface{}{"caller": env.authority.String(), "collateral_asset_id": "USDC"})
	env.exec(t, "set_price", map[string]interface{}{"caller": env.authority.String(), "price": "100"})
	dep := env.exec(t, "deposit", map[string]interface{}{"caller": trader.String(), "amount": "1000"})
	if got := field(dep, "vault", "deposited_amount").GetNumberValue(); got != 1_000_000_000 {
		t.Errorf("deposited: got %v, want 1e9", got)
	}

	open := env.exec(t, "open_position", map[string]interface{}{
		"caller": trader.String(), "direction": "long", "size": "1", "leverage": 10,
	})
	id := field(open, "position", "position_id").GetNumberValue()

	pos, err := env.client.Query(ctx, server.QueryServiceName, "GetPosition", map[string]interface{}{
		"owner": trader.String(), "position_id": id,
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := field(pos, "margin", "decimal").GetStringValue(); got != "10.000000" {
		t.Errorf("margin: got %s, want 10.000000", got)
	}
	if !field(pos, "is_open").GetBoolValue() {
		t.Error("position should be open")
	}

	_, err = env.client.Execute(ctx, "set_price", map[string]interface{}{"caller": trader.String(), "price": "1"})
	if perperr.CodeOf(err) != perperr.CodeUnauthorized {
		t.Errorf("set_price by trader: got %v, want Unauthorized", err)
	}

	closed := env.exec(t, "close_position", map[string]interface{}{"caller": trader.String(), "position_id": id})
	if got := field(closed, "vault", "locked_margin").GetNumberValue(); got != 0 {
		t.Errorf("locked after close: got %v, want 0", got)
	}
}

func TestGRPC_StatusCodes(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	invoke := func(method string, fields map[string]interface{}) error {
		req, _ := structpb.NewStruct(fields)
		return env.conn.Invoke(ctx, method, req, new(structpb.Struct))
	}

	err := invoke("/"+server.OperationServiceName+"/Deposit", map[string]interface{}{"caller": "bad"})
	if status.Code(err) != codes.InvalidArgument {
		t.Errorf("bad caller: got %v, want InvalidArgument", err)
	}
	err = invoke("/"+server.QueryServiceName+"/GetVault", map[string]interface{}{"owner": uuid.New().String()})
	if status.Code(err) != codes.NotFound {
		t.Errorf("missing vault: got %v, want NotFound", err)
	}
	err = invoke("/"+server.QueryServiceName+"/GetFundingHistory", nil)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("history without db: got %v, want Unavailable", err)
	}
	err = invoke("/"+server.AdminServiceName+"/RebuildProjections", nil)
	if status.Code(err) != codes.Unavailable {
		t.Errorf("rebuild without db: got %v, want Unavailable", err)
	}
}

// ============================================================================
// HTTP gateway
// ============================================================================

func TestHTTP_Routes(t *testing.T) {
	env := newTestEnv(t)
	ts := httptest.NewServer(env.server.HTTPHandler())
	defer ts.Close()

	post := func(path, body string) (int, string) {
		t.Helper()
		resp, err := http.Post(ts.URL+path, "application/json", strings.NewReader(body))
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}
	get := func(path string) (int, string) {
		t.Helper()
		resp, err := http.Get(ts.URL + path)
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		data, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(data)
	}

	auth := env.authority.String()
	if code, body := post("/v1/ops/initialize", `{"caller":"`+auth+`","collateral_asset_id":"USDC"}`); code != http.StatusOK {
		t.Fatalf("initialize: got %d %s", code, body)
	}
	if code, body := post("/v1/ops/set_price", `{"caller":"`+uuid.New().String()+`","price":"1"}`); code != http.StatusForbidden || !strings.Contains(body, "Unauthorized") {
		t.Errorf("unauthorized set_price: got %d %s", code, body)
	}
	if code, body := post("/v1/ops/deposit", `{"caller":"`+auth+`","amount":"12.5"}`); code != http.StatusOK {
		t.Fatalf("deposit: got %d %s", code, body)
	}
	if code, body := get("/v1/vaults/" + auth); code != http.StatusOK || !strings.Contains(body, `"12.500000"`) {
		t.Errorf("vault: got %d %s", code, body)
	}
	if code, _ := get("/v1/vaults/" + uuid.New().String()); code != http.StatusNotFound {
		t.Errorf("missing vault: got %d, want 404", code)
	}
	if code, body := get("/v1/market"); code != http.StatusOK || !strings.Contains(body, "USDC") {
		t.Errorf("market: got %d %s", code, body)
	}
	if code, _ := get("/v1/funding"); code != http.StatusServiceUnavailable {
		t.Errorf("funding without db: got %d, want 503", code)
	}
	if code, _ := get("/healthz"); code != http.StatusOK {
		t.Errorf("healthz: got %d, want 200", code)
	}
}
