package main

import (
	"PerpCore/internal/core"
	"PerpCore/internal/query"
	"PerpCore/internal/server"
	"PerpCore/internal/store"
	"bytes"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

func startNode(t *testing.T) string {
	t.Helper()
	st := store.NewMemoryStore()
	clock := core.NewManualClock(time.Unix(1_700_000_000, 0))
	cfg := core.DefaultConfig()
	eng := core.NewEngine(st, clock, cfg, nil, nil, nil, nil, zerolog.Nop())
	h := server.NewHandler(eng, query.NewService(st, nil, clock, cfg, nil), nil, zerolog.Nop())
	srv := server.NewGRPCServer("", "", h, nil, zerolog.Nop())

	lis, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.GRPC().Serve(lis)
	t.Cleanup(srv.GRPC().Stop)
	return lis.Addr().String()
}

func perpctl(t *testing.T, addr string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs(append([]string{"--" + addrKey, addr}, args...))
	err := cmd.Execute()
	return out.String(), err
}

// ============================================================================
// End to end over gRPC
// ============================================================================

func TestPerpctl_TradingFlow(t *testing.T) {
	addr := startNode(t)
	authority, trader := uuid.NewString(), uuid.NewString()

	steps := [][]string{
		{"init", "--caller", authority, "--max-leverage", "20"},
		{"price", "100", "--caller", authority},
		{"deposit", "50", "--caller", trader, "--request-id", "dep-1"},
		{"open", "long", "1", "--leverage", "10", "--caller", trader},
	}
	for _, args := range steps {
		if _, err := perpctl(t, addr, args...); err != nil {
			t.Fatalf("%v: %v", args, err)
		}
	}

	out, err := perpctl(t, addr, "vault", "--caller", trader)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"40.000000"`) {
		t.Errorf("vault after open: want available 40.000000, got %s", out)
	}

	out, err = perpctl(t, addr, "market")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "USDC") {
		t.Errorf("market: got %s", out)
	}

	if _, err := perpctl(t, addr, "close", "0", "--caller", trader); err != nil {
		t.Fatalf("close: %v", err)
	}
	out, err = perpctl(t, addr, "positions", trader)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "positions") {
		t.Errorf("positions: got %s", out)
	}
}

func TestPerpctl_Rejections(t *testing.T) {
	addr := startNode(t)

	if _, err := perpctl(t, addr, "deposit", "1"); err == nil || !strings.Contains(err.Error(), "--caller") {
		t.Errorf("missing caller: got %v", err)
	}
	if _, err := perpctl(t, addr, "close", "abc", "--caller", uuid.NewString()); err == nil {
		t.Error("non-numeric position id should fail")
	}
	if _, err := perpctl(t, addr, "pause", "maybe", "--caller", uuid.NewString()); err == nil {
		t.Error("non-boolean pause argument should fail")
	}
	_, err := perpctl(t, addr, "deposit", "1", "--caller", uuid.NewString())
	if err == nil || !strings.Contains(err.Error(), "NotInitialized") {
		t.Errorf("deposit before init: got %v", err)
	}
}
