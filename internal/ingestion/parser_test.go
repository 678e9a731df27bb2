package ingestion_test

import (
	"PerpCore/internal/event"
	"PerpCore/internal/ingestion"
	"PerpCore/internal/perperr"
	"PerpCore/internal/state"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
)

const callerID = "550e8400-e29b-41d4-a716-446655440000"

func payloadJSON(t *testing.T, v map[string]interface{}) []byte {
	t.Helper()
	if _, ok := v["caller"]; !ok {
		v["caller"] = callerID
	}
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func mustParse(t *testing.T, op string, v map[string]interface{}) event.Operation {
	t.Helper()
	parsed, err := ingestion.ParseOperation(op, payloadJSON(t, v))
	if err != nil {
		t.Fatalf("parse %s: %v", op, err)
	}
	return parsed
}

func TestParseDeposit(t *testing.T) {
	op := mustParse(t, "deposit", map[string]interface{}{
		"amount":     "100.5",
		"request_id": "dep-1",
	})

	d, ok := op.(*event.Deposit)
	if !ok {
		t.Fatalf("expected *event.Deposit, got %T", op)
	}
	if d.Amount != 100_500_000 {
		t.Errorf("amount: got %d, want 100_500_000", d.Amount)
	}
	if d.Caller != uuid.MustParse(callerID) {
		t.Errorf("caller: got %s, want %s", d.Caller, callerID)
	}
	if d.RequestID != "dep-1" {
		t.Errorf("request_id: got %q, want dep-1", d.RequestID)
	}
}

func TestParseWithdraw(t *testing.T) {
	w, ok := mustParse(t, "withdraw", map[string]interface{}{"amount": "0.000001"}).(*event.Withdraw)
	if !ok {
		t.Fatal("expected *event.Withdraw")
	}
	if w.Amount != 1 {
		t.Errorf("amount: got %d, want 1", w.Amount)
	}
}

func TestParseSetPrice(t *testing.T) {
	p := mustParse(t, "set_price", map[string]interface{}{"price": "64250.25"}).(*event.SetPrice)
	if p.Price != 64_250_250_000 {
		t.Errorf("price: got %d, want 64_250_250_000", p.Price)
	}
}

func TestParseOpenPosition(t *testing.T) {
	op := mustParse(t, "open_position", map[string]interface{}{
		"direction": "Short",
		"size":      "0.5",
		"leverage":  10,
	})

	o, ok := op.(*event.OpenPosition)
	if !ok {
		t.Fatalf("expected *event.OpenPosition, got %T", op)
	}
	if o.Direction != state.DirectionShort {
		t.Errorf("direction: got %s, want Short", o.Direction)
	}
	if o.Size != 500_000_000 {
		t.Errorf("size: got %d, want 500_000_000", o.Size)
	}
	if o.Leverage != 10 {
		t.Errorf("leverage: got %d, want 10", o.Leverage)
	}
}

func TestParseClosePosition_DefaultsOwner(t *testing.T) {
	c := mustParse(t, "close_position", map[string]interface{}{"position_id": 7}).(*event.ClosePosition)
	if c.PositionID != 7 {
		t.Errorf("position_id: got %d, want 7", c.PositionID)
	}
	if c.PositionOwner() != uuid.MustParse(callerID) {
		t.Errorf("owner: got %s, want caller", c.PositionOwner())
	}

	other := uuid.New()
	c = mustParse(t, "close_position", map[string]interface{}{"position_id": 7, "owner": other.String()}).(*event.ClosePosition)
	if c.PositionOwner() != other {
		t.Errorf("owner: got %s, want %s", c.PositionOwner(), other)
	}
}

func TestParseLiquidate(t *testing.T) {
	owner := uuid.New()
	l := mustParse(t, "liquidate", map[string]interface{}{"owner": owner.String(), "position_id": 2}).(*event.Liquidate)
	if l.Owner != owner || l.PositionID != 2 {
		t.Errorf("liquidate: got owner=%s id=%d", l.Owner, l.PositionID)
	}
}

func TestParseInitialize_RiskOverrides(t *testing.T) {
	op := mustParse(t, "initialize", map[string]interface{}{
		"collateral_asset_id":    "USDC",
		"max_leverage":           20,
		"maintenance_margin_bps": 250,
	})

	initOp, ok := op.(*event.Initialize)
	if !ok {
		t.Fatalf("expected *event.Initialize, got %T", op)
	}
	if initOp.CollateralAssetID != "USDC" {
		t.Errorf("asset: got %q, want USDC", initOp.CollateralAssetID)
	}
	if initOp.Risk.MaxLeverage == nil || *initOp.Risk.MaxLeverage != 20 {
		t.Errorf("max_leverage: got %v, want 20", initOp.Risk.MaxLeverage)
	}
	if initOp.Risk.MaintenanceMarginBPS == nil || *initOp.Risk.MaintenanceMarginBPS != 250 {
		t.Errorf("maintenance_margin_bps: got %v, want 250", initOp.Risk.MaintenanceMarginBPS)
	}
	if initOp.Risk.LiquidationFeeBPS != nil {
		t.Errorf("liquidation_fee_bps: got %d, want unset", *initOp.Risk.LiquidationFeeBPS)
	}
}

func TestParseFlagOperations(t *testing.T) {
	if p := mustParse(t, "set_paused", map[string]interface{}{"paused": true}).(*event.SetPaused); !p.Paused {
		t.Error("paused: got false, want true")
	}
	if _, ok := mustParse(t, "apply_funding", map[string]interface{}{}).(*event.ApplyFunding); !ok {
		t.Error("expected *event.ApplyFunding")
	}
	u := mustParse(t, "update_risk_params", map[string]interface{}{"liquidation_fee_bps": 0}).(*event.UpdateRiskParams)
	if u.Risk.LiquidationFeeBPS == nil || *u.Risk.LiquidationFeeBPS != 0 {
		t.Errorf("liquidation_fee_bps: got %v, want explicit 0", u.Risk.LiquidationFeeBPS)
	}
}

// Zero is a valid wire value; the engine rejects it with its own code.
func TestParseZeroAmount_LeftToEngine(t *testing.T) {
	d := mustParse(t, "deposit", map[string]interface{}{"amount": "0"}).(*event.Deposit)
	if d.Amount != 0 {
		t.Errorf("amount: got %d, want 0", d.Amount)
	}
}

func TestParse_Rejections(t *testing.T) {
	tests := []struct {
		name string
		op   string
		data string
		want perperr.Code
	}{
		{"unknown operation", "transfer", `{"caller":"` + callerID + `"}`, perperr.CodeInvalidParameter},
		{"invalid json", "deposit", `{invalid json`, perperr.CodeInvalidParameter},
		{"missing caller", "deposit", `{"amount":"1"}`, perperr.CodeInvalidParameter},
		{"invalid caller", "deposit", `{"caller":"not-a-uuid","amount":"1"}`, perperr.CodeInvalidParameter},
		{"missing amount", "deposit", `{"caller":"` + callerID + `"}`, perperr.CodeInvalidParameter},
		{"negative amount", "withdraw", `{"caller":"` + callerID + `","amount":"-1"}`, perperr.CodeInvalidParameter},
		{"excess precision", "deposit", `{"caller":"` + callerID + `","amount":"1.0000001"}`, perperr.CodeInvalidParameter},
		{"numeric amount", "deposit", `{"caller":"` + callerID + `","amount":5}`, perperr.CodeInvalidParameter},
		{"amount overflow", "deposit", `{"caller":"` + callerID + `","amount":"99999999999999999999"}`, perperr.CodeMathOverflow},
		{"bad direction", "open_position", `{"caller":"` + callerID + `","direction":"up","size":"1","leverage":2}`, perperr.CodeInvalidParameter},
		{"missing size", "open_position", `{"caller":"` + callerID + `","direction":"long","leverage":2}`, perperr.CodeInvalidParameter},
		{"missing price", "set_price", `{"caller":"` + callerID + `"}`, perperr.CodeInvalidParameter},
		{"liquidate without owner", "liquidate", `{"caller":"` + callerID + `","position_id":1}`, perperr.CodeInvalidParameter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ingestion.ParseOperation(tt.op, []byte(tt.data))
			if got := perperr.CodeOf(err); got != tt.want {
				t.Errorf("got %v (%s), want %s", err, got, tt.want)
			}
		})
	}
}
