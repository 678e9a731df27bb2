package ingestion

import (
	"PerpCore/internal/event"
	fpmath "PerpCore/internal/math"
	"PerpCore/internal/perperr"
	"PerpCore/internal/state"
	"encoding/json"

	"github.com/google/uuid"
)

// ParseOperation converts a JSON wire payload for the named operation into
// a typed event.Operation. Malformed input is an InvalidParameter error;
// value checks such as zero amounts are left to the engine.
func ParseOperation(opName string, data []byte) (event.Operation, error) {
	opType, err := event.ParseOpType(opName)
	if err != nil {
		return nil, perperr.New(perperr.CodeInvalidParameter, "%v", err)
	}

	switch opType {
	case event.OpTypeInitialize:
		return parseInitialize(data)
	case event.OpTypeSetPrice:
		return parseSetPrice(data)
	case event.OpTypeDeposit:
		var j amountJSON
		m, err := decode(data, &j, &j.metaJSON)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Deposit{Meta: m, Amount: amount}, nil
	case event.OpTypeWithdraw:
		var j amountJSON
		m, err := decode(data, &j, &j.metaJSON)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", j.Amount)
		if err != nil {
			return nil, err
		}
		return &event.Withdraw{Meta: m, Amount: amount}, nil
	case event.OpTypeOpenPosition:
		return parseOpenPosition(data)
	case event.OpTypeClosePosition:
		return parseClosePosition(data)
	case event.OpTypeLiquidate:
		return parseLiquidate(data)
	case event.OpTypeApplyFunding:
		var j metaJSON
		m, err := decode(data, &j, &j)
		if err != nil {
			return nil, err
		}
		return &event.ApplyFunding{Meta: m}, nil
	case event.OpTypeSetPaused:
		var j setPausedJSON
		m, err := decode(data, &j, &j.metaJSON)
		if err != nil {
			return nil, err
		}
		return &event.SetPaused{Meta: m, Paused: j.Paused}, nil
	case event.OpTypeUpdateRiskParams:
		var j riskJSON
		m, err := decode(data, &j, &j.metaJSON)
		if err != nil {
			return nil, err
		}
		return &event.UpdateRiskParams{Meta: m, Risk: j.update()}, nil
	}
	return nil, perperr.New(perperr.CodeInvalidParameter, "unsupported operation %q", opName)
}

// --- JSON wire formats ---
// Quantities travel as decimal strings ("100.5") in display units.

type metaJSON struct {
	Caller    string `json:"caller"`
	RequestID string `json:"request_id,omitempty"`
}

type riskJSON struct {
	metaJSON
	MaxLeverage          *uint32 `json:"max_leverage,omitempty"`
	MaintenanceMarginBPS *uint32 `json:"maintenance_margin_bps,omitempty"`
	LiquidationFeeBPS    *uint32 `json:"liquidation_fee_bps,omitempty"`
}

func (j riskJSON) update() state.RiskParamsUpdate {
	return state.RiskParamsUpdate{
		MaxLeverage:          j.MaxLeverage,
		MaintenanceMarginBPS: j.MaintenanceMarginBPS,
		LiquidationFeeBPS:    j.LiquidationFeeBPS,
	}
}

type initializeJSON struct {
	riskJSON
	CollateralAssetID string `json:"collateral_asset_id"`
}

type priceJSON struct {
	metaJSON
	Price string `json:"price"`
}

type amountJSON struct {
	metaJSON
	Amount string `json:"amount"`
}

type openPositionJSON struct {
	metaJSON
	Direction string `json:"direction"`
	Size      string `json:"size"`
	Leverage  uint32 `json:"leverage"`
}

type positionRefJSON struct {
	metaJSON
	Owner      string `json:"owner,omitempty"`
	PositionID uint64 `json:"position_id"`
}

type setPausedJSON struct {
	metaJSON
	Paused bool `json:"paused"`
}

// decode unmarshals data into v and resolves the embedded meta fields.
func decode(data []byte, v interface{}, meta *metaJSON) (event.Meta, error) {
	if err := json.Unmarshal(data, v); err != nil {
		return event.Meta{}, perperr.New(perperr.CodeInvalidParameter, "malformed payload: %v", err)
	}
	caller, err := parseAccount("caller", meta.Caller)
	if err != nil {
		return event.Meta{}, err
	}
	return event.Meta{Caller: caller, RequestID: meta.RequestID}, nil
}

func parseAccount(field, s string) (state.AccountID, error) {
	if s == "" {
		return state.AccountID{}, perperr.New(perperr.CodeInvalidParameter, "%s is required", field)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return state.AccountID{}, perperr.New(perperr.CodeInvalidParameter, "parse %s: %v", field, err)
	}
	return id, nil
}

func parseAmount(field, s string) (uint64, error) {
	if s == "" {
		return 0, perperr.New(perperr.CodeInvalidParameter, "%s is required", field)
	}
	return fpmath.AmountConfig.Parse(s)
}

func parseInitialize(data []byte) (*event.Initialize, error) {
	var j initializeJSON
	m, err := decode(data, &j, &j.metaJSON)
	if err != nil {
		return nil, err
	}
	return &event.Initialize{Meta: m, CollateralAssetID: j.CollateralAssetID, Risk: j.update()}, nil
}

func parseSetPrice(data []byte) (*event.SetPrice, error) {
	var j priceJSON
	m, err := decode(data, &j, &j.metaJSON)
	if err != nil {
		return nil, err
	}
	if j.Price == "" {
		return nil, perperr.New(perperr.CodeInvalidParameter, "price is required")
	}
	price, err := fpmath.PriceConfig.Parse(j.Price)
	if err != nil {
		return nil, err
	}
	return &event.SetPrice{Meta: m, Price: price}, nil
}

func parseOpenPosition(data []byte) (*event.OpenPosition, error) {
	var j openPositionJSON
	m, err := decode(data, &j, &j.metaJSON)
	if err != nil {
		return nil, err
	}
	d, err := state.ParseDirection(j.Direction)
	if err != nil {
		return nil, err
	}
	if j.Size == "" {
		return nil, perperr.New(perperr.CodeInvalidParameter, "size is required")
	}
	size, err := fpmath.SizeConfig.Parse(j.Size)
	if err != nil {
		return nil, err
	}
	return &event.OpenPosition{Meta: m, Direction: d, Size: size, Leverage: j.Leverage}, nil
}

func parseClosePosition(data []byte) (*event.ClosePosition, error) {
	var j positionRefJSON
	m, err := decode(data, &j, &j.metaJSON)
	if err != nil {
		return nil, err
	}
	op := &event.ClosePosition{Meta: m, PositionID: j.PositionID}
	if j.Owner != "" {
		if op.Owner, err = parseAccount("owner", j.Owner); err != nil {
			return nil, err
		}
	}
	return op, nil
}

func parseLiquidate(data []byte) (*event.Liquidate, error) {
	var j positionRefJSON
	m, err := decode(data, &j, &j.metaJSON)
	if err != nil {
		return nil, err
	}
	owner, err := parseAccount("owner", j.Owner)
	if err != nil {
		return nil, err
	}
	return &event.Liquidate{Meta: m, Owner: owner, PositionID: j.PositionID}, nil
}
