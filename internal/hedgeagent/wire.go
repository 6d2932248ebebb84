package hedgeagent

import (
	"bytes"
	"errors"
	"fmt"
	"math/big"

	"github.com/vmihailenco/msgpack/v5"
)

// AdjustOrderWire is the venue-facing form of a position adjustment.
// Amounts travel as decimal strings so the codec never loses precision.
type AdjustOrderWire struct {
	ID              string
	Product         string
	SizeDelta       string
	CollateralDelta string
	IsIncrease      bool
}

// SettlementWire is the venue's completion report for a prior order.
type SettlementWire struct {
	ID                      string
	IsIncrease              bool
	ExecutedSizeDelta       string
	ExecutedCollateralDelta string
	Success                 bool
}

func EncodeAdjustOrder(order AdjustOrderWire) ([]byte, error) {
	if order.ID == "" {
		return nil, errors.New("order id is required")
	}
	if order.Product == "" {
		return nil, errors.New("order product is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(5); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, "i", order.ID); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, "a", order.Product); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, "s", order.SizeDelta); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, "c", order.CollateralDelta); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("b"); err != nil {
		return nil, err
	}
	if err := enc.EncodeBool(order.IsIncrease); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeAdjustOrder(payload []byte) (AdjustOrderWire, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return AdjustOrderWire{}, err
	}
	var order AdjustOrderWire
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return AdjustOrderWire{}, err
		}
		switch key {
		case "i":
			order.ID, err = dec.DecodeString()
		case "a":
			order.Product, err = dec.DecodeString()
		case "s":
			order.SizeDelta, err = dec.DecodeString()
		case "c":
			order.CollateralDelta, err = dec.DecodeString()
		case "b":
			order.IsIncrease, err = dec.DecodeBool()
		default:
			err = dec.Skip()
		}
		if err != nil {
			return AdjustOrderWire{}, err
		}
	}
	if order.ID == "" {
		return AdjustOrderWire{}, errors.New("order id missing from payload")
	}
	return order, nil
}

func EncodeSettlement(settlement SettlementWire) ([]byte, error) {
	if settlement.ID == "" {
		return nil, errors.New("settlement id is required")
	}
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeMapLen(5); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, "i", settlement.ID); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("b"); err != nil {
		return nil, err
	}
	if err := enc.EncodeBool(settlement.IsIncrease); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, "es", settlement.ExecutedSizeDelta); err != nil {
		return nil, err
	}
	if err := encodeStringField(enc, "ec", settlement.ExecutedCollateralDelta); err != nil {
		return nil, err
	}
	if err := enc.EncodeString("ok"); err != nil {
		return nil, err
	}
	if err := enc.EncodeBool(settlement.Success); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodeSettlement(payload []byte) (SettlementWire, error) {
	dec := msgpack.NewDecoder(bytes.NewReader(payload))
	n, err := dec.DecodeMapLen()
	if err != nil {
		return SettlementWire{}, err
	}
	var settlement SettlementWire
	for i := 0; i < n; i++ {
		key, err := dec.DecodeString()
		if err != nil {
			return SettlementWire{}, err
		}
		switch key {
		case "i":
			settlement.ID, err = dec.DecodeString()
		case "b":
			settlement.IsIncrease, err = dec.DecodeBool()
		case "es":
			settlement.ExecutedSizeDelta, err = dec.DecodeString()
		case "ec":
			settlement.ExecutedCollateralDelta, err = dec.DecodeString()
		case "ok":
			settlement.Success, err = dec.DecodeBool()
		default:
			err = dec.Skip()
		}
		if err != nil {
			return SettlementWire{}, err
		}
	}
	if settlement.ID == "" {
		return SettlementWire{}, errors.New("settlement id missing from payload")
	}
	return settlement, nil
}

func encodeStringField(enc *msgpack.Encoder, key, value string) error {
	if err := enc.EncodeString(key); err != nil {
		return err
	}
	return enc.EncodeString(value)
}

func bigToWire(x *big.Int) string {
	if x == nil {
		return "0"
	}
	return x.String()
}

func wireToBig(s string) (*big.Int, error) {
	if s == "" {
		return big.NewInt(0), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("invalid wire amount: %q", s)
	}
	return v, nil
}
