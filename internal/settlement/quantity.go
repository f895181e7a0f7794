package settlement

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
)

var ErrInvalidQuantity = errors.New("settlement: invalid quantity")

// Quantity is an amount in an asset's base units at Scale; Amount is a decimal integer string.
type Quantity struct {
	Amount string `json:"amount"`
	Scale  uint8  `json:"scale"`
}

func NewQuantity(amount uint64, scale uint8) Quantity {
	return Quantity{Amount: strconv.FormatUint(amount, 10), Scale: scale}
}

func (q Quantity) big() (*big.Int, error) {
	n, ok := new(big.Int).SetString(q.Amount, 10)
	if !ok || n.Sign() < 0 {
		return nil, fmt.Errorf("%w: %q", ErrInvalidQuantity, q.Amount)
	}
	return n, nil
}

// Normalize rescales q to scale. Scaling down truncates; the remainder is returned at q's scale
// so callers can carry it into the next settlement.
func (q Quantity) Normalize(scale uint8) (Quantity, Quantity, error) {
	n, err := q.big()
	if err != nil {
		return Quantity{}, Quantity{}, err
	}
	zero := Quantity{Amount: "0", Scale: q.Scale}
	switch {
	case scale == q.Scale:
		return Quantity{Amount: n.String(), Scale: scale}, zero, nil
	case scale > q.Scale:
		f := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(scale-q.Scale)), nil)
		return Quantity{Amount: n.Mul(n, f).String(), Scale: scale}, zero, nil
	default:
		f := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(q.Scale-scale)), nil)
		quo, rem := new(big.Int).QuoRem(n, f, new(big.Int))
		return Quantity{Amount: quo.String(), Scale: scale}, Quantity{Amount: rem.String(), Scale: q.Scale}, nil
	}
}

// Uint64 returns the amount, failing if it does not fit.
func (q Quantity) Uint64() (uint64, error) {
	n, err := q.big()
	if err != nil {
		return 0, err
	}
	if !n.IsUint64() {
		return 0, fmt.Errorf("%w: %s overflows u64", ErrInvalidQuantity, q.Amount)
	}
	return n.Uint64(), nil
}

// UnmarshalJSON also accepts a bare JSON number for amount.
func (q *Quantity) UnmarshalJSON(b []byte) error {
	var raw struct {
		Amount json.Number `json:"amount"`
		Scale  uint8       `json:"scale"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	*q = Quantity{Amount: raw.Amount.String(), Scale: raw.Scale}
	if _, err := q.big(); err != nil {
		return err
	}
	return nil
}
