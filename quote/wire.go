package quote

import (
	"encoding/json"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Wire is the JSON shape of a quote (spec.md §6): addresses as hex strings,
// 256-bit amounts as decimal-string integers so they survive JSON's float64
// precision loss.
type Wire struct {
	Solver          common.Address `json:"solver"`
	User            common.Address `json:"user"`
	InputToken      common.Address `json:"inputToken"`
	InputAmount     string         `json:"inputAmount"`
	OutputToken     common.Address `json:"outputToken"`
	OutputAmount    string         `json:"outputAmount"`
	OrderType       string         `json:"orderType"`
	OutputChainID   string         `json:"outputChainId"`
	DepositDeadline uint32         `json:"depositDeadline"`
	FillDeadline    uint32         `json:"fillDeadline"`
	Nonce           string         `json:"nonce"`
}

func orderTypeToWire(t OrderType) string {
	if t == ExactOutput {
		return "EXACT_OUTPUT"
	}
	return "EXACT_INPUT"
}

func orderTypeFromWire(s string) (OrderType, error) {
	switch s {
	case "EXACT_INPUT":
		return ExactInput, nil
	case "EXACT_OUTPUT":
		return ExactOutput, nil
	default:
		return 0, ErrInvalidOrderType
	}
}

// ToWire serializes q to its JSON wire representation.
func (q *Quote) ToWire() Wire {
	return Wire{
		Solver:          q.Solver,
		User:            q.User,
		InputToken:      q.InputToken,
		InputAmount:     q.InputAmount.String(),
		OutputToken:     q.OutputToken,
		OutputAmount:    q.OutputAmount.String(),
		OrderType:       orderTypeToWire(q.OrderType),
		OutputChainID:   q.OutputChainID.String(),
		DepositDeadline: q.DepositDeadline,
		FillDeadline:    q.FillDeadline,
		Nonce:           q.Nonce.String(),
	}
}

// FromWire parses a wire quote back into a Quote. Round-tripping ToWire then
// FromWire must preserve StructHash (spec.md §8 invariant 6).
func FromWire(w Wire) (*Quote, error) {
	orderType, err := orderTypeFromWire(w.OrderType)
	if err != nil {
		return nil, err
	}
	inputAmount, ok := new(big.Int).SetString(w.InputAmount, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	outputAmount, ok := new(big.Int).SetString(w.OutputAmount, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	outputChainID, ok := new(big.Int).SetString(w.OutputChainID, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	nonce, ok := new(big.Int).SetString(w.Nonce, 10)
	if !ok {
		return nil, ErrInvalidAmount
	}
	return &Quote{
		Solver:          w.Solver,
		User:            w.User,
		InputToken:      w.InputToken,
		InputAmount:     inputAmount,
		OutputToken:     w.OutputToken,
		OutputAmount:    outputAmount,
		OrderType:       orderType,
		OutputChainID:   outputChainID,
		DepositDeadline: w.DepositDeadline,
		FillDeadline:    w.FillDeadline,
		Nonce:           nonce,
	}, nil
}

func (q *Quote) MarshalJSON() ([]byte, error) {
	return json.Marshal(q.ToWire())
}

func (q *Quote) UnmarshalJSON(data []byte) error {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	parsed, err := FromWire(w)
	if err != nil {
		return err
	}
	*q = *parsed
	return nil
}
