package solver

import (
	"encoding/json"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/quote"
)

// rfqRequestWire mirrors httpapi.rfqRequestWire: the node's node-to-solver
// dispatch shape (spec.md §4.8 step 3). Kept as an unexported duplicate
// rather than a shared package since the two sides evolve independently
// (the node composes it, the solver only ever consumes it).
type rfqRequestWire struct {
	InputToken         string `json:"inputToken"`
	OutputToken        string `json:"outputToken"`
	OrderType          string `json:"orderType"`
	Amount             string `json:"amount"`
	UserAddress        string `json:"userAddress"`
	OriginChainID      string `json:"originChainId"`
	DestinationChainID string `json:"destinationChainId"`
	DepositDeadline    uint32 `json:"depositDeadline"`
	FillDeadline       uint32 `json:"fillDeadline"`
}

type rfqResponseWire struct {
	Quote     quote.Wire `json:"quote"`
	Signature string     `json:"signature"`
}

// TokenSymbol resolves an on-chain token address to the pricing symbol
// Core.RequiredInput/DeliveredOutput expects.
type TokenSymbol interface {
	Symbol(chainID *big.Int, token common.Address) (string, bool)
}

// RFQServer is the reference solver's HTTP endpoint: it prices an
// incoming request with Core, signs the result with QuoteFactory, and
// returns it in the shape HTTPSolverClient expects (spec.md §4.9).
type RFQServer struct {
	log      *zap.Logger
	core     *Core
	factory  *QuoteFactory
	symbols  TokenSymbol
	quoteSym string
}

func NewRFQServer(log *zap.Logger, core *Core, factory *QuoteFactory, symbols TokenSymbol, quoteSym string) *RFQServer {
	return &RFQServer{log: log, core: core, factory: factory, symbols: symbols, quoteSym: quoteSym}
}

func (s *RFQServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/rfq", s.handleRFQ)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

func (s *RFQServer) handleRFQ(w http.ResponseWriter, r *http.Request) {
	var body rfqRequestWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok {
		http.Error(w, "invalid amount", http.StatusBadRequest)
		return
	}
	originChainID, ok := new(big.Int).SetString(body.OriginChainID, 10)
	if !ok {
		http.Error(w, "invalid originChainId", http.StatusBadRequest)
		return
	}
	destinationChainID, ok := new(big.Int).SetString(body.DestinationChainID, 10)
	if !ok {
		http.Error(w, "invalid destinationChainId", http.StatusBadRequest)
		return
	}

	inputToken := common.HexToAddress(body.InputToken)
	outputToken := common.HexToAddress(body.OutputToken)
	user := common.HexToAddress(body.UserAddress)

	baseSym, ok := s.symbols.Symbol(originChainID, inputToken)
	if !ok {
		http.Error(w, "unsupported input token", http.StatusUnprocessableEntity)
		return
	}

	var orderType quote.OrderType
	var inputAmount, outputAmount *big.Int
	var err error
	switch body.OrderType {
	case "EXACT_INPUT":
		orderType = quote.ExactInput
		inputAmount = amount
		outputAmount, err = s.core.DeliveredOutput(baseSym, s.quoteSym, amount)
	case "EXACT_OUTPUT":
		orderType = quote.ExactOutput
		outputAmount = amount
		inputAmount, err = s.core.RequiredInput(baseSym, s.quoteSym, amount)
	default:
		http.Error(w, "invalid orderType", http.StatusBadRequest)
		return
	}
	if err != nil {
		s.log.Warn("pricing failed", zap.Error(err))
		http.Error(w, "unable to price request", http.StatusUnprocessableEntity)
		return
	}

	q, sig, err := s.factory.Build(
		user,
		inputToken, inputAmount,
		outputToken, outputAmount,
		orderType,
		destinationChainID,
		body.DepositDeadline, body.FillDeadline,
	)
	if err != nil {
		s.log.Error("failed to sign quote", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(rfqResponseWire{Quote: q.ToWire(), Signature: common.Bytes2Hex(sig)})
}
