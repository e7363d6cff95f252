package httpapi

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"

	"github.com/firmswap/firmswap-node/aggregator"
	"github.com/firmswap/firmswap-node/quote"
	"github.com/firmswap/firmswap-node/registry"
)

// quoteRequestWire is the inbound shape for POST /v1/{chainId}/quote
// (spec.md §6 "quote request").
type quoteRequestWire struct {
	InputToken         string `json:"inputToken"`
	OutputToken        string `json:"outputToken"`
	OrderType          string `json:"orderType"`
	Amount             string `json:"amount"`
	UserAddress        string `json:"userAddress"`
	OriginChainID      string `json:"originChainId"`
	DestinationChainID string `json:"destinationChainId"`
	DepositWindow      *int64 `json:"depositWindow,omitempty"`
	DepositMode        string `json:"depositMode"`
}

type quoteResponseWire struct {
	Quote             quote.Wire   `json:"quote"`
	SolverSignature   string       `json:"solverSignature"`
	DepositAddress    *string      `json:"depositAddress,omitempty"`
	AlternativeQuotes []quote.Wire `json:"alternativeQuotes"`
}

func (s *Server) handleQuote(w http.ResponseWriter, r *http.Request) {
	chain := chainFromContext(r.Context())

	var body quoteRequestWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	amount, ok := new(big.Int).SetString(body.Amount, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid amount")
		return
	}
	originChainID, ok := new(big.Int).SetString(body.OriginChainID, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid originChainId")
		return
	}
	destinationChainID, ok := new(big.Int).SetString(body.DestinationChainID, 10)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid destinationChainId")
		return
	}

	var orderType quote.OrderType
	switch body.OrderType {
	case "EXACT_INPUT":
		orderType = quote.ExactInput
	case "EXACT_OUTPUT":
		orderType = quote.ExactOutput
	default:
		writeError(w, http.StatusBadRequest, "invalid orderType")
		return
	}

	var depositMode quote.DepositMode
	switch body.DepositMode {
	case "CONTRACT", "":
		depositMode = quote.DepositModeContract
	case "ADDRESS":
		depositMode = quote.DepositModeAddress
	default:
		writeError(w, http.StatusBadRequest, "invalid depositMode")
		return
	}

	req := aggregator.Request{
		InputToken:         common.HexToAddress(body.InputToken),
		OutputToken:        common.HexToAddress(body.OutputToken),
		OrderType:          orderType,
		Amount:             amount,
		User:               common.HexToAddress(body.UserAddress),
		OriginChainID:      originChainID,
		DestinationChainID: destinationChainID,
		DepositMode:        depositMode,
	}
	if body.DepositWindow != nil {
		req.DepositWindow = time.Duration(*body.DepositWindow) * time.Second
	}

	if chain.Aggregator == nil {
		writeError(w, http.StatusServiceUnavailable, "aggregator not configured for chain")
		return
	}

	result, err := chain.Aggregator.Quote(r.Context(), req, &chain.ProxyCodeHash)
	if err != nil {
		switch err {
		case aggregator.ErrNoQuotes:
			writeError(w, http.StatusServiceUnavailable, "no solvers available")
		case aggregator.ErrWrongOrigin:
			writeError(w, http.StatusBadRequest, "origin chain id does not match route")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}

	resp := quoteResponseWire{
		Quote:           result.Best.ToWire(),
		SolverSignature: "0x" + common.Bytes2Hex(result.BestSignature),
	}
	if result.DepositAddress != nil {
		addr := result.DepositAddress.Hex()
		resp.DepositAddress = &addr
	}
	for _, alt := range result.Alternatives {
		resp.AlternativeQuotes = append(resp.AlternativeQuotes, alt.ToWire())
	}
	writeJSON(w, http.StatusOK, resp)
}

type orderStatusWire struct {
	OrderID      string `json:"orderId"`
	State        string `json:"state"`
	User         string `json:"user"`
	Solver       string `json:"solver"`
	InputToken   string `json:"inputToken"`
	InputAmount  string `json:"inputAmount"`
	OutputToken  string `json:"outputToken"`
	OutputAmount string `json:"outputAmount"`
	FillDeadline uint32 `json:"fillDeadline"`
}

func (s *Server) handleOrder(w http.ResponseWriter, r *http.Request) {
	chain := chainFromContext(r.Context())
	orderIDHex := mux.Vars(r)["orderId"]

	order, ok := chain.Engine.Order(common.HexToHash(orderIDHex))
	if !ok {
		writeJSON(w, http.StatusOK, orderStatusWire{OrderID: orderIDHex, State: "NONE"})
		return
	}

	writeJSON(w, http.StatusOK, orderStatusWire{
		OrderID:      order.OrderID.Hex(),
		State:        order.State.String(),
		User:         order.User.Hex(),
		Solver:       order.Solver.Hex(),
		InputToken:   order.InputToken.Hex(),
		InputAmount:  order.InputAmount.String(),
		OutputToken:  order.OutputToken.Hex(),
		OutputAmount: order.OutputAmount.String(),
		FillDeadline: order.FillDeadline,
	})
}

type registerRequestWire struct {
	Address     string `json:"address"`
	Name        string `json:"name"`
	Endpoint    string `json:"endpoint"`
	TimestampMs int64  `json:"timestampMs"`
	Signature   string `json:"signature"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	chain := chainFromContext(r.Context())

	var body registerRequestWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sig := common.FromHex(body.Signature)
	addr := common.HexToAddress(body.Address)

	err := chain.Registry.Register(r.Context(), chain.ChainID, addr, body.Name, body.Endpoint, body.TimestampMs, sig)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "registered"})
	case errors.Is(err, registry.ErrSignerMismatch), errors.Is(err, registry.ErrTimestampOutOfSkew), errors.Is(err, registry.ErrReplayedSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, registry.ErrInvalidEndpoint), errors.Is(err, registry.ErrInsufficientBond), errors.Is(err, registry.ErrSolverCapReached):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type unregisterRequestWire struct {
	TimestampMs int64  `json:"timestampMs"`
	Signature   string `json:"signature"`
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	chain := chainFromContext(r.Context())
	addr := common.HexToAddress(mux.Vars(r)["address"])

	var body unregisterRequestWire
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	sig := common.FromHex(body.Signature)

	err := chain.Registry.Unregister(r.Context(), chain.ChainID, addr, body.TimestampMs, sig)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "unregistered"})
	case errors.Is(err, registry.ErrSignerMismatch), errors.Is(err, registry.ErrTimestampOutOfSkew), errors.Is(err, registry.ErrReplayedSignature):
		writeError(w, http.StatusUnauthorized, err.Error())
	case errors.Is(err, registry.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

type solverWire struct {
	Address  string `json:"address"`
	Name     string `json:"name"`
	Endpoint string `json:"endpoint"`
}

func (s *Server) handleListSolvers(w http.ResponseWriter, r *http.Request) {
	chain := chainFromContext(r.Context())
	solvers := chain.Registry.List(chain.ChainID)
	out := make([]solverWire, 0, len(solvers))
	for _, sv := range solvers {
		out = append(out, solverWire{Address: sv.Address.Hex(), Name: sv.Name, Endpoint: sv.Endpoint})
	}
	writeJSON(w, http.StatusOK, out)
}
