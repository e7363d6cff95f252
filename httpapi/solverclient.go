package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ethereum/go-ethereum/common"

	"github.com/firmswap/firmswap-node/aggregator"
	"github.com/firmswap/firmswap-node/quote"
)

// rfqRequestWire is what the node POSTs to a solver's /rfq endpoint: the
// same request the aggregator validated, plus the deadlines it computed
// (spec.md §4.8 step 3 "dispatch").
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

// HTTPSolverClient dispatches quote requests to solvers over plain HTTP,
// implementing aggregator.SolverClient. Each call is expected to already
// be wrapped in a context.WithTimeout by the aggregator (spec.md §4.8).
type HTTPSolverClient struct {
	client *http.Client
}

func NewHTTPSolverClient() *HTTPSolverClient {
	return &HTTPSolverClient{client: &http.Client{}}
}

func (c *HTTPSolverClient) RequestQuote(ctx context.Context, endpoint string, req aggregator.Request, depositDeadline, fillDeadline uint32) (*quote.Quote, []byte, error) {
	body := rfqRequestWire{
		InputToken:         req.InputToken.Hex(),
		OutputToken:        req.OutputToken.Hex(),
		OrderType:          orderTypeWire(req.OrderType),
		Amount:             req.Amount.String(),
		UserAddress:        req.User.Hex(),
		OriginChainID:      req.OriginChainID.String(),
		DestinationChainID: req.DestinationChainID.String(),
		DepositDeadline:    depositDeadline,
		FillDeadline:       fillDeadline,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/rfq", bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, nil, fmt.Errorf("solver %s returned status %d", endpoint, resp.StatusCode)
	}

	var wire rfqResponseWire
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return nil, nil, err
	}
	q, err := quote.FromWire(wire.Quote)
	if err != nil {
		return nil, nil, err
	}
	return q, common.FromHex(wire.Signature), nil
}

func orderTypeWire(t quote.OrderType) string {
	if t == quote.ExactOutput {
		return "EXACT_OUTPUT"
	}
	return "EXACT_INPUT"
}
