package httpapi

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/settlement"
)

// eventWire is the outbound shape pushed to websocket subscribers
// (spec.md §6 "event stream").
type eventWire struct {
	Kind           string           `json:"kind"`
	OrderID        string           `json:"orderId"`
	User           string           `json:"user,omitempty"`
	Solver         string           `json:"solver,omitempty"`
	InputToken     string           `json:"inputToken,omitempty"`
	InputAmount    string           `json:"inputAmount,omitempty"`
	OutputToken    string           `json:"outputToken,omitempty"`
	OutputAmount   string           `json:"outputAmount,omitempty"`
	FillDeadline   uint32           `json:"fillDeadline,omitempty"`
	AmountReturned string           `json:"amountReturned,omitempty"`
	BondSlashed    string           `json:"bondSlashed,omitempty"`
	Token          string           `json:"token,omitempty"`
	MinReceived    *tokenAmountWire `json:"minReceived,omitempty"`
	MaxSpent       *tokenAmountWire `json:"maxSpent,omitempty"`
}

// tokenAmountWire mirrors the cross-chain intent standard's minReceived/
// maxSpent shape (spec.md §283).
type tokenAmountWire struct {
	Token   string `json:"token"`
	Address string `json:"address"`
	ChainID string `json:"chainId"`
	Amount  string `json:"amount"`
}

func tokenAmountWireFrom(t settlement.TokenAmount) *tokenAmountWire {
	return &tokenAmountWire{
		Token:   t.Token.Hex(),
		Address: t.Address.Hex(),
		ChainID: amountString(t.ChainID),
		Amount:  amountString(t.Amount),
	}
}

func amountString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

// handleWebsocket upgrades the connection and streams order events for a
// single chain, selected via ?chainId=. Unknown chain ids are rejected
// before the upgrade so the client gets a plain HTTP 404 instead of a
// websocket close frame.
func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("chainId")
	id, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chain id")
		return
	}
	chain, ok := s.chains[id.Uint64()]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown chain id")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	events, cancel := chain.Engine.Events().Subscribe(32)
	defer cancel()

	// Drain client reads so we notice the connection closing; the API is
	// server-push only so any message from the client is discarded.
	go func() {
		for {
			if _, _, err := conn.NextReader(); err != nil {
				cancel()
				return
			}
		}
	}()

	ping := time.NewTicker(30 * time.Second)
	defer ping.Stop()

	for {
		select {
		case ev, open := <-events:
			if !open {
				return
			}
			wire := eventWire{
				Kind:           string(ev.Kind),
				OrderID:        ev.OrderID.Hex(),
				User:           ev.User.Hex(),
				Solver:         ev.Solver.Hex(),
				InputToken:     ev.InputToken.Hex(),
				InputAmount:    amountString(ev.InputAmount),
				OutputToken:    ev.OutputToken.Hex(),
				OutputAmount:   amountString(ev.OutputAmount),
				FillDeadline:   ev.FillDeadline,
				AmountReturned: amountString(ev.AmountReturned),
				BondSlashed:    amountString(ev.BondSlashed),
				Token:          ev.Token.Hex(),
			}
			if ev.Kind == settlement.EventResolvedOrder {
				wire.MinReceived = tokenAmountWireFrom(ev.MinReceived)
				wire.MaxSpent = tokenAmountWireFrom(ev.MaxSpent)
			}
			b, err := json.Marshal(wire)
			if err != nil {
				continue
			}
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
