// Package httpapi exposes the FirmSwap node's REST and websocket surface
// (spec.md §6). It follows the teacher's jsonrpcserver package in spirit —
// typed handlers, context-carried request metadata — adapted to plain-JSON
// REST routes instead of a JSON-RPC envelope, since FirmSwap's wire shapes
// are not JSON-RPC.
package httpapi

import (
	"encoding/json"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/firmswap/firmswap-node/aggregator"
	"github.com/firmswap/firmswap-node/registry"
	"github.com/firmswap/firmswap-node/settlement"
)

// ChainContext bundles the per-chain components the API dispatches to.
type ChainContext struct {
	ChainID       *big.Int
	Engine        *settlement.Engine
	Aggregator    *aggregator.Aggregator
	Registry      *registry.Registry
	ProxyCodeHash common.Hash
}

// Server is the FirmSwap HTTP+websocket node surface.
type Server struct {
	log    *zap.Logger
	router *mux.Router
	chains map[uint64]*ChainContext

	quoteLimiter      *rate.Limiter
	orderLimiter      *rate.Limiter
	registerLimiter   *rate.Limiter
	unregisterLimiter *rate.Limiter
	listLimiter       *rate.Limiter

	upgrader websocket.Upgrader
}

// New builds the router. chains maps chain id (as returned by
// big.Int.Uint64) to that chain's wired components.
func New(log *zap.Logger, chains map[uint64]*ChainContext) *Server {
	s := &Server{
		log:    log,
		router: mux.NewRouter(),
		chains: chains,

		quoteLimiter:      rate.NewLimiter(rate.Limit(30.0/60.0), 30),
		orderLimiter:      rate.NewLimiter(rate.Limit(60.0/60.0), 60),
		registerLimiter:   rate.NewLimiter(rate.Limit(5.0/60.0), 5),
		unregisterLimiter: rate.NewLimiter(rate.Limit(10.0/60.0), 10),
		listLimiter:       rate.NewLimiter(rate.Limit(60.0/60.0), 60),

		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/{chainId}/quote", s.withChain(s.limited(s.quoteLimiter, s.handleQuote))).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/{chainId}/order/{orderId}", s.withChain(s.limited(s.orderLimiter, s.handleOrder))).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/{chainId}/solvers/register", s.withChain(s.limited(s.registerLimiter, s.handleRegister))).Methods(http.MethodPost)
	s.router.HandleFunc("/v1/{chainId}/solvers/{address}", s.withChain(s.limited(s.unregisterLimiter, s.handleUnregister))).Methods(http.MethodDelete)
	s.router.HandleFunc("/v1/{chainId}/solvers", s.withChain(s.limited(s.listLimiter, s.handleListSolvers))).Methods(http.MethodGet)
	s.router.HandleFunc("/v1/ws", s.handleWebsocket).Methods(http.MethodGet)
}

func (s *Server) Router() http.Handler { return s.router }

type chainIDKey struct{}

// withChain resolves {chainId} from the route and rejects unknown chains
// with 404 (spec.md §6 "Unknown chain id returns 404").
func (s *Server) withChain(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := mux.Vars(r)["chainId"]
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
		ctx := r.Context()
		r = r.WithContext(withChainContext(ctx, chain))
		next(w, r)
	}
}

// limited enforces a per-route rate limit, returning 429 when exhausted
// (spec.md §6 "Rate-limit exhaustion returns 429").
func (s *Server) limited(limiter *rate.Limiter, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "time": time.Now().UTC().Format(time.RFC3339)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorBody{Error: msg})
}
