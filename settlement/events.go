package settlement

import (
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// EventKind identifies a settlement-engine event type (spec.md §4.6 "Events
// emitted", §6 websocket push stream).
type EventKind string

const (
	EventDeposited       EventKind = "Deposited"
	EventSettled         EventKind = "Settled"
	EventRefunded        EventKind = "Refunded"
	EventTokensRecovered EventKind = "TokensRecovered"
	EventExcessDeposit   EventKind = "ExcessDeposit"
	EventExcessWithdrawn EventKind = "ExcessWithdrawn"

	// EventResolvedOrder is the cross-chain-intent-standard "open" event
	// (spec.md §4.6, §6, §283): every new order also surfaces as a
	// resolved order whose MaxSpent points at (inputToken, solver,
	// chainId) and MinReceived at (outputToken, user, outputChainId).
	// Observational only; no cross-chain execution is performed.
	EventResolvedOrder EventKind = "ResolvedOrder"
)

// TokenAmount is one leg of a resolved cross-chain order (a token, the
// address it is owed to/spent from, the chain it lives on, and the
// amount), matching the cross-chain intent standard's minReceived/
// maxSpent shape (spec.md §283).
type TokenAmount struct {
	Token   common.Address
	Address common.Address
	ChainID *big.Int
	Amount  *big.Int
}

// Event is a single settlement-engine event, broadcast to subscribers such
// as the httpapi websocket stream.
type Event struct {
	Kind           EventKind
	OrderID        common.Hash
	User           common.Address
	Solver         common.Address
	InputToken     common.Address
	InputAmount    *big.Int
	OutputToken    common.Address
	OutputAmount   *big.Int
	FillDeadline   uint32
	AmountReturned *big.Int
	BondSlashed    *big.Int
	Token          common.Address

	// MinReceived/MaxSpent are populated only on EventResolvedOrder.
	MinReceived TokenAmount
	MaxSpent    TokenAmount
}

// Broadcaster fans out events to any number of subscribers. Each
// subscriber gets its own buffered channel; a slow subscriber drops events
// rather than blocking the engine (mirrors the non-reentrancy rule that no
// suspension point may hold the engine's mutex, spec.md §5).
type Broadcaster struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new listener. Callers must call the returned
// cancel function to unsubscribe.
func (b *Broadcaster) Subscribe(buffer int) (ch <-chan Event, cancel func()) {
	c := make(chan Event, buffer)
	b.mu.Lock()
	b.subs[c] = struct{}{}
	b.mu.Unlock()

	return c, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if _, ok := b.subs[c]; ok {
			delete(b.subs, c)
			close(c)
		}
	}
}

func (b *Broadcaster) publish(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for c := range b.subs {
		select {
		case c <- ev:
		default:
		}
	}
}
