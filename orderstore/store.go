// Package orderstore implements the order record and state machine
// (spec.md §3, §4.5).
package orderstore

import (
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// State is an order's position in the NONE → DEPOSITED → {SETTLED,REFUNDED}
// state machine.
type State uint8

const (
	StateNone State = iota
	StateDeposited
	StateSettled
	StateRefunded
)

func (s State) String() string {
	switch s {
	case StateNone:
		return "NONE"
	case StateDeposited:
		return "DEPOSITED"
	case StateSettled:
		return "SETTLED"
	case StateRefunded:
		return "REFUNDED"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOrderAlreadyExists = errors.New("orderstore: order already exists")
	ErrOrderNotFound      = errors.New("orderstore: order not found")
	ErrOrderNotDeposited  = errors.New("orderstore: order not in expected state")
)

// Order is the persisted record for a single quote's lifecycle.
type Order struct {
	OrderID      common.Hash
	State        State
	User         common.Address
	Solver       common.Address
	InputToken   common.Address
	InputAmount  *big.Int
	OutputToken  common.Address
	OutputAmount *big.Int
	FillDeadline uint32
}

// Store is the in-memory reference OrderStore. All operations are
// serialized by a single mutex; the teacher's database layer
// (mevshare/database.go) uses a similar single-writer discipline backed by
// prepared statements rather than in-process locking.
type Store struct {
	mu     sync.Mutex
	orders map[common.Hash]*Order
}

func New() *Store {
	return &Store{orders: make(map[common.Hash]*Order)}
}

// Get returns the order for orderId, or (nil, false) if none exists.
func (s *Store) Get(orderID common.Hash) (*Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return nil, false
	}
	cp := *o
	return &cp, true
}

// Create inserts a new order record, failing if one already exists for
// this orderId (spec.md §4.5).
func (s *Store) Create(order *Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.orders[order.OrderID]; ok {
		return ErrOrderAlreadyExists
	}
	cp := *order
	s.orders[order.OrderID] = &cp
	return nil
}

// Transition moves an order from expectedFrom to to, failing with
// ErrOrderNotFound or ErrOrderNotDeposited if the precondition does not
// hold.
func (s *Store) Transition(orderID common.Hash, expectedFrom, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[orderID]
	if !ok {
		return ErrOrderNotFound
	}
	if o.State != expectedFrom {
		return ErrOrderNotDeposited
	}
	o.State = to
	return nil
}

// Exists reports whether any record (in any state) is stored for orderId.
func (s *Store) Exists(orderID common.Hash) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.orders[orderID]
	return ok
}
