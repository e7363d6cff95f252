// Package registry implements the off-chain, per-chain SolverRegistry:
// endpoint bookkeeping, SSRF-safe endpoint validation, and EIP-191 signed
// registration auth (spec.md §4.7).
package registry

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/firmswap/firmswap-node/metrics"
	"github.com/firmswap/firmswap-node/quote"
)

var (
	ErrSignerMismatch     = errors.New("registry: recovered signer does not match claimed address")
	ErrTimestampOutOfSkew = errors.New("registry: timestamp outside allowed clock skew")
	ErrSolverCapReached   = errors.New("registry: per-chain solver cap reached")
	ErrNotFound           = errors.New("registry: solver not registered on this chain")
	ErrInsufficientBond   = errors.New("registry: on-chain bond below minimum")
	ErrInvalidEndpoint    = errors.New("registry: endpoint failed SSRF validation")
)

// MaxClockSkew is the allowed drift between a registration message's
// timestamp and the server's clock (spec.md §4.7).
const MaxClockSkew = 5 * time.Minute

// BondChecker verifies on-chain solver bond status. Nil disables the
// on-chain check (spec.md §4.7 "When an on-chain bond query is
// available...").
type BondChecker interface {
	TotalBond(ctx context.Context, chainID *big.Int, solver common.Address) (*big.Int, error)
}

// EndpointValidator validates (and re-validates) a solver endpoint for
// SSRF safety before it is trusted or dialed.
type EndpointValidator interface {
	Validate(ctx context.Context, rawURL string) error
}

// Config configures a Registry instance.
type Config struct {
	MaxSolversPerChain int
	MinBond            *big.Int
	DevMode            bool // permits http:// endpoints
	Now                func() time.Time
}

type record struct {
	Address      common.Address
	Name         string
	Endpoint     string
	RegisteredAt time.Time
}

// Registry is the per-chain persistent solver table. Registration is
// upsert-on-register; unregister deletes (spec.md §4.7).
type Registry struct {
	cfg       Config
	log       *zap.Logger
	bonds     BondChecker
	endpoints EndpointValidator
	persist   *SQLStore

	mu      sync.RWMutex
	byChain map[uint64]map[common.Address]*record

	replay *ReplayGuard
}

// SetReplayGuard attaches optional signature-replay protection. Nil (the
// default) disables it.
func (r *Registry) SetReplayGuard(g *ReplayGuard) {
	r.replay = g
}

// SetPersistence attaches an optional durable mirror. Registrations and
// unregistrations are written through to it after the in-memory table
// commits; nil disables persistence entirely (the default).
func (r *Registry) SetPersistence(store *SQLStore) {
	r.persist = store
}

// Rehydrate loads chainID's persisted solver table into memory, used at
// startup before any dynamic registration traffic arrives.
func (r *Registry) Rehydrate(chainID uint64) error {
	if r.persist == nil {
		return nil
	}
	rows, err := r.persist.LoadChain(chainID)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.byChain[chainID]
	if !ok {
		chain = make(map[common.Address]*record)
		r.byChain[chainID] = chain
	}
	for _, sv := range rows {
		chain[sv.Address] = &record{Address: sv.Address, Name: sv.Name, Endpoint: sv.Endpoint, RegisteredAt: sv.RegisteredAt}
	}
	return nil
}

func New(cfg Config, log *zap.Logger, bonds BondChecker, endpoints EndpointValidator) *Registry {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MinBond == nil {
		cfg.MinBond = big.NewInt(1_000_000_000)
	}
	return &Registry{
		cfg:       cfg,
		log:       log,
		bonds:     bonds,
		endpoints: endpoints,
		byChain:   make(map[uint64]map[common.Address]*record),
	}
}

// RegistrationMessage builds the canonical EIP-191 message a solver signs
// to register (spec.md §4.7).
func RegistrationMessage(address common.Address, endpoint string, timestampMs int64) []byte {
	return []byte(fmt.Sprintf("FirmSwap Solver Registration\nAddress: %s\nEndpoint: %s\nTimestamp: %d",
		strings.ToLower(address.Hex()), endpoint, timestampMs))
}

// UnregistrationMessage builds the canonical EIP-191 message a solver signs
// to unregister.
func UnregistrationMessage(address common.Address, timestampMs int64) []byte {
	return []byte(fmt.Sprintf("FirmSwap Solver Unregistration\nAddress: %s\nTimestamp: %d",
		strings.ToLower(address.Hex()), timestampMs))
}

func (r *Registry) checkTimestamp(timestampMs int64) error {
	ts := time.UnixMilli(timestampMs)
	delta := r.cfg.Now().Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > MaxClockSkew {
		return ErrTimestampOutOfSkew
	}
	return nil
}

// Register validates signature/timestamp/endpoint/bond and upserts a
// solver's record for chainID.
func (r *Registry) Register(ctx context.Context, chainID *big.Int, address common.Address, name, endpoint string, timestampMs int64, sig []byte) error {
	msg := RegistrationMessage(address, endpoint, timestampMs)
	recovered, err := quote.RecoverPersonalSign(msg, sig)
	if err != nil {
		return err
	}
	if recovered != address {
		return ErrSignerMismatch
	}
	if err := r.checkTimestamp(timestampMs); err != nil {
		return err
	}
	if err := r.replay.Check(ctx, "register", address, timestampMs); err != nil {
		return err
	}
	if r.endpoints != nil {
		if err := r.endpoints.Validate(ctx, endpoint); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
		}
	}
	if r.bonds != nil {
		total, err := r.bonds.TotalBond(ctx, chainID, address)
		if err != nil {
			return err
		}
		if total.Cmp(r.cfg.MinBond) < 0 {
			return ErrInsufficientBond
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.byChain[chainID.Uint64()]
	if !ok {
		chain = make(map[common.Address]*record)
		r.byChain[chainID.Uint64()] = chain
	}
	existing, exists := chain[address]
	if !exists && r.cfg.MaxSolversPerChain > 0 && len(chain) >= r.cfg.MaxSolversPerChain {
		return ErrSolverCapReached
	}

	registeredAt := r.cfg.Now()
	if exists {
		registeredAt = existing.RegisteredAt
	}
	chain[address] = &record{Address: address, Name: name, Endpoint: endpoint, RegisteredAt: registeredAt}

	if r.persist != nil {
		if err := r.persist.Upsert(chainID.Uint64(), address, name, endpoint, registeredAt, r.cfg.Now()); err != nil {
			r.log.Warn("failed to persist solver registration", zap.Error(err))
		}
	}
	metrics.IncSolversRegistered()
	return nil
}

// Unregister validates signature/timestamp and deletes a solver's record
// for chainID.
func (r *Registry) Unregister(ctx context.Context, chainID *big.Int, address common.Address, timestampMs int64, sig []byte) error {
	msg := UnregistrationMessage(address, timestampMs)
	recovered, err := quote.RecoverPersonalSign(msg, sig)
	if err != nil {
		return err
	}
	if recovered != address {
		return ErrSignerMismatch
	}
	if err := r.checkTimestamp(timestampMs); err != nil {
		return err
	}
	if err := r.replay.Check(ctx, "unregister", address, timestampMs); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	chain, ok := r.byChain[chainID.Uint64()]
	if !ok {
		return ErrNotFound
	}
	if _, ok := chain[address]; !ok {
		return ErrNotFound
	}
	delete(chain, address)

	if r.persist != nil {
		if err := r.persist.Delete(chainID.Uint64(), address); err != nil {
			r.log.Warn("failed to persist solver unregistration", zap.Error(err))
		}
	}
	metrics.IncSolversUnregistered()
	return nil
}

// Solver is a read-only view of a registered solver.
type Solver struct {
	Address      common.Address
	Name         string
	Endpoint     string
	RegisteredAt time.Time
}

// Get returns a single solver's record for chainID.
func (r *Registry) Get(chainID *big.Int, address common.Address) (Solver, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain, ok := r.byChain[chainID.Uint64()]
	if !ok {
		return Solver{}, false
	}
	rec, ok := chain[address]
	if !ok {
		return Solver{}, false
	}
	return Solver{Address: rec.Address, Name: rec.Name, Endpoint: rec.Endpoint, RegisteredAt: rec.RegisteredAt}, true
}

// List returns all solvers registered on chainID, ordered by ascending
// registration timestamp (oldest first) — ties broken by address for a
// fully deterministic order. This is the "first N by insertion" order
// the aggregator's fan-out cap relies on (spec.md §4.8 step 2); List
// itself sorts rather than leaving it to the caller, since map iteration
// order is not insertion order.
func (r *Registry) List(chainID *big.Int) []Solver {
	r.mu.RLock()
	defer r.mu.RUnlock()
	chain, ok := r.byChain[chainID.Uint64()]
	if !ok {
		return nil
	}
	out := make([]Solver, 0, len(chain))
	for _, rec := range chain {
		out = append(out, Solver{Address: rec.Address, Name: rec.Name, Endpoint: rec.Endpoint, RegisteredAt: rec.RegisteredAt})
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].RegisteredAt.Before(out[j].RegisteredAt)
		}
		return strings.ToLower(out[i].Address.Hex()) < strings.ToLower(out[j].Address.Hex())
	})
	return out
}
