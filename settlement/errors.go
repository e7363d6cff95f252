package settlement

import "errors"

// Error taxonomy per spec.md §7.
var (
	// Validation
	ErrInvalidQuote             = errors.New("settlement: invalid quote")
	ErrInvalidSignature         = errors.New("settlement: invalid signature")
	ErrQuoteExpired             = errors.New("settlement: quote deposit deadline passed")
	ErrFillDeadlineBeforeDeposit = errors.New("settlement: fillDeadline not after depositDeadline")
	ErrWrongChain               = errors.New("settlement: outputChainId does not match engine chain")

	// Replay / state
	ErrOrderAlreadyExists = errors.New("settlement: order already exists")
	ErrOrderNotFound      = errors.New("settlement: order not found")
	ErrOrderNotDeposited  = errors.New("settlement: order not in DEPOSITED state")
	ErrOrderNotExpired    = errors.New("settlement: fillDeadline has not passed")

	// Authorization
	ErrNotSolver             = errors.New("settlement: caller is not the order's solver")
	ErrSolverNotRegistered   = errors.New("settlement: solver not registered")
	ErrSolverAlreadyRegistered = errors.New("settlement: solver already registered")

	// Economic
	ErrInsufficientDeposit = errors.New("settlement: deposit address balance below required amount")
	ErrNoExcessBalance     = errors.New("settlement: no excess balance to withdraw")

	// Order-record preconditions for deposit-address recovery paths
	ErrOrderAlreadyRecorded = errors.New("settlement: order record already present")
)
