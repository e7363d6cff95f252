package quote

import "errors"

var errInvalidSignatureLength = errors.New("quote: signature must be 65 bytes")

var (
	ErrInvalidOrderType = errors.New("quote: invalid orderType")
	ErrInvalidAmount    = errors.New("quote: invalid integer amount")
)
