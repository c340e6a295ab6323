package mint

import (
	"errors"
	"fmt"
)

// Cashu protocol error codes used for classification.
const (
	CodeTokenAlreadySpent  = 11001
	CodeQuoteAlreadyIssued = 20002
	CodeInsufficientInputs = 11002
)

// NetworkError means the mint could not be reached at all:
// connection refused, timeout, DNS or TLS failure.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("mint unreachable at %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// ProtocolError is a structured rejection returned by the mint.
type ProtocolError struct {
	Code   int    `json:"code"`
	Detail string `json:"detail"`
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("mint rejected request (code %d): %s", e.Code, e.Detail)
}

func IsNetworkError(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

func IsTokenAlreadySpent(err error) bool {
	var protoErr *ProtocolError
	return errors.As(err, &protoErr) && protoErr.Code == CodeTokenAlreadySpent
}
