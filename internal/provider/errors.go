package provider

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// EIP-1193 and JSON-RPC error codes.
const (
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeChainDisconnected = 4901
	CodeUnrecognizedChain = 4902
	CodeParseError        = -32700
	CodeInvalidRequest    = -32600
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
)

const (
	disconnectedMessage  = "The provider is disconnected from all chains."
	chainMismatchMessage = "The provider is not connected to the requested chain."
	unauthorizedMessage  = "The requested method and/or account has not been authorized by the user."
	unsupportedMessage   = "The provider does not support the requested method."
)

// RPCError is a provider error with an EIP-1193 code. errors.Is matches on
// the code, so callers can compare against the Err* values.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Message, e.Code)
}

func (e *RPCError) Is(target error) bool {
	t, ok := target.(*RPCError)
	return ok && t.Code == e.Code
}

var (
	ErrUnauthorized      = &RPCError{Code: CodeUnauthorized, Message: unauthorizedMessage}
	ErrUnsupportedMethod = &RPCError{Code: CodeUnsupportedMethod, Message: unsupportedMessage}
	ErrDisconnected      = &RPCError{Code: CodeDisconnected, Message: disconnectedMessage}
	ErrChainDisconnected = &RPCError{Code: CodeChainDisconnected, Message: chainMismatchMessage}
	ErrUnrecognizedChain = &RPCError{Code: CodeUnrecognizedChain, Message: "Unrecognized chain ID."}
	ErrInvalidParams     = &RPCError{Code: CodeInvalidParams, Message: "Invalid params."}
)

func unauthorized(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeUnauthorized, Message: fmt.Sprintf(format, args...)}
}

func invalidParams(format string, args ...any) *RPCError {
	return &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf(format, args...)}
}

func unsupportedMethod(method string) *RPCError {
	return &RPCError{Code: CodeUnsupportedMethod, Message: unsupportedMessage, Data: map[string]string{"method": method}}
}

// AsRPCError converts any error into the form sent back to a caller.
// Errors from collaborators keep their message under the internal code.
func AsRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	var coded interface{ ErrorCode() int }
	if errors.As(err, &coded) {
		return &RPCError{Code: coded.ErrorCode(), Message: err.Error()}
	}
	return &RPCError{Code: CodeInternal, Message: err.Error()}
}
