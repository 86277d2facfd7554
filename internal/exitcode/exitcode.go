package exitcode

import (
	"context"
	"errors"

	"github.com/echochat/echochat/internal/llm"
)

// Exit codes for echochat commands
const (
	Success     = 0
	Error       = 1
	Config      = 2 // unknown provider, missing credential, unsupported input
	Busy        = 3 // a turn is already running for the conversation
	Unreachable = 4 // network failure or timeout
	Rejected    = 5 // provider refused the request
	Storage     = 6
	Cancelled   = 130 // 128 + SIGINT
)

// ExitError is an error that carries a specific exit code
type ExitError struct {
	Code    int
	Message string
}

func (e ExitError) Error() string {
	return e.Message
}

func Cancel() ExitError { return ExitError{Code: Cancelled, Message: "cancelled"} }

// FromKind maps a turn failure to an exit code.
func FromKind(kind llm.ErrorKind) int {
	switch kind {
	case llm.UnknownProviderKind, llm.MissingCredential, llm.UnsupportedAttachment:
		return Config
	case llm.TurnInProgress:
		return Busy
	case llm.Network, llm.Timeout:
		return Unreachable
	case llm.ProviderRejected:
		return Rejected
	case llm.StorageFailure:
		return Storage
	}
	return Error
}

// Code returns the process exit code for err.
func Code(err error) int {
	if err == nil {
		return Success
	}
	var exitErr ExitError
	if errors.As(err, &exitErr) {
		return exitErr.Code
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	var llmErr *llm.Error
	if errors.As(err, &llmErr) {
		return FromKind(llmErr.Kind)
	}
	return Error
}
