package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Pair them with NewSubSystemError for subsystem-specific codes.
var (
	ErrNotFound         = fmt.Errorf("not found")
	ErrDuplicate        = fmt.Errorf("duplicate")
	ErrTimeout          = fmt.Errorf("operation timed out")
	ErrPermissionDenied = fmt.Errorf("permission denied")
	ErrInvalidInput     = fmt.Errorf("invalid input")
	ErrProviderError    = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrConfigLoad  = fmt.Errorf("failed to load configuration")
	ErrRateLimit   = fmt.Errorf("rate limit exceeded")
	ErrAuthInvalid = fmt.Errorf("authentication failed")
	ErrCircuitOpen = fmt.Errorf("circuit open")

	// Composition errors.
	ErrMissingField = fmt.Errorf("%w: required field missing", ErrInvalidInput)
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Orders.Get")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "order", "provision"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
// Use this with category sentinels (ErrNotFound, ErrDuplicate, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsNotFound reports whether err signals a missing record or resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

const (
	CodeUnknown     ErrorCode = "UNKNOWN"
	CodeConfigLoad  ErrorCode = "CONFIG_LOAD"
	CodeRateLimit   ErrorCode = "RATE_LIMIT"
	CodeAuthInvalid ErrorCode = "AUTH_INVALID"
	CodeCircuitOpen ErrorCode = "CIRCUIT_OPEN"
	CodeMissingFld  ErrorCode = "MISSING_FIELD"

	// Subsystem-specific codes resolved through subSystemCodeMap.
	CodeOrderNotFound     ErrorCode = "ORDER_NOT_FOUND"
	CodeOrderInvalid      ErrorCode = "ORDER_INVALID"
	CodeAgentDuplicate    ErrorCode = "AGENT_CAPABILITY_DUPLICATE"
	CodeAgentInvalid      ErrorCode = "AGENT_INVALID"
	CodeResourceNotFound  ErrorCode = "RESOURCE_NOT_FOUND"
	CodeProvisionProvider ErrorCode = "PROVISION_PROVIDER"
	CodeInvokeProvider    ErrorCode = "INVOKE_PROVIDER"

	// Category error codes, used when no subsystem-specific code matches.
	CodeNotFound         ErrorCode = "NOT_FOUND"
	CodeDuplicate        ErrorCode = "DUPLICATE"
	CodeTimeout          ErrorCode = "TIMEOUT"
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
	CodeInvalidInput     ErrorCode = "INVALID_INPUT"
	CodeProviderError    ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	ErrNotFound:         CodeNotFound,
	ErrDuplicate:        CodeDuplicate,
	ErrTimeout:          CodeTimeout,
	ErrPermissionDenied: CodePermissionDenied,
	ErrInvalidInput:     CodeInvalidInput,
	ErrProviderError:    CodeProviderError,

	ErrConfigLoad:   CodeConfigLoad,
	ErrRateLimit:    CodeRateLimit,
	ErrAuthInvalid:  CodeAuthInvalid,
	ErrCircuitOpen:  CodeCircuitOpen,
	ErrMissingField: CodeMissingFld,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrNotFound: {
		"order":     CodeOrderNotFound,
		"provision": CodeResourceNotFound,
	},
	ErrDuplicate: {
		"agent": CodeAgentDuplicate,
	},
	ErrInvalidInput: {
		"order": CodeOrderInvalid,
		"agent": CodeAgentInvalid,
	},
	ErrProviderError: {
		"provision": CodeProvisionProvider,
		"invoke":    CodeInvokeProvider,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	var de *DomainError
	if errors.As(err, &de) {
		if code := de.Code(); code != CodeUnknown {
			return code
		}
	}

	// Specific sentinels first so wrapped category sentinels do not shadow them.
	for _, sentinel := range []error{ErrMissingField, ErrConfigLoad, ErrRateLimit, ErrAuthInvalid, ErrCircuitOpen} {
		if errors.Is(err, sentinel) {
			return errorCodeMap[sentinel]
		}
	}
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
