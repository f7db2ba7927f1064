package domain

import "fmt"

// Result is the engine-wide result code taxonomy. Every public call maps
// its outcome onto one of these codes; errors crossing the API boundary
// wrap a Result rather than surfacing internal error types.
type Result int

const (
	Success Result = iota
	Timeout
	QueueNotFound
	QueueAlreadyExists
	QueueFull
	MessageNotFound
	NotInflight
	InvalidParameter
	InvalidState
	TransactionNotFound
	TransactionTimeout
	TransactionConflict
	EncryptionFailed
	CompressionFailed
	PersistenceFailed
	OutOfMemory
	NotSupported
	InternalError
)

var resultNames = map[Result]string{
	Success:             "SUCCESS",
	Timeout:             "TIMEOUT",
	QueueNotFound:       "QUEUE_NOT_FOUND",
	QueueAlreadyExists:  "QUEUE_ALREADY_EXISTS",
	QueueFull:           "QUEUE_FULL",
	MessageNotFound:     "MESSAGE_NOT_FOUND",
	NotInflight:         "NOT_INFLIGHT",
	InvalidParameter:    "INVALID_PARAMETER",
	InvalidState:        "INVALID_STATE",
	TransactionNotFound: "TRANSACTION_NOT_FOUND",
	TransactionTimeout:  "TRANSACTION_TIMEOUT",
	TransactionConflict: "TRANSACTION_CONFLICT",
	EncryptionFailed:    "ENCRYPTION_FAILED",
	CompressionFailed:   "COMPRESSION_FAILED",
	PersistenceFailed:   "PERSISTENCE_FAILED",
	OutOfMemory:         "OUT_OF_MEMORY",
	NotSupported:        "NOT_SUPPORTED",
	InternalError:       "INTERNAL_ERROR",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}
	return fmt.Sprintf("RESULT(%d)", int(r))
}

// ResultError is an error carrying a Result code. Sentinel instances are
// defined below; wrap them with fmt.Errorf("%w: detail") to add context
// while keeping errors.Is matching on the sentinel.
type ResultError struct {
	Code Result
}

func (e *ResultError) Error() string { return e.Code.String() }

// Sentinel errors, one per non-success result code.
var (
	ErrTimeout             = &ResultError{Code: Timeout}
	ErrQueueNotFound       = &ResultError{Code: QueueNotFound}
	ErrQueueAlreadyExists  = &ResultError{Code: QueueAlreadyExists}
	ErrQueueFull           = &ResultError{Code: QueueFull}
	ErrMessageNotFound     = &ResultError{Code: MessageNotFound}
	ErrNotInflight         = &ResultError{Code: NotInflight}
	ErrInvalidParameter    = &ResultError{Code: InvalidParameter}
	ErrInvalidState        = &ResultError{Code: InvalidState}
	ErrTransactionNotFound = &ResultError{Code: TransactionNotFound}
	ErrTransactionTimeout  = &ResultError{Code: TransactionTimeout}
	ErrTransactionConflict = &ResultError{Code: TransactionConflict}
	ErrEncryptionFailed    = &ResultError{Code: EncryptionFailed}
	ErrCompressionFailed   = &ResultError{Code: CompressionFailed}
	ErrPersistenceFailed   = &ResultError{Code: PersistenceFailed}
	ErrOutOfMemory         = &ResultError{Code: OutOfMemory}
	ErrNotSupported        = &ResultError{Code: NotSupported}
	ErrInternal            = &ResultError{Code: InternalError}
)

var sentinels = map[Result]*ResultError{
	Timeout:             ErrTimeout,
	QueueNotFound:       ErrQueueNotFound,
	QueueAlreadyExists:  ErrQueueAlreadyExists,
	QueueFull:           ErrQueueFull,
	MessageNotFound:     ErrMessageNotFound,
	NotInflight:         ErrNotInflight,
	InvalidParameter:    ErrInvalidParameter,
	InvalidState:        ErrInvalidState,
	TransactionNotFound: ErrTransactionNotFound,
	TransactionTimeout:  ErrTransactionTimeout,
	TransactionConflict: ErrTransactionConflict,
	EncryptionFailed:    ErrEncryptionFailed,
	CompressionFailed:   ErrCompressionFailed,
	PersistenceFailed:   ErrPersistenceFailed,
	OutOfMemory:         ErrOutOfMemory,
	NotSupported:        ErrNotSupported,
	InternalError:       ErrInternal,
}

// Err returns the sentinel error for a result code, or nil for Success.
func (r Result) Err() error {
	if r == Success {
		return nil
	}
	if e, ok := sentinels[r]; ok {
		return e
	}
	return ErrInternal
}

// ResultOf maps an error back to its result code. A nil error is Success;
// errors that do not carry a ResultError report InternalError.
func ResultOf(err error) Result {
	if err == nil {
		return Success
	}
	for e := err; e != nil; {
		if re, ok := e.(*ResultError); ok {
			return re.Code
		}
		type unwrapper interface{ Unwrap() error }
		u, ok := e.(unwrapper)
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	return InternalError
}
