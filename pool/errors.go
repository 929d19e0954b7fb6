package pool

import "github.com/BaSui01/connpool/types"

// Sentinel errors. Returned errors may wrap a cause; compare with errors.Is.
var (
	ErrPoolClosed             = types.NewError(types.ErrPoolClosed, "pool is closed")
	ErrAcquireTimeout         = types.NewError(types.ErrAcquireTimeout, "timed out waiting for a free connection").WithRetryable(true)
	ErrAcquireFailed          = types.NewError(types.ErrAcquireFailed, "failed to obtain a backend connection").WithRetryable(true)
	ErrConnectionClosed       = types.NewError(types.ErrConnectionClosed, "connection is closed")
	ErrConnectionBroken       = types.NewError(types.ErrConnectionBroken, "connection is broken")
	ErrNotCheckedOut          = types.NewError(types.ErrNotCheckedOut, "connection is not checked out from this pool")
	ErrInvalidConfig          = types.NewError(types.ErrInvalidConfig, "invalid pool configuration")
	ErrQueryTimeLimitExceeded = types.NewError(types.ErrQueryTimeLimit, "query execution time limit exceeded")
)

func invalidConfig(format string) error {
	return types.NewError(types.ErrInvalidConfig, "invalid pool configuration: "+format)
}
