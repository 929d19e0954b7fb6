package pool

import (
	"time"

	"go.uber.org/zap"
)

// ConnectionState is the verdict returned by Hook.OnMarkPossiblyBroken.
type ConnectionState int

const (
	// StateNop leaves the connection alone.
	StateNop ConnectionState = iota
	// StateConnectionPossiblyBroken flags the connection for a liveness check
	// before it is handed out again.
	StateConnectionPossiblyBroken
	// StateTerminateAllConnections closes every idle connection and retires
	// the current pool generation.
	StateTerminateAllConnections
)

func (s ConnectionState) String() string {
	switch s {
	case StateNop:
		return "nop"
	case StateConnectionPossiblyBroken:
		return "possibly_broken"
	case StateTerminateAllConnections:
		return "terminate_all"
	default:
		return "unknown"
	}
}

// Hook receives connection lifecycle events. Embed BaseHook to override only
// the callbacks you need.
type Hook interface {
	// OnAcquire runs once for every new backend connection.
	OnAcquire(h *Handle)
	OnCheckOut(h *Handle)
	OnCheckIn(h *Handle)
	// OnDestroy runs after the backend connection has been released.
	OnDestroy(h *Handle)
	// OnAcquireFail decides whether a failed acquisition is retried.
	OnAcquireFail(err error, cfg *AcquireFailConfig) bool
	OnQueryExecuteTimeLimitExceeded(h *Handle, query string, args []any, elapsed time.Duration)
	OnMarkPossiblyBroken(h *Handle, state string, err error) ConnectionState
	// OnConnectionException is told about fatal errors. Returning true marks
	// the connection broken so it is evicted on release.
	OnConnectionException(h *Handle, state string, err error) bool
}

// BaseHook 默认空实现，OnAcquireFail 使用共享重试预算
type BaseHook struct{}

func (BaseHook) OnAcquire(*Handle)  {}
func (BaseHook) OnCheckOut(*Handle) {}
func (BaseHook) OnCheckIn(*Handle)  {}
func (BaseHook) OnDestroy(*Handle)  {}

func (BaseHook) OnAcquireFail(err error, cfg *AcquireFailConfig) bool {
	return DefaultOnAcquireFail(err, cfg)
}

func (BaseHook) OnQueryExecuteTimeLimitExceeded(*Handle, string, []any, time.Duration) {}

func (BaseHook) OnMarkPossiblyBroken(*Handle, string, error) ConnectionState {
	return StateNop
}

func (BaseHook) OnConnectionException(*Handle, string, error) bool {
	return true
}

// MultiHook composes hooks. Decisions come from primary; observers are only
// notified and their return values ignored. Observers never see
// OnAcquireFail, since the default implementation consumes retry budget.
func MultiHook(primary Hook, observers ...Hook) Hook {
	if primary == nil {
		primary = BaseHook{}
	}
	if len(observers) == 0 {
		return primary
	}
	return &multiHook{primary: primary, observers: observers}
}

type multiHook struct {
	primary   Hook
	observers []Hook
}

func (m *multiHook) each(fn func(Hook)) {
	fn(m.primary)
	for _, o := range m.observers {
		fn(o)
	}
}

func (m *multiHook) OnAcquire(h *Handle)  { m.each(func(k Hook) { k.OnAcquire(h) }) }
func (m *multiHook) OnCheckOut(h *Handle) { m.each(func(k Hook) { k.OnCheckOut(h) }) }
func (m *multiHook) OnCheckIn(h *Handle)  { m.each(func(k Hook) { k.OnCheckIn(h) }) }
func (m *multiHook) OnDestroy(h *Handle)  { m.each(func(k Hook) { k.OnDestroy(h) }) }

func (m *multiHook) OnAcquireFail(err error, cfg *AcquireFailConfig) bool {
	return m.primary.OnAcquireFail(err, cfg)
}

func (m *multiHook) OnQueryExecuteTimeLimitExceeded(h *Handle, query string, args []any, elapsed time.Duration) {
	m.each(func(k Hook) { k.OnQueryExecuteTimeLimitExceeded(h, query, args, elapsed) })
}

func (m *multiHook) OnMarkPossiblyBroken(h *Handle, state string, err error) ConnectionState {
	verdict := m.primary.OnMarkPossiblyBroken(h, state, err)
	for _, o := range m.observers {
		o.OnMarkPossiblyBroken(h, state, err)
	}
	return verdict
}

func (m *multiHook) OnConnectionException(h *Handle, state string, err error) bool {
	verdict := m.primary.OnConnectionException(h, state, err)
	for _, o := range m.observers {
		o.OnConnectionException(h, state, err)
	}
	return verdict
}

// hookDispatcher invokes the configured hook and contains its panics.
type hookDispatcher struct {
	hook   Hook
	logger *zap.Logger
}

func (d hookDispatcher) guard(name string, h *Handle) {
	if r := recover(); r != nil {
		fields := []zap.Field{zap.String("hook", name), zap.Any("panic", r)}
		if h != nil {
			fields = append(fields, zap.String("conn_id", h.id.String()), zap.Int("partition", h.partition))
		}
		d.logger.Error("hook panicked", fields...)
	}
}

func (d hookDispatcher) acquire(h *Handle) {
	defer d.guard("OnAcquire", h)
	d.hook.OnAcquire(h)
}

func (d hookDispatcher) checkOut(h *Handle) {
	defer d.guard("OnCheckOut", h)
	d.hook.OnCheckOut(h)
}

func (d hookDispatcher) checkIn(h *Handle) {
	defer d.guard("OnCheckIn", h)
	d.hook.OnCheckIn(h)
}

func (d hookDispatcher) destroy(h *Handle) {
	defer d.guard("OnDestroy", h)
	d.hook.OnDestroy(h)
}

// acquireFail treats a panicking hook as "do not retry".
func (d hookDispatcher) acquireFail(err error, cfg *AcquireFailConfig) (retry bool) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("hook panicked", zap.String("hook", "OnAcquireFail"), zap.Any("panic", r))
			retry = false
		}
	}()
	return d.hook.OnAcquireFail(err, cfg)
}

func (d hookDispatcher) queryTimeLimitExceeded(h *Handle, query string, args []any, elapsed time.Duration) {
	defer d.guard("OnQueryExecuteTimeLimitExceeded", h)
	d.hook.OnQueryExecuteTimeLimitExceeded(h, query, args, elapsed)
}

func (d hookDispatcher) markPossiblyBroken(h *Handle, state string, err error) (verdict ConnectionState) {
	defer d.guard("OnMarkPossiblyBroken", h)
	return d.hook.OnMarkPossiblyBroken(h, state, err)
}

// connectionException defaults to true (evict) when the hook panics.
func (d hookDispatcher) connectionException(h *Handle, state string, err error) (evict bool) {
	evict = true
	defer d.guard("OnConnectionException", h)
	return d.hook.OnConnectionException(h, state, err)
}
