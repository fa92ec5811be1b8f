package sandbox

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/memshare/internal/cfg"
	"github.com/e2b-dev/infra/packages/memshare/internal/guest"
	"github.com/e2b-dev/infra/packages/memshare/internal/guest/wasmguest"
	"github.com/e2b-dev/infra/packages/memshare/internal/host"
)

var tracer = otel.Tracer("github.com/e2b-dev/infra/packages/memshare/internal/sandbox")

var (
	ErrInstanceClosed = errors.New("sandbox instance already closed")
	// ErrInstanceFailed is returned by every call after a trap or a guest exit.
	ErrInstanceFailed = errors.New("sandbox instance failed")
)

// Memory is the guest's linear memory as seen from the host.
type Memory interface {
	guest.Memory
}

// Instance is one running guest. Calls are serialised.
type Instance interface {
	ID() string
	Negotiate(ctx context.Context, size uint32) (uint32, error)
	Compute(ctx context.Context) (uint32, error)
	DebugAllocate(ctx context.Context, size uint32) (uint32, error)
	DebugProbeBounds(ctx context.Context) error
	Memory() Memory
	Close(ctx context.Context) error
}

// TrapError is a fault inside the guest. The instance that raised it cannot be used again.
type TrapError struct {
	SandboxID string
	Op        string
	Err       error
}

func (e *TrapError) Error() string {
	return fmt.Sprintf("sandbox %s trapped in %s: %s", e.SandboxID, e.Op, e.Err)
}

func (e *TrapError) Unwrap() error {
	return e.Err
}

// New starts a guest on the backend selected by config.
func New(ctx context.Context, config cfg.Config, logger *zap.Logger, coordinator *host.Coordinator) (Instance, error) {
	switch config.Backend {
	case cfg.BackendNative:
		return NewNative(ctx, config, logger, coordinator)
	case cfg.BackendWasm:
		return NewWasm(ctx, config, logger, coordinator, wasmguest.Build(wasmguest.Options{
			InitialPages: config.InitialPages,
			StrictBounds: config.StrictBounds,
		}))
	default:
		return nil, fmt.Errorf("unknown backend %q", config.Backend)
	}
}

// state tracks what is left of an instance after a failure or Close.
type state struct {
	closed  bool
	failure error
}

func (s *state) usable() error {
	if s.closed {
		return ErrInstanceClosed
	}

	if s.failure != nil {
		return fmt.Errorf("%w: %w", ErrInstanceFailed, s.failure)
	}

	return nil
}

func recordFailure(span trace.Span, logger *zap.Logger, op string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, "guest call failed")

	logger.Error("guest call failed", zap.String("op", op), zap.Error(err))
}
