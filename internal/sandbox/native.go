package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/memshare/internal/cfg"
	"github.com/e2b-dev/infra/packages/memshare/internal/guest"
	"github.com/e2b-dev/infra/packages/memshare/internal/host"
	sbxlogger "github.com/e2b-dev/infra/packages/memshare/internal/logger"
)

// hostAbort unwinds the guest when mem_ack cannot be served.
type hostAbort struct {
	err error
}

// NativeInstance runs the Go guest over its own linear memory.
type NativeInstance struct {
	id     string
	logger *zap.Logger

	mu    sync.Mutex
	state state

	mem         *LinearMemory
	negotiator  *guest.Negotiator
	coordinator *host.Coordinator
	cleanup     *Cleanup

	// callCtx is the context of the call in progress, used by the ack.
	callCtx context.Context
}

func NewNative(ctx context.Context, config cfg.Config, logger *zap.Logger, coordinator *host.Coordinator) (*NativeInstance, error) {
	id := uuid.NewString()

	ctx, span := tracer.Start(ctx, "new-native-sandbox", trace.WithAttributes(
		attribute.String("sandbox.id", id),
	))
	defer span.End()

	logger = logger.With(sbxlogger.WithSandboxID(id))
	cleanup := NewCleanup(logger)

	mem, err := NewLinearMemory(config.InitialPages, config.MemoryLimitPages)
	if err != nil {
		return nil, err
	}

	cleanup.Add(func(context.Context) error {
		return mem.Close()
	})

	n := &NativeInstance{
		id:          id,
		logger:      logger,
		mem:         mem,
		coordinator: coordinator,
		cleanup:     cleanup,
	}

	var opts []guest.Option
	if config.StrictBounds {
		opts = append(opts, guest.WithStrictBounds())
	}

	n.negotiator = guest.New(mem, n.ack, opts...)

	err = n.run(ctx, "start", n.negotiator.Start)
	if err != nil {
		return nil, errors.Join(err, cleanup.Run(ctx))
	}

	logger.Info("started native guest",
		zap.String("memory", humanize.IBytes(uint64(mem.Size()))),
		zap.String("memory_limit", humanize.IBytes(uint64(config.MemoryLimitPages)*guest.PageSize)),
		zap.Bool("strict_bounds", config.StrictBounds),
	)

	return n, nil
}

func (n *NativeInstance) ack(base uint32) uint64 {
	reply, err := n.coordinator.Ack(n.callCtx, n.mem, base)
	if err != nil {
		panic(&hostAbort{err: err})
	}

	return reply
}

func (n *NativeInstance) ID() string {
	return n.id
}

func (n *NativeInstance) Negotiate(ctx context.Context, size uint32) (uint32, error) {
	var window uint32
	err := n.call(ctx, "negotiate", func() {
		window = n.negotiator.Negotiate(size)
	})

	return window, err
}

func (n *NativeInstance) Compute(ctx context.Context) (uint32, error) {
	var sum uint32
	err := n.call(ctx, "compute", func() {
		sum = n.negotiator.Compute()
	})

	return sum, err
}

func (n *NativeInstance) DebugAllocate(ctx context.Context, size uint32) (uint32, error) {
	var ptr uint32
	err := n.call(ctx, "debug_allocate", func() {
		ptr = n.negotiator.DebugAllocate(size)
	})

	return ptr, err
}

func (n *NativeInstance) DebugProbeBounds(ctx context.Context) error {
	return n.call(ctx, "debug_probe_bounds", n.negotiator.DebugProbeBounds)
}

func (n *NativeInstance) Memory() Memory {
	return n.mem
}

// Negotiator exposes the guest state, mainly for inspection in tests.
func (n *NativeInstance) Negotiator() *guest.Negotiator {
	return n.negotiator
}

func (n *NativeInstance) call(ctx context.Context, op string, fn func()) error {
	ctx, span := tracer.Start(ctx, op, trace.WithAttributes(
		attribute.String("sandbox.id", n.id),
	))
	defer span.End()

	n.mu.Lock()
	defer n.mu.Unlock()

	if err := n.state.usable(); err != nil {
		return err
	}

	err := n.run(ctx, op, fn)
	if err != nil {
		n.state.failure = err
		recordFailure(span, n.logger, op, err)

		return err
	}

	return nil
}

// run executes fn as the guest and converts its traps and host aborts into errors.
func (n *NativeInstance) run(ctx context.Context, op string, fn func()) (err error) {
	n.callCtx = ctx
	defer func() {
		n.callCtx = nil
	}()

	defer func() {
		r := recover()
		if r == nil {
			return
		}

		abort, ok := r.(*hostAbort)
		if !ok {
			panic(r)
		}

		err = fmt.Errorf("%w: %w", sys.NewExitError(host.ExitCodeAckFailed), abort.err)
	}()

	defer func() {
		var t *guest.Trap
		if errors.As(err, &t) {
			err = &TrapError{SandboxID: n.id, Op: op, Err: t}
		}
	}()

	defer guest.Catch(&err)

	fn()

	return nil
}

func (n *NativeInstance) Close(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "close-native-sandbox")
	defer span.End()

	n.mu.Lock()
	defer n.mu.Unlock()

	n.state.closed = true

	return n.cleanup.Run(ctx)
}
