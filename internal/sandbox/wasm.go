package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"github.com/tetratelabs/wazero/experimental"
	"github.com/tetratelabs/wazero/sys"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/memshare/internal/cfg"
	"github.com/e2b-dev/infra/packages/memshare/internal/guest"
	"github.com/e2b-dev/infra/packages/memshare/internal/guest/wasmguest"
	"github.com/e2b-dev/infra/packages/memshare/internal/host"
	sbxlogger "github.com/e2b-dev/infra/packages/memshare/internal/logger"
)

// WasmInstance runs a WebAssembly guest in wazero.
type WasmInstance struct {
	id     string
	logger *zap.Logger

	mu    sync.Mutex
	state state

	runtime wazero.Runtime
	mod     api.Module
	cleanup *Cleanup
}

func NewWasm(ctx context.Context, config cfg.Config, logger *zap.Logger, coordinator *host.Coordinator, wasm []byte) (*WasmInstance, error) {
	id := uuid.NewString()

	ctx, span := tracer.Start(ctx, "new-wasm-sandbox", trace.WithAttributes(
		attribute.String("sandbox.id", id),
	))
	defer span.End()

	logger = logger.With(sbxlogger.WithSandboxID(id))
	cleanup := NewCleanup(logger)

	// Guest memory lives in a host reservation, so the coordinator can map the
	// source segment into it.
	mem, err := NewLinearMemory(0, config.MemoryLimitPages)
	if err != nil {
		return nil, err
	}

	cleanup.Add(func(context.Context) error {
		return mem.Close()
	})

	ctx = experimental.WithMemoryAllocator(ctx, experimental.MemoryAllocatorFunc(func(_, _ uint64) experimental.LinearMemory {
		return mem
	}))

	runtimeConfig := wazero.NewRuntimeConfig().
		WithMemoryLimitPages(config.MemoryLimitPages).
		WithMemoryCapacityFromMax(true).
		WithCloseOnContextDone(true)

	r := wazero.NewRuntimeWithConfig(ctx, runtimeConfig)
	cleanup.Add(func(ctx context.Context) error {
		err := r.Close(ctx)
		if err != nil {
			return fmt.Errorf("failed to close wasm runtime: %w", err)
		}

		return nil
	})

	_, err = coordinator.Export(r.NewHostModuleBuilder(wasmguest.ModuleEnv), mem).Instantiate(ctx)
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to instantiate host module: %w", err), cleanup.Run(ctx))
	}

	mod, err := r.InstantiateWithConfig(ctx, wasm, wazero.NewModuleConfig().WithName(id))
	if err != nil {
		return nil, errors.Join(fmt.Errorf("failed to instantiate guest: %w", err), cleanup.Run(ctx))
	}

	for _, name := range []string{
		wasmguest.ExportNegotiate,
		wasmguest.ExportCompute,
		wasmguest.ExportDebugAllocate,
		wasmguest.ExportDebugProbeBounds,
	} {
		if mod.ExportedFunction(name) == nil {
			return nil, errors.Join(fmt.Errorf("guest does not export %q", name), cleanup.Run(ctx))
		}
	}

	if mod.Memory() == nil {
		return nil, errors.Join(errors.New("guest does not export its memory"), cleanup.Run(ctx))
	}

	logger.Info("started wasm guest",
		zap.String("memory", humanize.IBytes(uint64(mod.Memory().Size()))),
		zap.String("memory_limit", humanize.IBytes(uint64(config.MemoryLimitPages)*guest.PageSize)),
		zap.Bool("strict_bounds", config.StrictBounds),
	)

	return &WasmInstance{
		id:      id,
		logger:  logger,
		runtime: r,
		mod:     mod,
		cleanup: cleanup,
	}, nil
}

func (w *WasmInstance) ID() string {
	return w.id
}

func (w *WasmInstance) Negotiate(ctx context.Context, size uint32) (uint32, error) {
	res, err := w.call(ctx, wasmguest.ExportNegotiate, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}

	return api.DecodeU32(res[0]), nil
}

func (w *WasmInstance) Compute(ctx context.Context) (uint32, error) {
	res, err := w.call(ctx, wasmguest.ExportCompute)
	if err != nil {
		return 0, err
	}

	return api.DecodeU32(res[0]), nil
}

func (w *WasmInstance) DebugAllocate(ctx context.Context, size uint32) (uint32, error) {
	res, err := w.call(ctx, wasmguest.ExportDebugAllocate, api.EncodeU32(size))
	if err != nil {
		return 0, err
	}

	return api.DecodeU32(res[0]), nil
}

func (w *WasmInstance) DebugProbeBounds(ctx context.Context) error {
	_, err := w.call(ctx, wasmguest.ExportDebugProbeBounds)

	return err
}

func (w *WasmInstance) Memory() Memory {
	return w.mod.Memory()
}

func (w *WasmInstance) call(ctx context.Context, name string, params ...uint64) ([]uint64, error) {
	ctx, span := tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("sandbox.id", w.id),
	))
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.state.usable(); err != nil {
		return nil, err
	}

	res, err := w.mod.ExportedFunction(name).Call(ctx, params...)
	if err != nil {
		// A guest exit (for example after a failed mem_ack) is reported as is, anything
		// else is a runtime trap.
		var exitErr *sys.ExitError
		if !errors.As(err, &exitErr) {
			err = &TrapError{SandboxID: w.id, Op: name, Err: err}
		}

		w.state.failure = err
		recordFailure(span, w.logger, name, err)

		return nil, err
	}

	return res, nil
}

func (w *WasmInstance) Close(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "close-wasm-sandbox")
	defer span.End()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.state.closed = true

	return w.cleanup.Run(ctx)
}
