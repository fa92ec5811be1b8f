package host

import (
	"context"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/memshare/internal/guest/wasmguest"
)

// ExitCodeAckFailed is the exit code a guest is closed with when mem_ack cannot be served.
const ExitCodeAckFailed = 401

// mappedMemory is a wazero memory whose backing buffer is a Mapper, typically installed
// with experimental.WithMemoryAllocator.
type mappedMemory struct {
	api.Memory
	Mapper
}

// Export registers mem_ack on the host module builder, usually the "env" module.
//
// When mapper backs the guest's linear memory the source is mapped into the window,
// otherwise it is copied. mapper may be nil.
func (c *Coordinator) Export(builder wazero.HostModuleBuilder, mapper Mapper) wazero.HostModuleBuilder {
	return builder.NewFunctionBuilder().
		WithGoModuleFunction(api.GoModuleFunc(func(ctx context.Context, mod api.Module, stack []uint64) {
			base := api.DecodeU32(stack[0])

			var mem Memory = mod.Memory()
			if mapper != nil {
				mem = mappedMemory{Memory: mod.Memory(), Mapper: mapper}
			}

			reply, err := c.Ack(ctx, mem, base)
			if err != nil {
				c.logger.Error("failed to serve mem_ack, closing guest",
					zap.String("module", mod.Name()),
					zap.Uint32("reservation_base", base),
					zap.Error(err),
				)

				closeErr := mod.CloseWithExitCode(ctx, ExitCodeAckFailed)
				if closeErr != nil {
					c.logger.Error("failed to close guest", zap.Error(closeErr))
				}

				return
			}

			stack[0] = reply
		}), []api.ValueType{api.ValueTypeI32}, []api.ValueType{api.ValueTypeI64}).
		WithParameterNames("reservation_base").
		WithResultNames("window").
		Export(wasmguest.FuncMemAck)
}
