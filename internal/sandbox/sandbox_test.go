package sandbox

import (
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetratelabs/wazero/sys"
	"go.uber.org/zap/zaptest"

	"github.com/e2b-dev/infra/packages/memshare/internal/cfg"
	"github.com/e2b-dev/infra/packages/memshare/internal/guest"
	"github.com/e2b-dev/infra/packages/memshare/internal/host"
)

var backends = []cfg.Backend{cfg.BackendWasm, cfg.BackendNative}

func testConfig(backend cfg.Backend) cfg.Config {
	return cfg.Config{
		Backend:          backend,
		InitialPages:     1,
		MemoryLimitPages: 256,
		PageSize:         host.DefaultPageSize,
		PaddingPages:     host.DefaultPaddingPages,
	}
}

func newSource(t *testing.T, words ...uint32) *host.Segment {
	t.Helper()

	data := make([]byte, 0, len(words)*4)
	for _, w := range words {
		data = binary.LittleEndian.AppendUint32(data, w)
	}

	s, err := host.NewAnonymousSegment(int64(len(data)), host.DefaultPageSize)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	_, err = s.WriteAt(data, 0)
	require.NoError(t, err)

	return s
}

func newInstance(t *testing.T, config cfg.Config, source *host.Segment) (Instance, *host.Coordinator) {
	t.Helper()

	logger := zaptest.NewLogger(t)

	c, err := host.NewCoordinator(source, host.WithLogger(logger))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	inst, err := New(t.Context(), config, logger, c)
	require.NoError(t, err)
	t.Cleanup(func() { inst.Close(t.Context()) })

	return inst, c
}

func TestInstance_SharedSum(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			words := make([]uint32, 50_000)
			var sum uint32
			for i := range words {
				words[i] = uint32(i) * 3
				sum += words[i]
			}

			inst, c := newInstance(t, testConfig(backend), newSource(t, words...))
			assert.NotEmpty(t, inst.ID())

			require.NoError(t, c.CreateView(t.Context(), inst))

			got, err := inst.Compute(t.Context())
			require.NoError(t, err)
			assert.Equal(t, sum, got)

			window, ok := c.Window()
			require.True(t, ok)
			assert.True(t, host.IsAligned(uint64(window.Base), host.DefaultPageSize))
			assert.LessOrEqual(t, window.End(), uint64(inst.Memory().Size()))
		})
	}
}

func TestInstance_NegotiateTwiceKeepsReservation(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			inst, c := newInstance(t, testConfig(backend), newSource(t, 1, 2, 3, 4))

			first, err := inst.Negotiate(t.Context(), c.ReservationSize())
			require.NoError(t, err)
			assert.Equal(t, uint32(16), first)

			window, _ := c.Window()
			sizeAfterFirst := inst.Memory().Size()

			second, err := inst.Negotiate(t.Context(), 4*c.ReservationSize())
			require.NoError(t, err)
			assert.Equal(t, uint32(16), second)

			again, _ := c.Window()
			assert.Equal(t, window, again)
			assert.Equal(t, sizeAfterFirst, inst.Memory().Size())

			sum, err := inst.Compute(t.Context())
			require.NoError(t, err)
			assert.Equal(t, uint32(10), sum)
		})
	}
}

func TestInstance_HostWritesAreVisible(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			inst, c := newInstance(t, testConfig(backend), newSource(t, 5, 5))
			require.NoError(t, c.CreateView(t.Context(), inst))

			view, err := c.View()
			require.NoError(t, err)
			binary.LittleEndian.PutUint32(view[4:], 95)

			sum, err := inst.Compute(t.Context())
			require.NoError(t, err)
			assert.Equal(t, uint32(100), sum)
		})
	}
}

func TestInstance_AllocationFailureTraps(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			config := testConfig(backend)
			config.MemoryLimitPages = 1

			// The reservation does not fit a single page.
			inst, c := newInstance(t, config, newSource(t, make([]uint32, 20_000)...))

			_, err := inst.Negotiate(t.Context(), c.ReservationSize())

			var trapErr *TrapError
			require.ErrorAs(t, err, &trapErr)
			assert.Equal(t, inst.ID(), trapErr.SandboxID)

			if backend == cfg.BackendNative {
				var guestTrap *guest.Trap
				require.ErrorAs(t, err, &guestTrap)
				assert.Equal(t, "allocate", guestTrap.Op)
			}

			_, err = inst.Compute(t.Context())
			require.ErrorIs(t, err, ErrInstanceFailed)
		})
	}
}

func TestInstance_FailedAckExits(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			inst, c := newInstance(t, testConfig(backend), newSource(t, 1, 2))

			// A closed coordinator has no source to hand out.
			require.NoError(t, c.Close())

			err := c.CreateView(t.Context(), inst)

			var exitErr *sys.ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, uint32(host.ExitCodeAckFailed), exitErr.ExitCode())

			_, err = inst.Compute(t.Context())
			require.ErrorIs(t, err, ErrInstanceFailed)
		})
	}
}

func TestInstance_DebugProbeBounds(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			inst, c := newInstance(t, testConfig(backend), newSource(t, make([]uint32, 16)...))
			require.NoError(t, c.CreateView(t.Context(), inst))

			ptr, err := inst.DebugAllocate(t.Context(), 8)
			require.NoError(t, err)
			assert.GreaterOrEqual(t, ptr, uint32(guest.HeapBase))

			require.NoError(t, inst.DebugProbeBounds(t.Context()))

			// The buffer keeps the negotiated 64 bytes, past the 8 allocated.
			buf, ok := inst.Memory().Read(ptr, 64)
			require.True(t, ok)
			assert.Equal(t, guest.ProbeFirstByte, buf[0])
			assert.Equal(t, byte(0), buf[7])
			assert.Equal(t, guest.ProbeLastByte, buf[63])

			sum, err := inst.Compute(t.Context())
			require.NoError(t, err)
			assert.Equal(t, uint32(0xFF)+uint32(42)<<24, sum)
		})
	}
}

func TestInstance_SourceWritesAreSharedWithoutFlush(t *testing.T) {
	t.Parallel()

	if os.Getpagesize() > host.DefaultPageSize {
		t.Skip("the OS page is larger than the segment page")
	}

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			source := newSource(t, 5, 5)
			inst, c := newInstance(t, testConfig(backend), source)
			require.NoError(t, c.CreateView(t.Context(), inst))
			assert.True(t, c.Shared())

			// Closing the source while the window maps it is refused.
			require.ErrorIs(t, source.Close(), host.ErrSegmentInUse)

			_, err := source.WriteAt(binary.LittleEndian.AppendUint32(nil, 95), 4)
			require.NoError(t, err)

			sum, err := inst.Compute(t.Context())
			require.NoError(t, err)
			assert.Equal(t, uint32(100), sum)

			// Guest writes land in the source too.
			window, _ := c.Window()
			require.True(t, inst.Memory().Write(window.Base, binary.LittleEndian.AppendUint32(nil, 7)))

			got := make([]byte, 4)
			_, err = source.ReadAt(got, 0)
			require.NoError(t, err)
			assert.Equal(t, uint32(7), binary.LittleEndian.Uint32(got))
		})
	}
}

func TestInstance_Closed(t *testing.T) {
	t.Parallel()

	for _, backend := range backends {
		t.Run(string(backend), func(t *testing.T) {
			t.Parallel()

			inst, _ := newInstance(t, testConfig(backend), newSource(t, 1))

			require.NoError(t, inst.Close(t.Context()))
			require.NoError(t, inst.Close(t.Context()))

			_, err := inst.Compute(t.Context())
			require.ErrorIs(t, err, ErrInstanceClosed)
		})
	}
}

func TestNative_StrictBoundsOption(t *testing.T) {
	t.Parallel()

	config := testConfig(cfg.BackendNative)
	config.StrictBounds = true

	inst, c := newInstance(t, config, newSource(t, 1, 2))
	require.NoError(t, c.CreateView(t.Context(), inst))

	native, ok := inst.(*NativeInstance)
	require.True(t, ok)

	region, ok := native.Negotiator().Region()
	require.True(t, ok)
	assert.True(t, region.Contains(native.Negotiator().Window()))
}

func TestWasm_StrictBoundsOption(t *testing.T) {
	t.Parallel()

	config := testConfig(cfg.BackendWasm)
	config.StrictBounds = true

	inst, c := newInstance(t, config, newSource(t, 1, 2))
	require.NoError(t, c.CreateView(t.Context(), inst))

	sum, err := inst.Compute(t.Context())
	require.NoError(t, err)
	assert.Equal(t, uint32(3), sum)
}

func TestNewWasm_InvalidModule(t *testing.T) {
	t.Parallel()

	c, err := host.NewCoordinator(newSource(t, 1), host.WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })

	_, err = NewWasm(t.Context(), testConfig(cfg.BackendWasm), zaptest.NewLogger(t), c, []byte("not wasm"))
	require.Error(t, err)
}
