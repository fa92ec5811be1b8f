package host

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/dustin/go-humanize"
	"github.com/zeebo/blake3"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/e2b-dev/infra/packages/memshare/internal/guest"
)

// DefaultPaddingPages is added on top of the aligned source size when asking the guest
// to reserve memory, so the window can be moved to an aligned address inside it.
const DefaultPaddingPages = 2

var (
	ErrCoordinatorClosed = errors.New("coordinator already closed")
	ErrWindowMismatch    = errors.New("window content differs from the source")
)

// Memory is the part of the guest's linear memory the host needs.
// It is satisfied by wazero's api.Memory.
type Memory interface {
	Size() uint32
	Read(offset, byteCount uint32) ([]byte, bool)
	Write(offset uint32, v []byte) bool
}

// Mapper is implemented by guest memories that can map a file over part of themselves.
// Offsets are guest addresses and must be aligned to the host page size.
type Mapper interface {
	MapShared(offset uint32, file *os.File, length int64) error
	// UnmapShared replaces a mapped range with private zero pages.
	UnmapShared(offset uint32, length int64) error
}

// Negotiator is the guest entry point CreateView drives.
type Negotiator interface {
	Negotiate(ctx context.Context, size uint32) (uint32, error)
}

type WindowError struct {
	Base   uint32
	Window guest.Span
	Limit  uint64
	Reason string
}

func (e *WindowError) Error() string {
	return fmt.Sprintf("window %s for reservation at 0x%x %s (limit 0x%x)", e.Window, e.Base, e.Reason, e.Limit)
}

// Coordinator is the host half of the shared memory protocol for one guest.
// It places the source segment inside the guest's reservation and answers mem_ack.
type Coordinator struct {
	mu sync.Mutex

	source       *Segment
	paddingPages int64
	logger       *zap.Logger

	mem    Memory
	base   uint32
	window guest.Span
	mapped *bitset.BitSet
	acks   int
	// shared is set while the window maps the source pages instead of holding a copy.
	shared Mapper
	closed bool
}

type Option func(*Coordinator)

func WithLogger(logger *zap.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

func WithPaddingPages(pages int64) Option {
	return func(c *Coordinator) {
		c.paddingPages = pages
	}
}

func NewCoordinator(source *Segment, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		source:       source,
		paddingPages: DefaultPaddingPages,
		logger:       zap.L(),
		mapped:       bitset.New(0),
	}

	for _, opt := range opts {
		opt(c)
	}

	if c.paddingPages < 1 {
		return nil, fmt.Errorf("padding must be at least one page, got %d", c.paddingPages)
	}

	reservation := ToAlignedSizeWithPadding(source.Size(), c.paddingPages, source.PageSize())
	if reservation > math.MaxUint32 {
		return nil, fmt.Errorf("reservation of %d bytes does not fit the guest address space", reservation)
	}

	err := source.attach()
	if err != nil {
		return nil, fmt.Errorf("failed to attach source: %w", err)
	}

	return c, nil
}

// ReservationSize is the size the host asks the guest to reserve.
func (c *Coordinator) ReservationSize() uint32 {
	return uint32(ToAlignedSizeWithPadding(c.source.Size(), c.paddingPages, c.source.PageSize()))
}

// Ack places the source at the first page-aligned address of the reservation starting
// at base, maps or copies it into guest memory and returns the packed reply.
//
// A repeated ack for the same reservation returns the same window.
func (c *Coordinator) Ack(ctx context.Context, mem Memory, base uint32) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	reply, err := c.ack(mem, base)
	acksMetric.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", err == nil)))

	return reply, err
}

func (c *Coordinator) ack(mem Memory, base uint32) (uint64, error) {
	if c.closed {
		return 0, ErrCoordinatorClosed
	}

	pageSize := uint64(c.source.PageSize())
	start := AlignUp(uint64(base), pageSize)

	window := guest.Span{
		Base: uint32(start),
		Size: uint32(c.source.Size()),
	}

	reservationEnd := uint64(base) + uint64(c.ReservationSize())
	if start > math.MaxUint32 || window.End() > reservationEnd {
		return 0, &WindowError{Base: base, Window: window, Limit: reservationEnd, Reason: "exceeds the reservation"}
	}

	if window.End() > uint64(mem.Size()) {
		return 0, &WindowError{Base: base, Window: window, Limit: uint64(mem.Size()), Reason: "exceeds guest memory"}
	}

	view, ok := mem.Read(window.Base, window.Size)
	if !ok {
		return 0, &WindowError{Base: base, Window: window, Limit: uint64(mem.Size()), Reason: "cannot be read"}
	}

	mapper, ok := mem.(Mapper)
	if c.shared != nil && (!ok || mapper != c.shared || c.window.Base != window.Base) {
		err := c.shared.UnmapShared(c.window.Base, c.source.Size())
		if err != nil {
			return 0, fmt.Errorf("failed to unmap previous window: %w", err)
		}

		c.shared = nil
	}

	if ok && c.canShare() {
		err := c.source.mapInto(mapper, window.Base)
		if err != nil {
			return 0, fmt.Errorf("failed to map source into window: %w", err)
		}

		c.shared = mapper
	} else {
		err := c.source.copyTo(view)
		if err != nil {
			return 0, fmt.Errorf("failed to populate window: %w", err)
		}
	}

	c.mem = mem
	c.base = base
	c.window = window
	c.acks++

	c.mapped.ClearAll()
	for p := uint64(window.Base) / pageSize; p*pageSize < window.End(); p++ {
		c.mapped.Set(uint(p))
	}

	c.logger.Debug("mapped shared window",
		zap.Uint32("reservation_base", base),
		zap.Stringer("window", window),
		zap.String("size", humanize.IBytes(uint64(window.Size))),
		zap.Int("acks", c.acks),
		zap.Bool("shared", c.shared != nil),
	)

	return PackReply(window.Base-base, window.Size), nil
}

// canShare reports whether windows are aligned well enough to be mapped by the OS.
func (c *Coordinator) canShare() bool {
	return c.source.PageSize()%int64(os.Getpagesize()) == 0
}

// Shared reports whether the window maps the source pages. Source writes are then
// visible to the guest without Flush.
func (c *Coordinator) Shared() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.shared != nil
}

// View returns the guest window as a byte slice aliasing guest memory.
// Writes through it are seen by the guest and the guest's writes are seen through it.
// The slice must not be used after the guest memory is closed.
func (c *Coordinator) View() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.view()
}

func (c *Coordinator) view() ([]byte, error) {
	if c.closed {
		return nil, ErrCoordinatorClosed
	}

	if c.mem == nil {
		return nil, errors.New("no window has been mapped yet")
	}

	view, ok := c.mem.Read(c.window.Base, c.window.Size)
	if !ok {
		return nil, &WindowError{Base: c.base, Window: c.window, Limit: uint64(c.mem.Size()), Reason: "cannot be read"}
	}

	return view, nil
}

// Window returns the current window in guest addresses.
func (c *Coordinator) Window() (guest.Span, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.window, c.mem != nil
}

// Mapped returns the guest pages covered by the window, in source page size units.
func (c *Coordinator) Mapped() *bitset.BitSet {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.mapped.Clone()
}

// Flush propagates pages written to the source since the last ack or flush into the window.
// A shared window needs no flush.
func (c *Coordinator) Flush(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	view, err := c.view()
	if err != nil {
		return err
	}

	if c.shared != nil {
		c.source.clearDirty()

		return nil
	}

	pages, err := c.source.copyDirtyTo(view)
	if err != nil {
		return fmt.Errorf("failed to flush window: %w", err)
	}

	flushedPagesMetric.Add(ctx, int64(pages))

	c.logger.Debug("flushed shared window", zap.Uint("pages", pages), zap.Stringer("window", c.window))

	return nil
}

// Verify checks that the window holds the same bytes as the source segment.
// It fails once the guest or the host wrote to the window directly.
func (c *Coordinator) Verify(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	view, err := c.view()
	if err != nil {
		return err
	}

	want, err := c.source.Digest()
	if err != nil {
		return fmt.Errorf("failed to hash source: %w", err)
	}

	got := blake3.Sum256(view)
	if got != want {
		return fmt.Errorf("%w: window %s has digest %x, source %x", ErrWindowMismatch, c.window, got[:8], want[:8])
	}

	return nil
}

// CreateView asks the guest to reserve memory and checks the window it reports.
func (c *Coordinator) CreateView(ctx context.Context, g Negotiator) error {
	size, err := g.Negotiate(ctx, c.ReservationSize())
	if err != nil {
		return fmt.Errorf("failed to negotiate shared memory: %w", err)
	}

	if int64(size) != c.source.Size() {
		return fmt.Errorf("guest negotiated %d bytes, expected %d", size, c.source.Size())
	}

	return nil
}

// Close detaches the window and releases the source, which stays owned by the caller.
// A shared window is replaced by zero pages in the guest.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}

	c.closed = true
	c.mem = nil

	var err error
	if c.shared != nil {
		err = c.shared.UnmapShared(c.window.Base, c.source.Size())
		c.shared = nil
	}

	c.source.detach()

	if err != nil {
		return fmt.Errorf("failed to unmap window: %w", err)
	}

	return nil
}
