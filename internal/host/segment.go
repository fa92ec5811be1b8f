package host

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/edsrzf/mmap-go"
	"github.com/zeebo/blake3"
	"golang.org/x/sys/unix"
)

var (
	ErrSegmentClosed = errors.New("segment already closed")
	ErrSegmentInUse  = errors.New("segment is still in use")
)

// Segment is the host's copy of the data shared with a guest.
//
// It is backed by a file (a memfd for anonymous segments), so guest memory that
// supports it can map the same pages. Otherwise writes through WriteAt are tracked
// per page until Coordinator.Flush propagates them to the guest window.
type Segment struct {
	mu sync.RWMutex

	mmap     mmap.MMap
	file     *os.File
	filePath string
	size     int64
	pageSize int64

	dirty  *bitset.BitSet
	views  int
	closed bool
}

// NewAnonymousSegment maps size bytes of memory not backed by the filesystem.
func NewAnonymousSegment(size, pageSize int64) (*Segment, error) {
	if err := validateSegment(size, pageSize); err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate("memshare-segment", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("error creating memfd: %w", err)
	}

	f := os.NewFile(uintptr(fd), "memshare-segment")

	mm, err := mapFile(f, size)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}

	return newSegment(mm, f, "", size, pageSize), nil
}

// NewFileSegment maps size bytes of filePath, creating it as a sparse file if needed.
// The file is removed on Close.
func NewFileSegment(size, pageSize int64, filePath string) (*Segment, error) {
	if err := validateSegment(size, pageSize); err != nil {
		return nil, err
	}

	f, err := os.OpenFile(filePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("error opening file: %w", err)
	}

	mm, err := mapFile(f, size)
	if err != nil {
		return nil, errors.Join(err, f.Close())
	}

	return newSegment(mm, f, filePath, size, pageSize), nil
}

func mapFile(f *os.File, size int64) (mmap.MMap, error) {
	// This should create a sparse file on Linux.
	err := f.Truncate(size)
	if err != nil {
		return nil, fmt.Errorf("error allocating file: %w", err)
	}

	mm, err := mmap.MapRegion(f, int(size), mmap.RDWR, 0, 0)
	if err != nil {
		return nil, fmt.Errorf("error mapping file: %w", err)
	}

	return mm, nil
}

func newSegment(mm mmap.MMap, f *os.File, filePath string, size, pageSize int64) *Segment {
	return &Segment{
		mmap:     mm,
		file:     f,
		filePath: filePath,
		size:     size,
		pageSize: pageSize,
		dirty:    bitset.New(uint(totalPages(size, pageSize))),
	}
}

func validateSegment(size, pageSize int64) error {
	if size <= 0 {
		return fmt.Errorf("segment size must be positive, got %d", size)
	}

	// The window size travels in the low 32 bits of the reply.
	if size > math.MaxUint32 {
		return fmt.Errorf("segment size too big: %d > %d", size, uint32(math.MaxUint32))
	}

	if !isPowerOfTwo(pageSize) {
		return fmt.Errorf("page size %d is not a power of 2", pageSize)
	}

	return nil
}

func (s *Segment) Size() int64 {
	return s.size
}

func (s *Segment) PageSize() int64 {
	return s.pageSize
}

func (s *Segment) ReadAt(b []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}

	if off < 0 {
		return 0, fmt.Errorf("negative offset %d", off)
	}

	if off >= s.size {
		return 0, io.EOF
	}

	n := copy(b, s.mmap[off:])
	if n < len(b) {
		return n, io.EOF
	}

	return n, nil
}

// WriteAt writes into the segment and marks the touched pages dirty.
func (s *Segment) WriteAt(b []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}

	if off < 0 || off+int64(len(b)) > s.size {
		return 0, fmt.Errorf("write [%d-%d) is outside the segment of %d bytes", off, off+int64(len(b)), s.size)
	}

	n := copy(s.mmap[off:], b)

	if n > 0 {
		for i := off / s.pageSize; i <= (off+int64(n)-1)/s.pageSize; i++ {
			s.dirty.Set(uint(i))
		}
	}

	return n, nil
}

// Dirty returns a copy of the pages written since they were last propagated.
func (s *Segment) Dirty() *bitset.BitSet {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.dirty.Clone()
}

// copyTo copies the whole segment into dst and clears the dirty pages.
func (s *Segment) copyTo(dst []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	copy(dst, s.mmap)
	s.dirty.ClearAll()

	return nil
}

// copyDirtyTo copies only the dirty pages into dst, clears them and returns how many were copied.
func (s *Segment) copyDirtyTo(dst []byte) (uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrSegmentClosed
	}

	var pages uint
	for idx, ok := s.dirty.NextSet(0); ok; idx, ok = s.dirty.NextSet(idx + 1) {
		start := int64(idx) * s.pageSize
		end := min(start+s.pageSize, s.size)

		copy(dst[start:end], s.mmap[start:end])
		pages++
	}

	s.dirty.ClearAll()

	return pages, nil
}

// Digest returns the BLAKE3 hash of the segment content.
func (s *Segment) Digest() ([32]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return [32]byte{}, ErrSegmentClosed
	}

	return blake3.Sum256(s.mmap), nil
}

func (s *Segment) Sync() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	err := s.mmap.Flush()
	if err != nil {
		return fmt.Errorf("error flushing mmap: %w", err)
	}

	return nil
}

// attach registers a holder of the segment. Close fails until every holder detached.
func (s *Segment) attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	s.views++

	return nil
}

func (s *Segment) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.views > 0 {
		s.views--
	}
}

// mapInto maps the whole segment over guest memory at offset. Both sides see the
// same pages afterwards, so nothing is left to flush.
func (s *Segment) mapInto(m Mapper, offset uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrSegmentClosed
	}

	err := m.MapShared(offset, s.file, s.size)
	if err != nil {
		return err
	}

	s.dirty.ClearAll()

	return nil
}

// clearDirty drops the dirty pages; used once the window shares the segment's pages.
func (s *Segment) clearDirty() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.dirty.ClearAll()
}

// Close unmaps the segment and removes its file. It fails with ErrSegmentInUse while
// a coordinator still holds the segment.
func (s *Segment) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	if s.views > 0 {
		return fmt.Errorf("%w by %d view(s)", ErrSegmentInUse, s.views)
	}

	s.closed = true

	mmapErr := s.mmap.Unmap()
	fileErr := s.file.Close()

	var removeErr error
	if s.filePath != "" {
		removeErr = os.RemoveAll(s.filePath)
	}

	return errors.Join(mmapErr, fileErr, removeErr)
}

func totalPages(size, pageSize int64) int64 {
	return (size + pageSize - 1) / pageSize
}
