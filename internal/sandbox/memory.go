package sandbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/e2b-dev/infra/packages/memshare/internal/guest"
)

// LinearMemory is guest memory for the native backend.
//
// The whole limit is reserved up front and grown by bumping the visible size, so
// slices handed out by Read stay valid for the lifetime of the memory.
type LinearMemory struct {
	mu sync.RWMutex

	buf        []byte
	pages      uint32
	limitPages uint32
}

func NewLinearMemory(initialPages, limitPages uint32) (*LinearMemory, error) {
	if limitPages == 0 || limitPages > 65535 {
		return nil, fmt.Errorf("memory limit must be between 1 and 65535 pages, got %d", limitPages)
	}

	if initialPages > limitPages {
		return nil, fmt.Errorf("initial pages %d exceed the limit of %d", initialPages, limitPages)
	}

	buf, err := unix.Mmap(-1, 0, int(limitPages)*guest.PageSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("failed to reserve linear memory: %w", err)
	}

	return &LinearMemory{
		buf:        buf,
		pages:      initialPages,
		limitPages: limitPages,
	}, nil
}

func (m *LinearMemory) Size() uint32 {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.pages * guest.PageSize
}

func (m *LinearMemory) Grow(deltaPages uint32) (uint32, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	previous := m.pages
	if m.buf == nil || uint64(previous)+uint64(deltaPages) > uint64(m.limitPages) {
		return previous, false
	}

	m.pages += deltaPages

	return previous, true
}

func (m *LinearMemory) Read(offset, byteCount uint32) ([]byte, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasSize(offset, uint64(byteCount)) {
		return nil, false
	}

	return m.buf[offset : offset+byteCount : offset+byteCount], true
}

func (m *LinearMemory) ReadUint32Le(offset uint32) (uint32, bool) {
	v, ok := m.Read(offset, 4)
	if !ok {
		return 0, false
	}

	return binary.LittleEndian.Uint32(v), true
}

func (m *LinearMemory) Write(offset uint32, v []byte) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.hasSize(offset, uint64(len(v))) {
		return false
	}

	copy(m.buf[offset:], v)

	return true
}

func (m *LinearMemory) hasSize(offset uint32, byteCount uint64) bool {
	return m.buf != nil && uint64(offset)+byteCount <= uint64(m.pages)*guest.PageSize
}

// MapShared maps length bytes of file over the memory at offset, so guest and host
// share the same pages. offset must be aligned to the OS page size.
func (m *LinearMemory) MapShared(offset uint32, file *os.File, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	mapped, err := m.sharedRange(offset, length)
	if err != nil {
		return err
	}

	if !m.hasSize(offset, uint64(length)) {
		return fmt.Errorf("range %d+%d is outside of the memory size %d", offset, length, uint64(m.pages)*guest.PageSize)
	}

	_, err = unix.MmapPtr(int(file.Fd()), 0, unsafe.Pointer(&m.buf[offset]), mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("failed to map %s at %d: %w", file.Name(), offset, err)
	}

	return nil
}

// UnmapShared replaces a range mapped by MapShared with private zero pages.
func (m *LinearMemory) UnmapShared(offset uint32, length int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return nil
	}

	mapped, err := m.sharedRange(offset, length)
	if err != nil {
		return err
	}

	_, err = unix.MmapPtr(-1, 0, unsafe.Pointer(&m.buf[offset]), mapped, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON|unix.MAP_FIXED)
	if err != nil {
		return fmt.Errorf("failed to unmap shared range at %d: %w", offset, err)
	}

	return nil
}

// sharedRange returns length rounded up to whole OS pages.
func (m *LinearMemory) sharedRange(offset uint32, length int64) (uintptr, error) {
	if m.buf == nil {
		return 0, errors.New("linear memory already released")
	}

	osPage := uint64(os.Getpagesize())
	if uint64(offset)%osPage != 0 {
		return 0, fmt.Errorf("offset %d is not aligned to the %d byte OS page", offset, osPage)
	}

	if length <= 0 {
		return 0, fmt.Errorf("invalid length %d", length)
	}

	mapped := (uint64(length) + osPage - 1) / osPage * osPage
	if uint64(offset)+mapped > uint64(len(m.buf)) {
		return 0, fmt.Errorf("range %d+%d is outside of the reservation", offset, mapped)
	}

	return uintptr(mapped), nil
}

// Reallocate implements experimental.LinearMemory, so wazero can use the reservation
// as guest memory. It returns nil when size is over the limit.
func (m *LinearMemory) Reallocate(size uint64) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil || size > uint64(len(m.buf)) || size%guest.PageSize != 0 {
		return nil
	}

	m.pages = uint32(size / guest.PageSize)

	return m.buf[:size]
}

// Free implements experimental.LinearMemory.
func (m *LinearMemory) Free() {
	_ = m.Close()
}

func (m *LinearMemory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.buf == nil {
		return nil
	}

	err := unix.Munmap(m.buf)
	m.buf = nil
	m.pages = 0

	if err != nil {
		return fmt.Errorf("failed to release linear memory: %w", err)
	}

	return nil
}
