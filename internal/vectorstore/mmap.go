package vectorstore

import (
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// mmapFile wraps a read/write memory mapping of a single file, generalizing
// the teacher's internal/memory.MemoryMap onto golang.org/x/sys/unix instead
// of raw syscall calls.
type mmapFile struct {
	mu   sync.RWMutex
	file *os.File
	data []byte
	path string
}

// openMmap opens (creating if necessary) path, truncates it to size if it is
// smaller, and maps it read/write, shared.
func openMmap(path string, size int64) (*mmapFile, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("vectorstore: open %s: %w", path, err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("vectorstore: stat %s: %w", path, err)
	}
	if stat.Size() < size {
		if err := file.Truncate(size); err != nil {
			file.Close()
			return nil, fmt.Errorf("vectorstore: truncate %s: %w", path, err)
		}
	} else {
		size = stat.Size()
	}

	data, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("vectorstore: mmap %s: %w", path, err)
	}

	return &mmapFile{file: file, data: data, path: path}, nil
}

func (m *mmapFile) Data() []byte {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.data
}

func (m *mmapFile) Size() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int64(len(m.data))
}

// Force msyncs the mapped region to disk (MS_SYNC blocks until complete).
func (m *mmapFile) Force() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return fmt.Errorf("vectorstore: mmap %s already closed", m.path)
	}
	return unix.Msync(m.data, unix.MS_SYNC)
}

// Grow unmaps, truncates the backing file to newSize, and remaps.
func (m *mmapFile) Grow(newSize int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := unix.Munmap(m.data); err != nil {
		return fmt.Errorf("vectorstore: munmap %s: %w", m.path, err)
	}
	if err := m.file.Truncate(newSize); err != nil {
		return fmt.Errorf("vectorstore: truncate %s: %w", m.path, err)
	}
	data, err := unix.Mmap(int(m.file.Fd()), 0, int(newSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return fmt.Errorf("vectorstore: remap %s: %w", m.path, err)
	}
	m.data = data
	return nil
}

func (m *mmapFile) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		return nil
	}
	err := unix.Munmap(m.data)
	m.data = nil
	if closeErr := m.file.Close(); err == nil {
		err = closeErr
	}
	return err
}
