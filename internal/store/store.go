// Package store persists the last signaling serial a peer has processed, so
// a restarted peer resumes the update channel at serial+1.
package store

import "sync"

// SerialStore loads and saves the last processed serial. Zero means nothing
// has been processed yet.
type SerialStore interface {
	Load() (uint64, error)
	Save(serial uint64) error
}

// Memory is a process-local SerialStore.
type Memory struct {
	mu     sync.Mutex
	serial uint64
}

// NewMemory returns a Memory store starting at serial.
func NewMemory(serial uint64) *Memory {
	return &Memory{serial: serial}
}

func (m *Memory) Load() (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.serial, nil
}

func (m *Memory) Save(serial uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.serial = serial
	return nil
}
