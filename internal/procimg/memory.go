package procimg

import "sync"

// MemoryBackend keeps the image in memory. It stands in for the hardware
// when running without a PLC and in tests.
type MemoryBackend struct {
	mu     sync.Mutex
	data   []byte
	loads  int
	stores int
}

func NewMemoryBackend(size int) *MemoryBackend {
	return &MemoryBackend{data: make([]byte, size)}
}

func (m *MemoryBackend) Load(buf []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grow(len(buf))
	copy(buf, m.data)
	m.loads++
	return nil
}

func (m *MemoryBackend) Store(buf []byte, regions []Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grow(len(buf))
	for _, r := range regions {
		copy(m.data[r.Start:r.End], buf[r.Start:r.End])
	}
	m.stores++
	return nil
}

func (m *MemoryBackend) Close() error {
	return nil
}

// Poke overwrites raw bytes, simulating the hardware changing inputs.
func (m *MemoryBackend) Poke(address int, b ...byte) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.grow(address + len(b))
	copy(m.data[address:], b)
}

// Bytes returns a copy of the backend memory.
func (m *MemoryBackend) Bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]byte, len(m.data))
	copy(out, m.data)
	return out
}

// Counts reports how many loads and stores were performed.
func (m *MemoryBackend) Counts() (loads, stores int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loads, m.stores
}

func (m *MemoryBackend) grow(size int) {
	if size > len(m.data) {
		grown := make([]byte, size)
		copy(grown, m.data)
		m.data = grown
	}
}
