package procimg

import (
	"context"
	"fmt"
	"time"

	"github.com/XavSPM/RevpiEpics/internal/modbus"
)

// ModbusBackend maps the image onto holding registers of a Modbus TCP
// server. Image bytes 2n and 2n+1 are the high and low byte of register
// base+n. Registers are written whole, so a byte sharing a register with an
// output region is written back as it was last read.
type ModbusBackend struct {
	client  *modbus.Client
	unitID  uint8
	base    uint16
	timeout time.Duration
}

func NewModbusBackend(client *modbus.Client, unitID uint8, base uint16, timeout time.Duration) *ModbusBackend {
	return &ModbusBackend{
		client:  client,
		unitID:  unitID,
		base:    base,
		timeout: timeout,
	}
}

func (m *ModbusBackend) Load(buf []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	total := (len(buf) + 1) / 2
	for start := 0; start < total; start += modbus.MaxReadQuantity {
		qty := min(modbus.MaxReadQuantity, total-start)

		regs, err := m.client.ReadHoldingRegisters(ctx, m.unitID, m.base+uint16(start), uint16(qty))
		if err != nil {
			return fmt.Errorf("registers %d..%d: %w", start, start+qty-1, err)
		}

		for i, r := range regs {
			b := 2 * (start + i)
			buf[b] = byte(r >> 8)
			if b+1 < len(buf) {
				buf[b+1] = byte(r)
			}
		}
	}
	return nil
}

func (m *ModbusBackend) Store(buf []byte, regions []Region) error {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	for _, r := range regions {
		first := r.Start / 2
		last := (r.End - 1) / 2

		for start := first; start <= last; start += modbus.MaxWriteQuantity {
			qty := min(modbus.MaxWriteQuantity, last-start+1)

			values := make([]uint16, qty)
			for i := range values {
				b := 2 * (start + i)
				v := uint16(buf[b]) << 8
				if b+1 < len(buf) {
					v |= uint16(buf[b+1])
				}
				values[i] = v
			}

			if err := m.client.WriteMultipleRegisters(ctx, m.unitID, m.base+uint16(start), values); err != nil {
				return fmt.Errorf("registers %d..%d: %w", start, start+qty-1, err)
			}
		}
	}
	return nil
}

func (m *ModbusBackend) Close() error {
	return m.client.Close()
}
