//go:build linux

package dw1000

import (
	"fmt"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"
)

// spiConn adapts a periph spi.Conn to the Bus interface.
type spiConn struct {
	c spi.Conn
}

func (s spiConn) Tx(w, r []byte) error {
	return s.c.Tx(w, r)
}

// HostConfig names the SPI bus and GPIO interrupt line used by Open,
// mirroring the Name/Baud-style config of seedhammer.com/driver/mjolnir.Open
// and the bcm283x pin wiring of seedhammer.com/lcd.Open.
type HostConfig struct {
	SPIBus  string // passed to spireg.Open; "" picks the first bus
	IRQGPIO int     // Linux GPIO line number of the DW1000's IRQ pin
}

// Open opens the SPI bus and GPIO interrupt line named by cfg and
// returns a Device bound to them. Only available on linux, since it
// depends on periph's sysfs/spidev backend the way
// seedhammer.com/camera and driver/wshat do.
func Open(cfg HostConfig) (*Device, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("dw1000: %w", err)
	}
	p, err := spireg.Open(cfg.SPIBus)
	if err != nil {
		return nil, fmt.Errorf("dw1000: %w", err)
	}
	c, err := p.Connect(20*physic.MegaHertz, spi.Mode0, 8)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("dw1000: %w", err)
	}
	if lim, ok := c.(conn.Limits); ok {
		_ = lim.MaxTxSize() // validated lazily by Bus.Tx call sizes
	}

	irq, err := openIRQ(cfg.IRQGPIO)
	if err != nil {
		p.Close()
		return nil, fmt.Errorf("dw1000: %w", err)
	}

	return New(spiConn{c}, irq), nil
}
