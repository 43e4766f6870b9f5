package gpio

import (
	"fmt"
	"sync"

	"github.com/kraman/go-firmata"
)

// Firmata drives the coil lines through an Arduino running StandardFirmata
// on a serial port.
type Firmata struct {
	mu     sync.Mutex
	device string
	baud   int
	pins   [Lines]uint8
	client *firmata.FirmataClient
}

func NewFirmata(device string, baud int, pins [Lines]int) *Firmata {
	f := &Firmata{device: device, baud: baud}
	for i, p := range pins {
		f.pins[i] = uint8(p)
	}
	return f
}

func (f *Firmata) Setup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return nil
	}
	client, err := firmata.NewClient(f.device, f.baud)
	if err != nil {
		return fmt.Errorf("firmata connect %s: %w", f.device, err)
	}
	for _, pin := range f.pins {
		if err := client.SetPinMode(pin, firmata.Output); err != nil {
			client.Close()
			return fmt.Errorf("firmata pin %d mode: %w", pin, err)
		}
	}
	f.client = client
	return nil
}

func (f *Firmata) SetPattern(p Pattern) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return ErrNotSetup
	}
	for i, pin := range f.pins {
		if err := f.client.DigitalWrite(pin, p.Line(i)); err != nil {
			return fmt.Errorf("firmata write pin %d: %w", pin, err)
		}
	}
	return nil
}

func (f *Firmata) AllOff() error {
	return f.SetPattern(Off)
}

func (f *Firmata) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client == nil {
		return nil
	}
	for _, pin := range f.pins {
		f.client.DigitalWrite(pin, false)
	}
	// it's annoying to reconnect to the microcontroller if you don't Close()
	f.client.Close()
	f.client = nil
	return nil
}
