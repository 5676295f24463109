package serialchannel

import (
	"time"

	gobug "go.bug.st/serial"
)

// Device abstracts the subset of go.bug.st/serial.Port used by a Channel.
// Read must return (0, nil) when the read timeout expires without data.
type Device interface {
	SetMode(mode *gobug.Mode) error
	SetReadTimeout(t time.Duration) error
	SetDTR(dtr bool) error
	SetRTS(rts bool) error
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetOutputBuffer() error
	Close() error
}

// Opener acquires a device handle for exclusive read/write access.
type Opener func(portName string, mode *gobug.Mode) (Device, error)

// bugstOpener opens a real port through go.bug.st/serial.
func bugstOpener(portName string, mode *gobug.Mode) (Device, error) {
	p, err := gobug.Open(portName, mode)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// openMode is the mode a device is opened with. The configured mode is
// applied afterwards with SetMode, so the backend reports a rejected line
// parameter as such instead of as an unusable port.
func openMode(cfg Config) *gobug.Mode {
	return &gobug.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: DefaultDataBits.Int(),
		Parity:   gobug.NoParity,
		StopBits: gobug.OneStopBit,
	}
}

// modeFor builds the backend line mode from a Config.
func modeFor(cfg Config) *gobug.Mode {
	return &gobug.Mode{
		BaudRate: cfg.BaudRate,
		DataBits: cfg.DataBits.Int(),
		Parity:   cfg.Parity.Get(),
		StopBits: cfg.StopBits.Get(),
	}
}
