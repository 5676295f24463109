package serialchannel

import (
	"fmt"
	"os"
	"time"

	"github.com/goccy/go-json"
)

const (
	DefaultReadInterval      = 10 * time.Second
	DefaultReadTotalConstant = time.Second
	DefaultWriteTotalConst   = 100 * time.Millisecond
	DefaultReadStringTimeout = 2 * time.Second

	// DefaultMaxBuffered caps the receive buffer. 64KB aligns with typical OS
	// serial buffer sizes.
	DefaultMaxBuffered = 64 * 1024

	// AbsoluteMaxBuffered is the largest receive buffer a Config may ask for.
	AbsoluteMaxBuffered = 1024 * 1024
)

// TimeoutPolicy bounds device reads and writes. It is applied once per Open.
type TimeoutPolicy struct {
	// ReadInterval caps the effective read timeout. Zero disables the cap.
	ReadInterval time.Duration `json:"read_interval" validate:"gte=0"`
	// ReadTotalConstant is how long a single device read waits for data.
	ReadTotalConstant time.Duration `json:"read_total_constant" validate:"gt=0"`
	// ReadTotalMultiplier is added once per byte the reader asks for.
	ReadTotalMultiplier time.Duration `json:"read_total_multiplier" validate:"gte=0"`
	// WriteTotalConstant bounds a single Write. Zero means unbounded.
	WriteTotalConstant time.Duration `json:"write_total_constant" validate:"gte=0"`
	// WriteTotalMultiplier is added once per byte written.
	WriteTotalMultiplier time.Duration `json:"write_total_multiplier" validate:"gte=0"`
}

// ReadTimeout is the timeout handed to the device for a read of chunk bytes.
func (t TimeoutPolicy) ReadTimeout(chunk int) time.Duration {
	d := t.ReadTotalConstant + t.ReadTotalMultiplier*time.Duration(chunk)
	if t.ReadInterval > 0 && d > t.ReadInterval {
		d = t.ReadInterval
	}
	return d
}

// WriteTimeout is the bound for writing n bytes. Zero means unbounded.
func (t TimeoutPolicy) WriteTimeout(n int) time.Duration {
	if t.WriteTotalConstant == 0 && t.WriteTotalMultiplier == 0 {
		return 0
	}
	return t.WriteTotalConstant + t.WriteTotalMultiplier*time.Duration(n)
}

// DefaultTimeoutPolicy returns the fixed policy: 10s read interval cap,
// 1s read total, 100ms write total.
func DefaultTimeoutPolicy() TimeoutPolicy {
	return TimeoutPolicy{
		ReadInterval:       DefaultReadInterval,
		ReadTotalConstant:  DefaultReadTotalConstant,
		WriteTotalConstant: DefaultWriteTotalConst,
	}
}

// Config holds configuration for a serial channel. Line parameters default
// to 8-N-1.
type Config struct {
	// PortName is the platform device path, e.g. /dev/ttyUSB0 or COM3.
	PortName string        `json:"port_name" validate:"required,portname"`
	BaudRate int           `json:"baud_rate" validate:"gt=0"`
	DataBits DataBits      `json:"data_bits" validate:"min=5,max=8"`
	Parity   Parity        `json:"parity" validate:"parity"`
	StopBits StopBits      `json:"stop_bits" validate:"stopbits"`
	Timeouts TimeoutPolicy `json:"timeouts"`

	// DTR and RTS are driven to the given level on open. Nil leaves the line alone.
	DTR *bool `json:"dtr,omitempty"`
	RTS *bool `json:"rts,omitempty"`

	// ReadStringTimeout bounds ReadString when the caller's context has no deadline.
	ReadStringTimeout time.Duration `json:"read_string_timeout" validate:"gt=0"`

	// MaxBuffered caps the receive buffer; bytes arriving past it are dropped.
	MaxBuffered int `json:"max_buffered" validate:"gt=0,lte=1048576"`
}

// DefaultConfig returns an 8-N-1 configuration with the default timeout policy.
// A non-positive baudRate selects DefaultBaudRate.
func DefaultConfig(portName string, baudRate int) Config {
	if baudRate <= 0 {
		baudRate = DefaultBaudRate.Int()
	}
	return Config{
		PortName:          portName,
		BaudRate:          baudRate,
		DataBits:          DefaultDataBits,
		Parity:            ParityNone,
		StopBits:          StopBits1,
		Timeouts:          DefaultTimeoutPolicy(),
		ReadStringTimeout: DefaultReadStringTimeout,
		MaxBuffered:       DefaultMaxBuffered,
	}
}

// fileConfig is the on-disk shape of Config: durations are Go duration strings.
type fileConfig struct {
	PortName          string   `json:"port_name"`
	BaudRate          int      `json:"baud_rate"`
	DataBits          DataBits `json:"data_bits"`
	Parity            *Parity  `json:"parity"`
	StopBits          StopBits `json:"stop_bits"`
	DTR               *bool    `json:"dtr"`
	RTS               *bool    `json:"rts"`
	ReadStringTimeout string   `json:"read_string_timeout"`
	MaxBuffered       int      `json:"max_buffered"`
	Timeouts          struct {
		ReadInterval         string `json:"read_interval"`
		ReadTotalConstant    string `json:"read_total_constant"`
		ReadTotalMultiplier  string `json:"read_total_multiplier"`
		WriteTotalConstant   string `json:"write_total_constant"`
		WriteTotalMultiplier string `json:"write_total_multiplier"`
	} `json:"timeouts"`
}

// LoadConfig reads a JSON config file. Fields missing from the file keep the
// values from DefaultConfig. The result is validated.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}
	return ParseConfig(data)
}

// ParseConfig decodes a JSON config document. See LoadConfig.
func ParseConfig(data []byte) (Config, error) {
	var fc fileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("%w: decoding: %w", ErrInvalidConfig, err)
	}

	cfg := DefaultConfig(fc.PortName, fc.BaudRate)
	if fc.DataBits != 0 {
		cfg.DataBits = fc.DataBits
	}
	if fc.Parity != nil {
		cfg.Parity = *fc.Parity
	}
	// StopBits1 is the zero value, so an absent field and "1" agree.
	cfg.StopBits = fc.StopBits
	cfg.DTR = fc.DTR
	cfg.RTS = fc.RTS
	if fc.MaxBuffered != 0 {
		cfg.MaxBuffered = fc.MaxBuffered
	}

	durations := []struct {
		name string
		src  string
		dst  *time.Duration
	}{
		{"read_string_timeout", fc.ReadStringTimeout, &cfg.ReadStringTimeout},
		{"timeouts.read_interval", fc.Timeouts.ReadInterval, &cfg.Timeouts.ReadInterval},
		{"timeouts.read_total_constant", fc.Timeouts.ReadTotalConstant, &cfg.Timeouts.ReadTotalConstant},
		{"timeouts.read_total_multiplier", fc.Timeouts.ReadTotalMultiplier, &cfg.Timeouts.ReadTotalMultiplier},
		{"timeouts.write_total_constant", fc.Timeouts.WriteTotalConstant, &cfg.Timeouts.WriteTotalConstant},
		{"timeouts.write_total_multiplier", fc.Timeouts.WriteTotalMultiplier, &cfg.Timeouts.WriteTotalMultiplier},
	}
	for _, d := range durations {
		if d.src == "" {
			continue
		}
		v, err := time.ParseDuration(d.src)
		if err != nil {
			return Config{}, fmt.Errorf("%w: %s: %w", ErrInvalidConfig, d.name, err)
		}
		*d.dst = v
	}

	if err := ValidateConfig(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
