package serialchannel

import (
	"fmt"
	"strings"

	gobug "go.bug.st/serial"
)

type Parity gobug.Parity

func (pa Parity) Get() gobug.Parity {
	return gobug.Parity(pa)
}

const (
	// ParityNone represents no parity bit
	ParityNone = Parity(gobug.NoParity)
	// ParityOdd represents odd parity bit
	ParityOdd = Parity(gobug.OddParity)
	// ParityEven represents even parity bit
	ParityEven = Parity(gobug.EvenParity)
	// ParityMark represents mark parity bit (always 1)
	ParityMark = Parity(gobug.MarkParity)
	// ParitySpace represents space parity bit (always 0)
	ParitySpace = Parity(gobug.SpaceParity)
)

var parityNames = map[Parity]string{
	ParityNone:  "none",
	ParityOdd:   "odd",
	ParityEven:  "even",
	ParityMark:  "mark",
	ParitySpace: "space",
}

func (pa Parity) String() string {
	if s, ok := parityNames[pa]; ok {
		return s
	}
	return fmt.Sprintf("Parity(%d)", int(pa))
}

// Valid reports whether pa is a parity mode the device backend knows.
func (pa Parity) Valid() bool {
	_, ok := parityNames[pa]
	return ok
}

// MarshalText encodes the parity by name so config files stay readable.
func (pa Parity) MarshalText() ([]byte, error) {
	if !pa.Valid() {
		return nil, fmt.Errorf("invalid parity %d", int(pa))
	}
	return []byte(pa.String()), nil
}

// UnmarshalText accepts a parity name ("none", "odd", ...) or its first letter.
func (pa *Parity) UnmarshalText(text []byte) error {
	s := strings.ToLower(strings.TrimSpace(string(text)))
	for p, name := range parityNames {
		if s == name || (len(s) == 1 && s[0] == name[0]) {
			*pa = p
			return nil
		}
	}
	return fmt.Errorf("unknown parity %q", string(text))
}
