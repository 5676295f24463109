package serialchannel

import (
	"fmt"
	"strings"

	gobug "go.bug.st/serial"
)

type StopBits gobug.StopBits

func (sb StopBits) Get() gobug.StopBits {
	return gobug.StopBits(sb)
}

const (
	// StopBits1 represents 1 stop bit
	StopBits1 = StopBits(gobug.OneStopBit)
	// StopBits1Half represents 1.5 stop bits
	StopBits1Half = StopBits(gobug.OnePointFiveStopBits)
	// StopBits2 represents 2 stop bits
	StopBits2 = StopBits(gobug.TwoStopBits)
)

func (sb StopBits) String() string {
	switch sb {
	case StopBits1:
		return "1"
	case StopBits1Half:
		return "1.5"
	case StopBits2:
		return "2"
	}
	return fmt.Sprintf("StopBits(%d)", int(sb))
}

func (sb StopBits) Valid() bool {
	return sb == StopBits1 || sb == StopBits1Half || sb == StopBits2
}

func (sb StopBits) MarshalText() ([]byte, error) {
	if !sb.Valid() {
		return nil, fmt.Errorf("invalid stop bits %d", int(sb))
	}
	return []byte(sb.String()), nil
}

// UnmarshalText accepts "1", "1.5" or "2".
func (sb *StopBits) UnmarshalText(text []byte) error {
	switch strings.TrimSpace(string(text)) {
	case "1":
		*sb = StopBits1
	case "1.5":
		*sb = StopBits1Half
	case "2":
		*sb = StopBits2
	default:
		return fmt.Errorf("unknown stop bits %q", string(text))
	}
	return nil
}
