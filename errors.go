package serialchannel

import (
	"errors"
	"fmt"

	gobug "go.bug.st/serial"
)

var (
	ErrAlreadyOpen       = errors.New("serialchannel: channel already open")
	ErrNotOpen           = errors.New("serialchannel: channel not open")
	ErrDeviceUnavailable = errors.New("serialchannel: device unavailable")
	ErrConfiguration     = errors.New("serialchannel: device rejected configuration")
	ErrReadFailure       = errors.New("serialchannel: background read failed")
	ErrWriteFailure      = errors.New("serialchannel: write failed")
	ErrReadTimeout       = errors.New("serialchannel: read timed out")
	ErrInvalidLength     = errors.New("serialchannel: invalid read length")
	ErrInvalidConfig     = errors.New("serialchannel: invalid configuration")
)

// WriteCode classifies a failed write.
type WriteCode int

const (
	// WriteCodeDevice means the device returned an error the backend did not classify.
	WriteCodeDevice WriteCode = iota + 1
	// WriteCodePartial means the device accepted fewer bytes than requested.
	WriteCodePartial
	// WriteCodeTimeout means the write did not complete within the write timeout.
	WriteCodeTimeout
	// WriteCodePort means Err is a go.bug.st PortError; PortCode holds its code.
	WriteCodePort
)

func (c WriteCode) String() string {
	switch c {
	case WriteCodeDevice:
		return "device"
	case WriteCodePartial:
		return "partial"
	case WriteCodeTimeout:
		return "timeout"
	case WriteCodePort:
		return "port"
	}
	return fmt.Sprintf("WriteCode(%d)", int(c))
}

// WriteError reports a write the device rejected or only partly accepted.
type WriteError struct {
	Code     WriteCode
	PortCode gobug.PortErrorCode
	N        int // bytes accepted before the failure
	Err      error
}

func newWriteError(n int, err error) *WriteError {
	we := &WriteError{Code: WriteCodeDevice, N: n, Err: err}
	if code, ok := portErrorCode(err); ok {
		we.Code = WriteCodePort
		we.PortCode = code
	}
	return we
}

func (e *WriteError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s (%s, %d bytes written)", ErrWriteFailure, e.Code, e.N)
	}
	return fmt.Sprintf("%s (%s, %d bytes written): %v", ErrWriteFailure, e.Code, e.N, e.Err)
}

func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is makes every WriteError match ErrWriteFailure.
func (e *WriteError) Is(target error) bool {
	return target == ErrWriteFailure
}

// classifyOpenError maps a device open failure onto ErrDeviceUnavailable or
// ErrConfiguration depending on what the backend complained about.
func classifyOpenError(err error) error {
	if code, ok := portErrorCode(err); ok {
		switch code {
		case gobug.InvalidSpeed, gobug.InvalidDataBits, gobug.InvalidParity,
			gobug.InvalidStopBits, gobug.InvalidTimeoutValue:
			return fmt.Errorf("%w: %w", ErrConfiguration, err)
		}
	}
	return fmt.Errorf("%w: %w", ErrDeviceUnavailable, err)
}

// portErrorCode extracts the backend error code. go.bug.st returns *PortError,
// but the value form is accepted too.
func portErrorCode(err error) (gobug.PortErrorCode, bool) {
	var pp *gobug.PortError
	if errors.As(err, &pp) && pp != nil {
		return pp.Code(), true
	}
	var pv gobug.PortError
	if errors.As(err, &pv) {
		return pv.Code(), true
	}
	return 0, false
}
