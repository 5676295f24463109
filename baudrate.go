package serialchannel

// BaudRate is the line speed in bits per second.
type BaudRate int

func (b BaudRate) Int() int {
	return int(b)
}

// Standard reports whether b is one of the rates every common UART supports.
// Non-standard rates are still passed to the device, which may reject them.
func (b BaudRate) Standard() bool {
	for _, v := range standardBaudRates {
		if b == v {
			return true
		}
	}
	return false
}

const (
	Baud1200   BaudRate = 1200
	Baud2400   BaudRate = 2400
	Baud4800   BaudRate = 4800
	Baud9600   BaudRate = 9600
	Baud19200  BaudRate = 19200
	Baud38400  BaudRate = 38400
	Baud57600  BaudRate = 57600
	Baud115200 BaudRate = 115200
	Baud230400 BaudRate = 230400
	Baud460800 BaudRate = 460800
	Baud921600 BaudRate = 921600

	DefaultBaudRate = Baud9600
)

var standardBaudRates = []BaudRate{
	Baud1200, Baud2400, Baud4800, Baud9600, Baud19200, Baud38400,
	Baud57600, Baud115200, Baud230400, Baud460800, Baud921600,
}
