package link

import (
	"fmt"

	"github.com/tarm/serial"
)

// OpenSerial opens a serial port for use with New. Reads block until data
// arrives; Guard.Close unblocks them by closing the port.
func OpenSerial(name string, baud int) (Port, error) {
	if baud <= 0 {
		baud = 9600
	}
	c := &serial.Config{Name: name, Baud: baud}
	s, err := serial.OpenPort(c)
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", name, err)
	}
	return s, nil
}
