package link

import (
	"fmt"

	"go.bug.st/serial"
)

type bugstPort struct {
	serial.Port
}

func (p bugstPort) discardInput() error { return p.ResetInputBuffer() }

func openBugst(name string, baud Baud) (Transport, error) {
	p, err := serial.Open(name, &serial.Mode{
		BaudRate: int(baud),
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrConnectFailed, name, err)
	}
	if err := p.SetReadTimeout(pollInterval); err != nil {
		p.Close()
		return nil, fmt.Errorf("%w: %s: set read timeout: %v", ErrConnectFailed, name, err)
	}
	return newSerialConn(name, baud, bugstPort{p}), nil
}

// Ports lists the serial devices present on this host.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}
