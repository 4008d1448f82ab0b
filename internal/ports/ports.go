package ports

import (
	"errors"
	"fmt"
	"net"
	"strconv"
)

// DefaultPreferred is used when the caller asks for port 0.
const DefaultPreferred = 3000

var ErrNoPortAvailable = errors.New("no port available")

// Find returns the first port in [preferred, preferred+rangeSize) on host that
// nothing is listening on. Ports are probed in ascending order.
func Find(host string, preferred, rangeSize int) (int, error) {
	if preferred <= 0 {
		preferred = DefaultPreferred
	}
	if rangeSize < 1 {
		rangeSize = 1
	}
	last := preferred + rangeSize - 1
	if last > 65535 {
		last = 65535
	}
	for port := preferred; port <= last; port++ {
		if Available(host, port) {
			return port, nil
		}
	}
	return 0, fmt.Errorf("%w in range %d-%d", ErrNoPortAvailable, preferred, last)
}

// Available reports whether a TCP listener can currently be bound on host:port.
func Available(host string, port int) bool {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	_ = ln.Close()
	return true
}
