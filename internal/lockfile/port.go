package lockfile

import (
	"fmt"
	"net"
)

// DefaultPort is where port probing starts.
const DefaultPort = 3456

// portProbeAttempts is how many consecutive ports are tried before
// giving up.
const portProbeAttempts = 10

// ProbePort binds the first free loopback port starting at start, returning
// the live listener and its port. Returning the listener (instead of just
// the number) closes the race between probing and binding.
func ProbePort(start int) (net.Listener, int, error) {
	if start <= 0 {
		start = DefaultPort
	}
	var lastErr error
	for i := 0; i < portProbeAttempts; i++ {
		port := start + i
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
		lastErr = err
	}
	return nil, 0, fmt.Errorf("no free port in %d..%d: %w", start, start+portProbeAttempts-1, lastErr)
}
