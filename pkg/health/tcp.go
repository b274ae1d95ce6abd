package health

import (
	"context"
	"net"
	"time"
)

// TCPChecker reports a service ready once its published port accepts a
// connection. It is the probe for services without a protocol-aware one.
type TCPChecker struct {
	Address string
	Timeout time.Duration
}

// NewTCPChecker creates a checker for a host:port address
func NewTCPChecker(address string) *TCPChecker {
	return &TCPChecker{Address: address, Timeout: DefaultConfig().Timeout}
}

// Check dials once and closes the connection right away
func (c *TCPChecker) Check(ctx context.Context) Result {
	start := time.Now()
	conn, err := (&net.Dialer{Timeout: c.Timeout}).DialContext(ctx, "tcp", c.Address)
	if err != nil {
		return failed(start, "dial %s: %v", c.Address, err)
	}
	_ = conn.Close()
	return passed(start, "%s accepts connections", c.Address)
}

func (c *TCPChecker) Type() CheckType { return CheckTypeTCP }

// WithTimeout sets the dial timeout
func (c *TCPChecker) WithTimeout(timeout time.Duration) *TCPChecker {
	c.Timeout = timeout
	return c
}
