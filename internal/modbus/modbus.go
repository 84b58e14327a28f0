// Package modbus drives Modbus relay boards, either on a local RTU serial
// line or through an HTTP bridge.
package modbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/goburrow/modbus"

	"github.com/w1xm/dome_interface/internal/modbus/modbushttp"
)

type modbusHandler interface {
	modbus.ClientHandler
	Connect() error
	Close() error
}

type Client struct {
	// Port and BaudRate create a local serial connection
	Port string
	// BaudRate defaults to 19200
	BaudRate int
	SlaveId  byte
	// URL creates a remote connection through a relay bridge
	URL      string
	Password string

	mu      sync.Mutex
	handler modbusHandler
	client  modbus.Client
}

// connect lazily creates the handler. Callers hold c.mu.
func (c *Client) connect() error {
	if c.client != nil {
		return nil
	}
	if c.URL != "" {
		h := modbushttp.NewClient(c.URL)
		h.Password = c.Password
		if c.SlaveId != 0 {
			h.SlaveId = c.SlaveId
		}
		c.handler = h
	} else {
		baud := c.BaudRate
		if baud == 0 {
			baud = 19200
		}
		handler := modbus.NewRTUClientHandler(c.Port)
		handler.BaudRate = baud
		handler.DataBits = 8
		handler.Parity = "N"
		handler.StopBits = 1
		handler.Timeout = 1 * time.Second
		handler.SlaveId = c.SlaveId
		c.handler = handler
	}
	if err := c.handler.Connect(); err != nil {
		c.handler = nil
		return fmt.Errorf("opening %q: %w", c.target(), err)
	}
	c.client = modbus.NewClient(c.handler)
	return nil
}

func (c *Client) target() string {
	if c.URL != "" {
		return c.URL
	}
	return c.Port
}

// reset drops the connection so the next call reopens it.
func (c *Client) reset() {
	if c.handler != nil {
		c.handler.Close()
	}
	c.handler = nil
	c.client = nil
}

func (c *Client) WriteCoil(coil int, value bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return err
	}
	var v uint16
	if value {
		v = 0xFF00
	}
	if _, err := c.client.WriteSingleCoil(uint16(coil), v); err != nil {
		c.reset()
		return fmt.Errorf("writing coil %d on %q: %w", coil, c.target(), err)
	}
	return nil
}

func (c *Client) ReadCoil(coil int) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.connect(); err != nil {
		return false, err
	}
	results, err := c.client.ReadCoils(uint16(coil), 1)
	if err != nil {
		c.reset()
		return false, fmt.Errorf("reading coil %d on %q: %w", coil, c.target(), err)
	}
	bits := BytesToBits(results)
	return len(bits) > 0 && bits[0], nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reset()
	return nil
}

func BytesToBits(bs []byte) []bool {
	var out []bool
	for _, b := range bs {
		for i := 0; i < 8; i++ {
			out = append(out, (b>>uint(i)&1) == 1)
		}
	}
	return out
}
