package coordinator

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// Config holds coordinator client configuration
type Config struct {
	Host         string
	Port         int
	HeaderSize   int
	DialTimeout  time.Duration
	WriteTimeout time.Duration
}

// Client sends framed messages to the coordinator. Each message opens its own
// connection; nothing is read back.
type Client struct {
	addr         string
	headerSize   int
	dialTimeout  time.Duration
	writeTimeout time.Duration
	logger       *slog.Logger
}

// NewClient creates a new coordinator client
func NewClient(config *Config, logger *slog.Logger) *Client {
	headerSize := config.HeaderSize
	if headerSize <= 0 {
		headerSize = DefaultHeaderSize
	}

	dialTimeout := config.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}

	writeTimeout := config.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 10 * time.Second
	}

	return &Client{
		addr:         net.JoinHostPort(config.Host, strconv.Itoa(config.Port)),
		headerSize:   headerSize,
		dialTimeout:  dialTimeout,
		writeTimeout: writeTimeout,
		logger:       logger,
	}
}

// Addr returns the coordinator address
func (c *Client) Addr() string {
	return c.addr
}

// SendFileReport sends the destination paths of one completed batch
func (c *Client) SendFileReport(ctx context.Context, paths []string) error {
	frames, err := EncodeFileReport(paths, c.headerSize)
	if err != nil {
		return err
	}
	return c.Send(ctx, frames...)
}

// SendStop sends the final downloaded count
func (c *Client) SendStop(ctx context.Context, downloaded int) error {
	return c.Send(ctx, EncodeStop(downloaded, c.headerSize)...)
}

// Send writes frames over one connection, in order
func (c *Client) Send(ctx context.Context, frames ...[]byte) error {
	dialer := net.Dialer{Timeout: c.dialTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator %s: %w", c.addr, err)
	}
	defer conn.Close()

	if err := conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return fmt.Errorf("failed to set write deadline: %w", err)
	}

	w := bufio.NewWriter(conn)
	size := 0
	for _, frame := range frames {
		if err := WriteFrame(w, frame); err != nil {
			return err
		}
		size += len(frame)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to send to coordinator %s: %w", c.addr, err)
	}

	c.logger.Debug("Sent data to coordinator",
		slog.String("addr", c.addr),
		slog.Int("frames", len(frames)),
		slog.Int("bytes", size),
	)

	return nil
}
