package socketclient

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/willfong/workload-generator/internal/engine"
)

// Config holds the client connection settings.
type Config struct {
	Address     string
	DialTimeout time.Duration
	// Timeout bounds each request and reply; zero waits indefinitely.
	Timeout time.Duration
	// Secret is sent with AUTH for bind operations.
	Secret string
}

// Client dials line-protocol connections.
type Client struct {
	cfg Config
}

// New validates cfg and returns a client.
func New(cfg Config) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("%w: socket address is required", engine.ErrConfiguration)
	}
	if _, _, err := net.SplitHostPort(cfg.Address); err != nil {
		return nil, fmt.Errorf("%w: invalid socket address %q: %w", engine.ErrConfiguration, cfg.Address, err)
	}
	return &Client{cfg: cfg}, nil
}

func (c *Client) Supports(k engine.Kind) bool {
	_, ok := verbs[k]
	return ok
}

// Dial connects and consumes the server greeting.
func (c *Client) Dial(ctx context.Context) (engine.Conn, error) {
	d := net.Dialer{Timeout: c.cfg.DialTimeout}
	nc, err := d.DialContext(ctx, "tcp", c.cfg.Address)
	if err != nil {
		return nil, engine.ConnectivityError(err)
	}
	conn := &Conn{nc: nc, r: bufio.NewReader(nc), timeout: c.cfg.Timeout, secret: c.cfg.Secret}
	if _, err := conn.readReply(); err != nil {
		_ = nc.Close()
		return nil, err
	}
	return conn, nil
}

// Conn is one protocol connection. Requests are serialized so replies stay
// matched to their requests when workers share the connection.
type Conn struct {
	mu      sync.Mutex
	nc      net.Conn
	r       *bufio.Reader
	timeout time.Duration
	secret  string
}

// Close sends QUIT and closes the socket.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.nc.SetDeadline(time.Now().Add(time.Second))
	_, _ = io.WriteString(c.nc, verbQuit+"\r\n")
	return c.nc.Close()
}

func (c *Conn) Do(_ context.Context, req engine.Request) (engine.Result, error) {
	line, ok := encode(req, c.secret)
	if !ok {
		return engine.Result{}, fmt.Errorf("%w: %s", engine.ErrUnsupportedKind, req.Kind)
	}
	if !validKey(req.Target) || strings.ContainsAny(req.Value, "\r\n") ||
		(req.Kind == engine.KindRename && !validKey(req.NewTarget)) {
		return engine.Result{}, engine.OperationError(&engine.CodedError{
			Code: CodeBadRequest, Err: fmt.Errorf("target %q cannot be sent", req.Target),
		})
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.timeout > 0 {
		if err := c.nc.SetDeadline(time.Now().Add(c.timeout)); err != nil {
			return engine.Result{}, engine.ConnectivityError(err)
		}
	}
	if _, err := io.WriteString(c.nc, line+"\r\n"); err != nil {
		return engine.Result{}, engine.ConnectivityError(err)
	}
	data, err := c.readReply()
	if err != nil {
		return engine.Result{}, err
	}

	switch req.Kind {
	case engine.KindSearch:
		n, err := strconv.Atoi(data)
		if err != nil {
			return engine.Result{}, engine.OperationError(fmt.Errorf("bad SCAN reply %q", data))
		}
		return engine.Result{Count: n}, nil
	case engine.KindCompare:
		if data == "TRUE" {
			return engine.Result{Code: CodeCompareTrue}, nil
		}
		return engine.Result{Code: CodeCompareFalse}, nil
	}
	return engine.Result{}, nil
}

// readReply reads one reply line. A read failure leaves the stream in an
// unknown state, so it is reported as a connectivity error.
func (c *Conn) readReply() (string, error) {
	line, err := c.r.ReadString('\n')
	if err != nil {
		return "", engine.ConnectivityError(err)
	}
	line = strings.TrimRight(line, "\r\n")

	status, rest, _ := strings.Cut(line, " ")
	switch status {
	case replyOK:
		return rest, nil
	case replyError:
		code, msg, _ := strings.Cut(rest, " ")
		return "", engine.OperationError(&engine.CodedError{Code: code, Err: errors.New(msg)})
	default:
		return "", engine.ConnectivityError(fmt.Errorf("protocol violation: %q", line))
	}
}
