package bootstrap

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// connectTimeout bounds how long Connect waits for the channel to be ready.
const connectTimeout = 5 * time.Second

// Client is a Store backed by a remote rendezvous Server.
type Client struct {
	addr     string
	dialOpts []grpc.DialOption
	conn     *grpc.ClientConn
	mutex    sync.Mutex
}

var _ Store = (*Client)(nil)

// NewClient creates a client for addr. A bare host:port is resolved
// through DNS; full targets ("passthrough:///name") are used as given.
func NewClient(addr string, opts ...grpc.DialOption) *Client {
	return &Client{addr: addr, dialOpts: opts}
}

// Connect dials the server and waits until the channel is ready.
func (c *Client) Connect(ctx context.Context) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		return nil
	}

	target := c.addr
	if !strings.Contains(target, ":///") {
		target = "dns:///" + target
	}
	opts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, c.dialOpts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return fmt.Errorf("failed to create client for rendezvous at %s: %w", c.addr, err)
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	conn.Connect()
	for {
		state := conn.GetState()
		if state == connectivity.Ready {
			break
		}
		if !conn.WaitForStateChange(ctx, state) {
			conn.Close()
			return fmt.Errorf("connection to rendezvous at %s failed to become ready within timeout", c.addr)
		}
	}

	c.conn = conn
	log.Info().Str("addr", c.addr).Msg("Connected to rendezvous server")
	return nil
}

func (c *Client) getConn() (*grpc.ClientConn, error) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.conn == nil {
		return nil, fmt.Errorf("not connected to rendezvous server")
	}
	return c.conn, nil
}

func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	conn, err := c.getConn()
	if err != nil {
		return err
	}
	req, err := newPutRequest(key, value)
	if err != nil {
		return fmt.Errorf("encode put %q: %w", key, err)
	}
	if err := conn.Invoke(ctx, putMethod, req, new(emptypb.Empty)); err != nil {
		return fmt.Errorf("put %q: %w", key, err)
	}
	return nil
}

func (c *Client) lookup(ctx context.Context, key string) ([]byte, error) {
	conn, err := c.getConn()
	if err != nil {
		return nil, err
	}
	out := new(wrapperspb.BytesValue)
	if err := conn.Invoke(ctx, getMethod, wrapperspb.String(key), out); err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, ErrNotFound
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return out.GetValue(), nil
}

func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	return waitFor(ctx, key, c.lookup)
}

func (c *Client) Close() error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			return err
		}
		c.conn = nil
	}
	return nil
}
