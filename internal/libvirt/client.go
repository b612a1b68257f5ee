package libvirt

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// DefaultSocket is the qemu:///system socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"

	// DefaultTimeout bounds the socket dial.
	DefaultTimeout = 5 * time.Second
)

var errNotConnected = errors.New("client not connected")

// Options select the libvirtd socket. Zero values use the local system daemon.
type Options struct {
	Socket  string
	Timeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Socket == "" {
		o.Socket = DefaultSocket
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	return o
}

// hostClient is the part of the libvirt API that describes the connection.
type hostClient interface {
	ConnectGetLibVersion() (uint64, error)
	ConnectGetHostname() (string, error)
	ConnectGetUri() (string, error)
}

// Client is an open connection to libvirtd over a local socket.
type Client struct {
	libvirt *libvirt.Libvirt
	socket  string
}

// ConnInfo describes the daemon a Client talks to.
type ConnInfo struct {
	Socket   string
	URI      string
	Hostname string
	Version  string
}

// Connect dials the libvirtd socket. The dial itself is bounded by
// opts.Timeout; ctx abandons it early. The Client must be closed.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("connection to %s cancelled: %w", opts.Socket, err)
	}

	type result struct {
		client *Client
		err    error
	}
	done := make(chan result, 1)

	go func() {
		l := libvirt.NewWithDialer(dialers.NewLocal(
			dialers.WithSocket(opts.Socket),
			dialers.WithLocalTimeout(opts.Timeout),
		))
		if err := l.Connect(); err != nil {
			done <- result{err: fmt.Errorf("failed to connect to libvirt at %s: %w", opts.Socket, err)}
			return
		}
		done <- result{client: &Client{libvirt: l, socket: opts.Socket}}
	}()

	select {
	case <-ctx.Done():
		// Close a connection that lands after we gave up on it.
		go func() {
			if res := <-done; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection to %s cancelled: %w", opts.Socket, ctx.Err())
	case res := <-done:
		return res.client, res.err
	}
}

// Close disconnects. Calling it again is a no-op.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt at %s: %w", c.socket, err)
	}
	return nil
}

// Libvirt returns the underlying go-libvirt client.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// Socket returns the socket the client dialed.
func (c *Client) Socket() string {
	return c.socket
}

// Ping verifies the connection is still alive.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return errNotConnected
	}
	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection at %s is dead: %w", c.socket, err)
	}
	return nil
}

// Info reports the daemon version, hostname and URI.
func (c *Client) Info() (ConnInfo, error) {
	if c.libvirt == nil {
		return ConnInfo{}, errNotConnected
	}
	return hostInfo(c.libvirt, c.socket)
}

func hostInfo(h hostClient, socket string) (ConnInfo, error) {
	info := ConnInfo{Socket: socket}

	version, err := h.ConnectGetLibVersion()
	if err != nil {
		return info, fmt.Errorf("failed to get libvirt version: %w", err)
	}
	info.Version = FormatVersion(version)

	if info.Hostname, err = h.ConnectGetHostname(); err != nil {
		return info, fmt.Errorf("failed to get hostname: %w", err)
	}
	if info.URI, err = h.ConnectGetUri(); err != nil {
		return info, fmt.Errorf("failed to get connection URI: %w", err)
	}
	return info, nil
}

// FormatVersion renders libvirt's packed version (8006000) as 8.6.0.
func FormatVersion(v uint64) string {
	return fmt.Sprintf("%d.%d.%d", v/1000000, (v%1000000)/1000, v%1000)
}
