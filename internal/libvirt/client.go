package libvirt

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/digitalocean/go-libvirt"
	"github.com/digitalocean/go-libvirt/socket"
	"github.com/digitalocean/go-libvirt/socket/dialers"
)

const (
	// TransportUnix connects through the local libvirtd socket.
	TransportUnix = "unix"
	// TransportTLS connects to a remote libvirtd over verified TLS.
	TransportTLS = "tls"

	// DefaultSocket is the system libvirtd socket.
	DefaultSocket = "/var/run/libvirt/libvirt-sock"
	// DefaultURI selects the libxl (Xen) driver.
	DefaultURI = "xen:///system"
	// DefaultTLSPort is libvirtd's TLS listen port.
	DefaultTLSPort = "16514"
	// DefaultTimeout bounds dialing and the TLS handshake.
	DefaultTimeout = 5 * time.Second
)

// ConnectOptions describes how to reach the hypervisor.
type ConnectOptions struct {
	// Transport is TransportUnix (default) or TransportTLS.
	Transport string
	// Socket is the unix socket path for TransportUnix.
	Socket string
	// Address is host or host:port for TransportTLS.
	Address string
	// URI is the driver URI opened after the transport is up.
	URI string
	// TLS holds the credentials for TransportTLS.
	TLS TLSOptions
	// Timeout bounds connection setup.
	Timeout time.Duration
}

func (o ConnectOptions) withDefaults() ConnectOptions {
	if o.Transport == "" {
		o.Transport = TransportUnix
	}
	if o.Socket == "" {
		o.Socket = DefaultSocket
	}
	if o.URI == "" {
		o.URI = DefaultURI
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultTimeout
	}
	if o.Transport == TransportTLS && o.Address != "" {
		if _, _, err := net.SplitHostPort(o.Address); err != nil {
			o.Address = net.JoinHostPort(o.Address, DefaultTLSPort)
		}
	}
	return o
}

// Endpoint returns a human-readable description of the target.
func (o ConnectOptions) Endpoint() string {
	o = o.withDefaults()
	if o.Transport == TransportTLS {
		return fmt.Sprintf("%s via tls://%s", o.URI, o.Address)
	}
	return fmt.Sprintf("%s via %s", o.URI, o.Socket)
}

// Client wraps a go-libvirt connection.
type Client struct {
	libvirt *libvirt.Libvirt
	uri     string
}

// Connect establishes an authenticated connection to libvirtd and opens the
// configured driver URI. It returns a Client that must be closed via Close()
// when done.
//
// The unix transport relies on the socket's file permissions. The TLS
// transport always verifies the server certificate against the configured
// CA and authenticates with the client certificate.
func Connect(opts ConnectOptions) (*Client, error) {
	opts = opts.withDefaults()

	var dialer socket.Dialer
	switch opts.Transport {
	case TransportUnix:
		dialer = dialers.NewLocal(
			dialers.WithSocket(opts.Socket),
			dialers.WithLocalTimeout(opts.Timeout),
		)
	case TransportTLS:
		d, err := newTLSDialer(opts.Address, opts.TLS, opts.Timeout)
		if err != nil {
			return nil, err
		}
		dialer = d
	default:
		return nil, fmt.Errorf("unknown transport %q (must be %s or %s)", opts.Transport, TransportUnix, TransportTLS)
	}

	l := libvirt.NewWithDialer(dialer)
	if err := l.ConnectToURI(libvirt.ConnectURI(opts.URI)); err != nil {
		return nil, fmt.Errorf("failed to connect to libvirt at %s: %w", opts.Endpoint(), err)
	}

	return &Client{libvirt: l, uri: opts.URI}, nil
}

// ConnectWithContext establishes a connection with context support for cancellation.
func ConnectWithContext(ctx context.Context, opts ConnectOptions) (*Client, error) {
	type result struct {
		client *Client
		err    error
	}
	resultCh := make(chan result, 1)

	go func() {
		c, err := Connect(opts)
		resultCh <- result{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// A connection that completes after cancellation is closed.
		go func() {
			if res := <-resultCh; res.client != nil {
				_ = res.client.Close()
			}
		}()
		return nil, fmt.Errorf("connection cancelled: %w", ctx.Err())
	case res := <-resultCh:
		return res.client, res.err
	}
}

// Close closes the libvirt connection and releases resources.
// It is safe to call Close multiple times.
func (c *Client) Close() error {
	if c.libvirt == nil {
		return nil
	}

	l := c.libvirt
	c.libvirt = nil
	if err := l.Disconnect(); err != nil {
		return fmt.Errorf("failed to disconnect from libvirt: %w", err)
	}

	return nil
}

// Libvirt returns the underlying go-libvirt client for direct API access.
func (c *Client) Libvirt() *libvirt.Libvirt {
	return c.libvirt
}

// URI returns the driver URI the connection was opened with.
func (c *Client) URI() string {
	return c.uri
}

// Ping verifies the connection is still alive by calling a simple libvirt API.
func (c *Client) Ping() error {
	if c.libvirt == nil {
		return fmt.Errorf("client not connected")
	}

	if _, err := c.libvirt.ConnectGetLibVersion(); err != nil {
		return fmt.Errorf("libvirt connection is dead: %w", err)
	}

	return nil
}
