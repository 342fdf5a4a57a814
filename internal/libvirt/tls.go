package libvirt

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// TLSOptions holds the client credentials and trust anchors for the TLS
// transport. There is no option to skip verification.
type TLSOptions struct {
	// CAFile is a PEM bundle of CAs trusted to sign the server certificate.
	CAFile string
	// CertFile and KeyFile are the PEM client certificate and key that
	// authenticate kiln to libvirtd.
	CertFile string
	KeyFile  string
	// ServerName overrides the name checked against the server certificate.
	// Defaults to the host part of the address.
	ServerName string
}

// tlsDialer implements socket.Dialer over a verified TLS connection.
type tlsDialer struct {
	address string
	config  *tls.Config
	timeout time.Duration
}

func newTLSDialer(address string, opts TLSOptions, timeout time.Duration) (*tlsDialer, error) {
	if address == "" {
		return nil, fmt.Errorf("tls transport requires an address")
	}

	config, err := buildTLSConfig(address, opts)
	if err != nil {
		return nil, err
	}

	return &tlsDialer{address: address, config: config, timeout: timeout}, nil
}

func buildTLSConfig(address string, opts TLSOptions) (*tls.Config, error) {
	if opts.CAFile == "" || opts.CertFile == "" || opts.KeyFile == "" {
		return nil, fmt.Errorf("tls transport requires ca, cert and key files")
	}

	caPEM, err := os.ReadFile(opts.CAFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caPEM) {
		return nil, fmt.Errorf("no certificates found in CA bundle %s", opts.CAFile)
	}

	cert, err := tls.LoadX509KeyPair(opts.CertFile, opts.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load client certificate: %w", err)
	}

	serverName := opts.ServerName
	if serverName == "" {
		host, _, err := net.SplitHostPort(address)
		if err != nil {
			host = address
		}
		serverName = host
	}

	return &tls.Config{
		RootCAs:      pool,
		Certificates: []tls.Certificate{cert},
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Dial implements socket.Dialer.
func (d *tlsDialer) Dial() (net.Conn, error) {
	conn, err := tls.DialWithDialer(&net.Dialer{Timeout: d.timeout}, "tcp", d.address, d.config)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s: %w", d.address, err)
	}
	return conn, nil
}
