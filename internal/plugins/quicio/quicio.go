// Package quicio implements the pipeline's QUIC output plugin, wrapping
// github.com/quic-go/quic-go: a network output stage that streams the
// processed transport stream over a single QUIC unidirectional stream to
// one connected reader.
package quicio

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"log/slog"
	"math/big"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/zsiec/tsforge/internal/pipeline"
	"github.com/zsiec/tsforge/internal/tspacket"
)

// nextProto is the ALPN protocol string this output negotiates; a reader
// must offer it to be accepted by the QUIC handshake.
const nextProto = "tsforge-ts"

// Options configures the QUIC output plugin.
type Options struct {
	// Addr is the local address to listen on, e.g. ":4443".
	Addr string
	// AcceptTimeout bounds how long Start waits for one reader to
	// connect; 0 means 30s.
	AcceptTimeout time.Duration
	// IdleTimeout is the QUIC connection idle timeout; 0 means 30s.
	IdleTimeout time.Duration
}

// Output is a pipeline.OutputStage streaming raw transport-stream packets
// to a single connected QUIC reader over a unidirectional stream.
type Output struct {
	opts Options
	log  *slog.Logger

	ln     *quic.Listener
	conn   quic.Connection
	stream quic.SendStream
}

// New creates a QUIC output plugin.
func New(opts Options) *Output {
	return &Output{opts: opts}
}

// Start implements pipeline.OutputStage: it listens, blocks for one
// reader to connect, and opens the unidirectional stream packets will be
// written to.
func (out *Output) Start(ctx context.Context, pl *pipeline.Pipeline) error {
	out.log = pl.Log().With("component", "quicio-output", "addr", out.opts.Addr)

	cert, err := generateSelfSignedCert()
	if err != nil {
		return fmt.Errorf("quicio: self-signed cert: %w", err)
	}

	idleTimeout := out.opts.IdleTimeout
	if idleTimeout == 0 {
		idleTimeout = 30 * time.Second
	}

	ln, err := quic.ListenAddr(out.opts.Addr, &tls.Config{
		Certificates: []tls.Certificate{*cert},
		NextProtos:   []string{nextProto},
	}, &quic.Config{MaxIdleTimeout: idleTimeout})
	if err != nil {
		return fmt.Errorf("quicio: listen on %s: %w", out.opts.Addr, err)
	}
	out.ln = ln
	out.log.Info("listening")

	acceptTimeout := out.opts.AcceptTimeout
	if acceptTimeout == 0 {
		acceptTimeout = 30 * time.Second
	}
	acceptCtx, cancel := context.WithTimeout(ctx, acceptTimeout)
	defer cancel()

	conn, err := ln.Accept(acceptCtx)
	if err != nil {
		_ = ln.Close()
		return fmt.Errorf("quicio: accept: %w", err)
	}
	out.conn = conn
	out.log.Info("reader connected", "remote", conn.RemoteAddr())

	stream, err := conn.OpenUniStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "open stream failed")
		_ = ln.Close()
		return fmt.Errorf("quicio: open unidirectional stream: %w", err)
	}
	out.stream = stream

	return nil
}

// Write implements pipeline.OutputStage.
func (out *Output) Write(pkt *tspacket.Packet) error {
	_, err := out.stream.Write(pkt.Raw[:])
	return err
}

// Stop implements pipeline.OutputStage.
func (out *Output) Stop() error {
	if out.stream != nil {
		_ = out.stream.Close()
	}
	if out.conn != nil {
		_ = out.conn.CloseWithError(0, "output stopped")
	}
	if out.ln != nil {
		return out.ln.Close()
	}
	return nil
}

// generateSelfSignedCert creates an ephemeral ECDSA P-256 certificate for
// the QUIC listener's TLS handshake.
func generateSelfSignedCert() (*tls.Certificate, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate private key: %w", err)
	}

	serial, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 128))
	if err != nil {
		return nil, fmt.Errorf("generate serial number: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "tsforge"},
		NotBefore:    now.Add(-1 * time.Minute),
		NotAfter:     now.Add(14 * 24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     []string{"localhost"},
		IPAddresses:  []net.IP{net.IPv4(127, 0, 0, 1), net.IPv6loopback},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, fmt.Errorf("create certificate: %w", err)
	}

	return &tls.Certificate{
		Certificate: [][]byte{certDER},
		PrivateKey:  key,
	}, nil
}
