package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"time"

	"github.com/quic-go/quic-go"
	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/btp"
)

// ALPN for BTP over QUIC.
const ALPN = "ilp-btp"

var quicConfig = &quic.Config{
	MaxIdleTimeout:  30 * time.Second,
	KeepAlivePeriod: 10 * time.Second,
}

// streamConn wraps a quic.Stream as net.Conn; Close tears down the whole QUIC connection.
type streamConn struct {
	*quic.Stream
	conn *quic.Conn
}

func (c *streamConn) LocalAddr() net.Addr  { return c.conn.LocalAddr() }
func (c *streamConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

func (c *streamConn) Close() error {
	c.Stream.CancelRead(0)
	_ = c.Stream.Close()
	return c.conn.CloseWithError(0, "")
}

// ClientTLS for dialing peers; insecure skips verification (self-signed peers).
func ClientTLS(insecure bool) *tls.Config {
	return &tls.Config{
		InsecureSkipVerify: insecure,
		MinVersion:         tls.VersionTLS13,
		NextProtos:         []string{ALPN},
	}
}

// DialStream dials QUIC to addr and opens one stream.
func DialStream(ctx context.Context, addr string, tlsConfig *tls.Config) (net.Conn, error) {
	if tlsConfig == nil {
		tlsConfig = ClientTLS(false)
	}
	conn, err := quic.DialAddr(ctx, addr, tlsConfig, quicConfig)
	if err != nil {
		return nil, err
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		_ = conn.CloseWithError(0, "")
		return nil, err
	}
	return &streamConn{Stream: stream, conn: conn}, nil
}

// DialBTP dials addr and runs the BTP client handshake. The caller runs the returned Conn.
func DialBTP(ctx context.Context, addr string, tlsConfig *tls.Config, opts btp.Options) (*btp.Conn, error) {
	nc, err := DialStream(ctx, addr, tlsConfig)
	if err != nil {
		return nil, err
	}
	c, err := btp.Dial(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// Listen on addr; tlsConfig must carry certificates (see SelfSignedTLS).
func Listen(addr string, tlsConfig *tls.Config) (*quic.Listener, error) {
	if tlsConfig == nil || len(tlsConfig.Certificates) == 0 {
		return nil, errors.New("transport: quic listener needs a certificate")
	}
	if len(tlsConfig.NextProtos) == 0 {
		tlsConfig = tlsConfig.Clone()
		tlsConfig.NextProtos = []string{ALPN}
	}
	return quic.ListenAddr(addr, tlsConfig, quicConfig)
}

// ServeBTP accepts QUIC connections, runs the server handshake on each one's first stream,
// hands the session to onConn, then serves it until it closes. Returns when ln or ctx closes.
func ServeBTP(ctx context.Context, ln *quic.Listener, opts btp.Options, onConn func(*btp.Conn)) error {
	for {
		qconn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		go serveQUICConn(ctx, qconn, opts, onConn)
	}
}

func serveQUICConn(ctx context.Context, qconn *quic.Conn, opts btp.Options, onConn func(*btp.Conn)) {
	entry := log.WithField("remote", qconn.RemoteAddr())
	stream, err := qconn.AcceptStream(ctx)
	if err != nil {
		_ = qconn.CloseWithError(0, "")
		return
	}
	c, err := btp.Accept(ctx, &streamConn{Stream: stream, conn: qconn}, opts)
	if err != nil {
		entry.WithError(err).Info("btp handshake failed")
		return
	}
	entry = entry.WithField("account", c.Peer().ID)
	entry.Info("btp peer connected")
	if onConn != nil {
		onConn(c)
	}
	if err := c.Run(ctx); err != nil {
		entry.WithError(err).Debug("btp session ended")
	}
	entry.Info("btp peer disconnected")
}
