// Package grpccreds runs gRPC connections over secure channels.
package grpccreds

import (
	"context"
	"crypto/x509"
	"net"
	"time"

	"google.golang.org/grpc/credentials"

	"github.com/yaronf/secchan"
)

const authType = "secchan"

// AuthInfo describes the peer of an established channel.
type AuthInfo struct {
	credentials.CommonAuthInfo
	PeerCertificates []*x509.Certificate
	// Trusted is set on servers whose TrustPeer accepted the client.
	Trusted bool
}

func (AuthInfo) AuthType() string { return authType }

// Credentials implements credentials.TransportCredentials.
type Credentials struct {
	client *secchan.Config
	server *secchan.Config
}

// New returns transport credentials. client is used by ClientHandshake,
// server by ServerHandshake; either may be nil when that side is unused.
func New(client, server *secchan.Config) credentials.TransportCredentials {
	return &Credentials{client: client, server: server}
}

// ClientHandshake secures rawConn as a client. The authority's host part is
// the expected server name unless the config sets one.
func (g *Credentials) ClientHandshake(ctx context.Context, authority string, rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	cfg := &secchan.Config{}
	if g.client != nil {
		cfg = g.client.Clone()
	}
	if cfg.ServerName == "" && (cfg.TLS == nil || cfg.TLS.ServerName == "") {
		host, _, err := net.SplitHostPort(authority)
		if err != nil {
			host = authority
		}
		cfg.ServerName = host
	}
	ch, err := secchan.Client(rawConn, cfg)
	if err != nil {
		rawConn.Close()
		return nil, nil, err
	}
	return handshake(ctx, ch, rawConn)
}

// ServerHandshake secures rawConn as a server.
func (g *Credentials) ServerHandshake(rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	if g.server == nil {
		rawConn.Close()
		return nil, nil, secchan.ErrInvalidConfig
	}
	ch, err := secchan.Server(rawConn, g.server)
	if err != nil {
		rawConn.Close()
		return nil, nil, err
	}
	return handshake(context.Background(), ch, rawConn)
}

func handshake(ctx context.Context, ch *secchan.Channel, rawConn net.Conn) (net.Conn, credentials.AuthInfo, error) {
	if deadline, ok := ctx.Deadline(); ok {
		rawConn.SetDeadline(deadline)
		defer rawConn.SetDeadline(time.Time{})
	}
	if err := ch.Handshake(); err != nil {
		ch.CloseForcefully()
		return nil, nil, err
	}
	info := AuthInfo{
		CommonAuthInfo:   credentials.CommonAuthInfo{SecurityLevel: credentials.PrivacyAndIntegrity},
		PeerCertificates: ch.Session().PeerCertificates(),
		Trusted:          ch.Trusted(),
	}
	return secchan.NewConn(ch, rawConn), info, nil
}

func (g *Credentials) Info() credentials.ProtocolInfo {
	return credentials.ProtocolInfo{
		SecurityProtocol: authType,
		SecurityVersion:  "1.0",
	}
}

func (g *Credentials) Clone() credentials.TransportCredentials {
	c := &Credentials{}
	if g.client != nil {
		c.client = g.client.Clone()
	}
	if g.server != nil {
		c.server = g.server.Clone()
	}
	return c
}

// OverrideServerName sets the name checked against the server certificate.
func (g *Credentials) OverrideServerName(name string) error {
	if g.client == nil {
		g.client = &secchan.Config{}
	} else {
		g.client = g.client.Clone()
	}
	g.client.ServerName = name
	return nil
}
