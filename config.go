package secchan

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"sync"
)

// TrustPolicy decides what a server does when TrustPeer rejects the client.
type TrustPolicy int

const (
	// TrustNone skips peer trust evaluation.
	TrustNone TrustPolicy = iota
	// TrustOptional keeps the channel open but untrusted when the peer is
	// rejected ("want" client authentication).
	TrustOptional
	// TrustRequired fails the handshake when the peer is rejected ("need").
	TrustRequired
)

func (p TrustPolicy) String() string {
	switch p {
	case TrustOptional:
		return "optional"
	case TrustRequired:
		return "required"
	}
	return "none"
}

const defaultInitialBufferSize = 4096

// Config holds the settings of a channel.
type Config struct {
	// TLS configures the protocol engine: certificates, root pools, client
	// certificate requests and protocol versions.
	TLS *tls.Config

	// Client fields
	ServerName string
	// VerifyHostname is called once when the handshake completes. If nil,
	// DefaultVerifyHostname is used.
	VerifyHostname func(host string, s Session) bool

	// Server fields
	// TrustPeer is called once with the client's certificate chain when the
	// handshake completes; PeerTrust decides what a rejection means.
	TrustPeer func(chain []*x509.Certificate) bool
	PeerTrust TrustPolicy

	// Shared fields
	NonBlocking       bool
	InitialBufferSize int
	SpinIterations    int
	Hooks             *Hooks
	NewEngine         EngineFactory

	// The same config object can be shared among different channels, so it
	// needs its own mutex
	mutex sync.RWMutex
}

// Clone returns a shallow clone of c. It is safe to clone a Config that is
// being used concurrently by a channel.
func (c *Config) Clone() *Config {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return &Config{
		TLS: c.TLS,

		ServerName:     c.ServerName,
		VerifyHostname: c.VerifyHostname,

		TrustPeer: c.TrustPeer,
		PeerTrust: c.PeerTrust,

		NonBlocking:       c.NonBlocking,
		InitialBufferSize: c.InitialBufferSize,
		SpinIterations:    c.SpinIterations,
		Hooks:             c.Hooks,
		NewEngine:         c.NewEngine,
	}
}

// Init fills in defaults. The TLS configuration is cloned before it is
// adjusted, so the caller's copy is never modified.
func (c *Config) Init(isClient bool) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.TLS == nil {
		c.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	} else {
		c.TLS = c.TLS.Clone()
	}
	if c.InitialBufferSize <= 0 {
		c.InitialBufferSize = defaultInitialBufferSize
	}
	if c.SpinIterations <= 0 {
		c.SpinIterations = defaultSpinIterations
	}
	if c.NewEngine == nil {
		c.NewEngine = NewTLSEngine
	}

	if isClient {
		if c.TLS.ServerName == "" {
			c.TLS.ServerName = c.ServerName
		}
		if c.VerifyHostname == nil {
			c.VerifyHostname = DefaultVerifyHostname
		}
		return nil
	}

	if c.TrustPeer != nil && c.PeerTrust == TrustNone {
		c.PeerTrust = TrustRequired
	}
	if c.PeerTrust != TrustNone {
		if c.TrustPeer == nil {
			return fmt.Errorf("%w: peer trust %v without a TrustPeer predicate", ErrInvalidConfig, c.PeerTrust)
		}
		// The certificate has to reach us for TrustPeer to judge it; the
		// decision itself is ours.
		if c.TLS.ClientAuth == tls.NoClientCert {
			if c.PeerTrust == TrustRequired {
				c.TLS.ClientAuth = tls.RequireAnyClientCert
			} else {
				c.TLS.ClientAuth = tls.RequestClientCert
			}
		}
	}
	return nil
}

func (c *Config) ValidForServer() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return c.TLS != nil && (len(c.TLS.Certificates) > 0 || c.TLS.GetCertificate != nil || c.TLS.GetConfigForClient != nil)
}

func (c *Config) ValidForClient() bool {
	c.mutex.RLock()
	defer c.mutex.RUnlock()
	return len(c.ServerName) > 0 || (c.TLS != nil && len(c.TLS.ServerName) > 0)
}
