package secchan

import (
	"crypto/tls"
	"errors"
	"sort"
	"strings"
)

// KeySource supplies certificate chains by alias.
type KeySource interface {
	CertificateChain(alias string) (*tls.Certificate, bool)
	// ChooseAlias picks the alias to present for a client hello.
	ChooseAlias(hello *tls.ClientHelloInfo) (string, bool)
}

var errNoCertificate = errors.New("secchan: no certificate for this connection")

// MapKeySource is a fixed set of certificates keyed by alias. ChooseAlias
// prefers the alias whose leaf matches the requested server name and falls
// back to the alphabetically first alias.
type MapKeySource map[string]*tls.Certificate

func (m MapKeySource) CertificateChain(alias string) (*tls.Certificate, bool) {
	c, ok := m[alias]
	return c, ok
}

func (m MapKeySource) ChooseAlias(hello *tls.ClientHelloInfo) (string, bool) {
	aliases := make([]string, 0, len(m))
	for a := range m {
		aliases = append(aliases, a)
	}
	if len(aliases) == 0 {
		return "", false
	}
	sort.Strings(aliases)

	if hello != nil && hello.ServerName != "" {
		for _, a := range aliases {
			if strings.EqualFold(a, hello.ServerName) {
				return a, true
			}
			if err := hello.SupportsCertificate(m[a]); err == nil {
				return a, true
			}
		}
	}
	return aliases[0], true
}

// FixedAlias always chooses Alias from Source.
type FixedAlias struct {
	Alias  string
	Source KeySource
}

func (f FixedAlias) CertificateChain(alias string) (*tls.Certificate, bool) {
	return f.Source.CertificateChain(alias)
}

func (f FixedAlias) ChooseAlias(*tls.ClientHelloInfo) (string, bool) {
	_, ok := f.Source.CertificateChain(f.Alias)
	return f.Alias, ok
}

// GetCertificateFunc adapts src for tls.Config.GetCertificate.
func GetCertificateFunc(src KeySource) func(*tls.ClientHelloInfo) (*tls.Certificate, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Certificate, error) {
		alias, ok := src.ChooseAlias(hello)
		if !ok {
			return nil, errNoCertificate
		}
		cert, ok := src.CertificateChain(alias)
		if !ok {
			return nil, errNoCertificate
		}
		logf(logTypeHandshake, "presenting certificate %q for %q", alias, hello.ServerName)
		return cert, nil
	}
}

// GetClientCertificateFunc adapts src for tls.Config.GetClientCertificate.
// An empty certificate is sent when alias is unknown, which lets servers
// with optional client authentication proceed.
func GetClientCertificateFunc(src KeySource, alias string) func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
	return func(*tls.CertificateRequestInfo) (*tls.Certificate, error) {
		if cert, ok := src.CertificateChain(alias); ok {
			return cert, nil
		}
		return &tls.Certificate{}, nil
	}
}
