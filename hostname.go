package secchan

import (
	"net"
	"strings"

	"golang.org/x/net/idna"
)

// DefaultVerifyHostname reports whether the peer's leaf certificate is valid
// for host. Internationalized names are compared in their ASCII form.
func DefaultVerifyHostname(host string, s Session) bool {
	if host == "" || s == nil {
		return false
	}
	certs := s.PeerCertificates()
	if len(certs) == 0 {
		return false
	}

	name := strings.TrimSuffix(host, ".")
	if net.ParseIP(name) == nil {
		ascii, err := idna.Lookup.ToASCII(name)
		if err != nil {
			logf(logTypeHandshake, "hostname %q: %v", host, err)
			return false
		}
		name = ascii
	}
	return certs[0].VerifyHostname(name) == nil
}
