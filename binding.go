package secchan

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/fxamacker/cbor/v2"
	"golang.org/x/crypto/hkdf"
)

const bindingSecretLen = 32

// ErrNotEstablished is returned when keying material is requested before
// the handshake completed.
var ErrNotEstablished = errors.New("secchan: handshake not completed")

// Evidence binds a public key to one established channel. Either side can
// produce it; the other side recomputes Secret from its own session and
// compares.
type Evidence struct {
	// Secret derived from the session's exporter (see BindingSecret)
	Secret []byte `cbor:"1,keyasint" json:"secret"`

	// Public key in PKIX DER form
	PublicKeyDER []byte `cbor:"2,keyasint" json:"public_key_der"`

	// Whether the producer was the client
	Client bool `cbor:"3,keyasint" json:"client"`
}

// deriveBindingMain exports the per-role main secret of the session.
func deriveBindingMain(s Session, client bool) ([]byte, error) {
	label := "EXPORTER-secchan s binding main"
	if client {
		label = "EXPORTER-secchan c binding main"
	}
	state := s.ConnectionState()
	return state.ExportKeyingMaterial(label, nil, bindingSecretLen)
}

// deriveBindingSecret expands the main secret with the DER public key as
// context.
func deriveBindingSecret(main, publicKeyDER []byte) ([]byte, error) {
	out := make([]byte, bindingSecretLen)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, main, publicKeyDER), out); err != nil {
		return nil, err
	}
	return out, nil
}

// MarshalPublicKeyToDER marshals a public key to DER format.
// Supports RSA, ECDSA, and Ed25519 keys.
func MarshalPublicKeyToDER(publicKey crypto.PublicKey) ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(publicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key to DER: %w", err)
	}
	return der, nil
}

// BindingSecret derives the secret that ties publicKey to this channel for
// the given role. Both ends of a channel derive the same value.
func (c *Channel) BindingSecret(client bool, publicKey crypto.PublicKey) ([]byte, error) {
	if !c.validated.Load() {
		return nil, ErrNotEstablished
	}
	der, err := MarshalPublicKeyToDER(publicKey)
	if err != nil {
		return nil, err
	}
	main, err := deriveBindingMain(c.Session(), client)
	if err != nil {
		return nil, err
	}
	return deriveBindingSecret(main, der)
}

// Evidence produces binding evidence for publicKey in this side's role.
func (c *Channel) Evidence(publicKey crypto.PublicKey) (Evidence, error) {
	der, err := MarshalPublicKeyToDER(publicKey)
	if err != nil {
		return Evidence{}, err
	}
	secret, err := c.BindingSecret(c.isClient, publicKey)
	if err != nil {
		return Evidence{}, err
	}
	ev := Evidence{Secret: secret, PublicKeyDER: der, Client: c.isClient}
	LogEvidenceAsJSON(ev, c.name)
	return ev, nil
}

// VerifyEvidence checks that ev was produced by the peer of this channel.
func (c *Channel) VerifyEvidence(ev Evidence) (bool, error) {
	if ev.Client == c.isClient {
		return false, nil
	}
	if !c.validated.Load() {
		return false, ErrNotEstablished
	}
	main, err := deriveBindingMain(c.Session(), ev.Client)
	if err != nil {
		return false, err
	}
	want, err := deriveBindingSecret(main, ev.PublicKeyDER)
	if err != nil {
		return false, err
	}
	return hmac.Equal(want, ev.Secret), nil
}

// LogEvidenceAsJSON logs the evidence as structured JSON for debugging.
func LogEvidenceAsJSON(ev Evidence, prefix string) {
	if !logEnabled(logTypeHandshake) {
		return
	}
	js, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		logf(logTypeHandshake, "%s Failed to marshal evidence to JSON: %v", prefix, err)
		return
	}
	logf(logTypeHandshake, "%s evidence: %s", prefix, string(js))
}

// EncodeEvidenceToCBOR encodes evidence to CBOR format.
func EncodeEvidenceToCBOR(ev Evidence) ([]byte, error) {
	return cbor.Marshal(ev)
}

// DecodeEvidenceFromCBOR decodes CBOR-encoded evidence.
func DecodeEvidenceFromCBOR(data []byte) (Evidence, error) {
	var ev Evidence
	if err := cbor.Unmarshal(data, &ev); err != nil {
		return ev, fmt.Errorf("failed to decode evidence from CBOR: %w", err)
	}
	return ev, nil
}
