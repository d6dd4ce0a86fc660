package secchan

import (
	"crypto/ecdsa"
	"testing"
)

func TestEvidenceBinding(t *testing.T) {
	client, server, _, _ := newPair(t, clientConfig(), serverConfig())

	key := clientCert.PrivateKey.(*ecdsa.PrivateKey).Public()
	_, err := client.Evidence(key)
	assertErrorIs(t, err, ErrNotEstablished)

	cerr, serr := handshakeBlocking(t, client, server)
	assertNotError(t, cerr, "client handshake")
	assertNotError(t, serr, "server handshake")

	ev, err := client.Evidence(key)
	assertNotError(t, err, "evidence")
	assertTrue(t, ev.Client, "evidence role")
	assertEquals(t, len(ev.Secret), bindingSecretLen)

	// Both ends derive the same secret.
	secret, err := server.BindingSecret(true, key)
	assertNotError(t, err, "server-side secret")
	assertByteEquals(t, secret, ev.Secret)

	data, err := EncodeEvidenceToCBOR(ev)
	assertNotError(t, err, "encode")
	decoded, err := DecodeEvidenceFromCBOR(data)
	assertNotError(t, err, "decode")
	assertDeepEquals(t, decoded, ev)

	ok, err := server.VerifyEvidence(decoded)
	assertNotError(t, err, "verify")
	assertTrue(t, ok, "valid evidence rejected")

	// Evidence from our own role, or for another key, does not verify.
	ok, _ = client.VerifyEvidence(decoded)
	assertTrue(t, !ok, "own evidence accepted")
	other := serverCert.PrivateKey.(*ecdsa.PrivateKey).Public()
	decoded.PublicKeyDER, err = MarshalPublicKeyToDER(other)
	assertNotError(t, err, "marshal")
	ok, err = server.VerifyEvidence(decoded)
	assertNotError(t, err, "verify")
	assertTrue(t, !ok, "evidence for another key accepted")

	// Another channel has other keying material.
	client2, server2, _, _ := newPair(t, clientConfig(), serverConfig())
	cerr, serr = handshakeBlocking(t, client2, server2)
	assertNotError(t, cerr, "client handshake")
	assertNotError(t, serr, "server handshake")
	ok, err = server2.VerifyEvidence(ev)
	assertNotError(t, err, "verify")
	assertTrue(t, !ok, "evidence replayed on another channel")

	_, err = DecodeEvidenceFromCBOR([]byte{0xff})
	assertError(t, err, "decoded garbage")

	closeAndVerifyNoLeaks(t, client, server, client2, server2)
}
