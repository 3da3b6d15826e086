package crypto

import "fmt"

// ErrInvalidSignature is returned by HashAndVerify when the signature does not verify,
// including the case where the signature is well-formed but not in low-S form.
var ErrInvalidSignature = fmt.Errorf("crypto: invalid signature")

// PublicKey is a cryptographic public key which can verify a signature for a given digest.
// Supported curves are NIST P-256 (secp256r1) and K-256 (secp256k1), per atproto's cryptography
// requirements.
type PublicKey interface {
	// Hashes content with SHA-256 and verifies a signature over the digest.
	HashAndVerify(content, sig []byte) error

	// Compressed binary serialization of the public key (curve-dependent length).
	Bytes() []byte

	// Multibase string encoding (leading "z", base58-btc) with a multicodec prefix identifying the curve.
	Multibase() string

	// did:key string encoding, as used in DID documents and PLC operations.
	DIDKey() string

	Equal(other PublicKey) bool
}

// PrivateKey is a cryptographic private (signing) key.
type PrivateKey interface {
	// Hashes content with SHA-256 and returns a low-S signature over the digest.
	HashAndSign(content []byte) ([]byte, error)

	// Derives the corresponding PublicKey.
	Public() (PublicKey, error)

	Equal(other PrivateKey) bool
}

// PrivateKeyExportable is implemented by private keys which can serialize their secret
// material back out to raw bytes.
type PrivateKeyExportable interface {
	PrivateKey

	// Raw binary serialization of the secret scalar (curve-dependent length, no ASN.1 wrapper).
	Bytes() []byte
}

// multicodec varint prefixes for compressed public keys, as used in did:key and
// verificationMethod publicKeyMultibase encodings.
var (
	multicodeP256Pub  = []byte{0x80, 0x24}
	multicodeSecp256k1Pub = []byte{0xe7, 0x01}
)

// ParsePublicDIDKey parses a did:key string (or a bare multibase string) in to a PublicKey,
// dispatching on the multicodec prefix found after the "z" multibase indicator.
func ParsePublicDIDKey(didKey string) (PublicKey, error) {
	mb := didKey
	const prefix = "did:key:"
	if len(mb) > len(prefix) && mb[:len(prefix)] == prefix {
		mb = mb[len(prefix):]
	}
	return ParsePublicMultibase(mb)
}

// ParsePublicMultibase parses a multibase-encoded (leading "z", base58-btc) public key,
// as found in a DID document's verificationMethod.publicKeyMultibase field.
func ParsePublicMultibase(mb string) (PublicKey, error) {
	if len(mb) < 1 || mb[0] != 'z' {
		return nil, fmt.Errorf("crypto: expected multibase string with 'z' (base58-btc) prefix")
	}
	raw, err := multibaseDecodeBase58BTC(mb[1:])
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid base58-btc encoding: %w", err)
	}
	if len(raw) < 2 {
		return nil, fmt.Errorf("crypto: multibase key too short")
	}
	prefix := raw[:2]
	body := raw[2:]
	switch {
	case prefix[0] == multicodeP256Pub[0] && prefix[1] == multicodeP256Pub[1]:
		return ParsePublicBytesP256(body)
	case prefix[0] == multicodeSecp256k1Pub[0] && prefix[1] == multicodeSecp256k1Pub[1]:
		return ParsePublicBytesK256(body)
	default:
		return nil, fmt.Errorf("crypto: unrecognized multicodec prefix: %x", prefix)
	}
}
