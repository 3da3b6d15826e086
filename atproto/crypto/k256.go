package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/mr-tron/base58"
)

// Implements the [PrivateKeyExportable] and [PrivateKey] interfaces for the K-256 / secp256k1
// cryptographic curve. Secret key material is naively stored in memory.
type PrivateKeyK256 struct {
	privK256 *secp256k1.PrivateKey
}

// Implements the [PublicKey] interface for the K-256 / secp256k1 cryptographic curve.
type PublicKeyK256 struct {
	pubK256 *secp256k1.PublicKey
}

var _ PrivateKey = (*PrivateKeyK256)(nil)
var _ PrivateKeyExportable = (*PrivateKeyK256)(nil)
var _ PublicKey = (*PublicKeyK256)(nil)

// Creates a secure new cryptographic key from scratch.
func GeneratePrivateKeyK256() (*PrivateKeyK256, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("K-256 key generation failed: %w", err)
	}
	priv := secp256k1.PrivKeyFromBytes(raw)
	return &PrivateKeyK256{privK256: priv}, nil
}

// Loads a [PrivateKeyK256] from raw bytes, as exported by the PrivateKeyK256.Bytes method.
//
// Calling code needs to know the key type ahead of time, and must remove any string encoding
// (hex encoding, base64, etc) before calling this function.
func ParsePrivateBytesK256(data []byte) (*PrivateKeyK256, error) {
	if len(data) != 32 {
		return nil, fmt.Errorf("invalid K-256 private key: expected 32 bytes, got %d", len(data))
	}
	priv := secp256k1.PrivKeyFromBytes(data)
	return &PrivateKeyK256{privK256: priv}, nil
}

// Checks if the two private keys are the same. Note that the naive == operator does not work
// for most equality checks.
func (k *PrivateKeyK256) Equal(other PrivateKey) bool {
	otherK256, ok := other.(*PrivateKeyK256)
	if !ok {
		return false
	}
	return k.privK256.Key.Equals(&otherK256.privK256.Key)
}

// Serializes the secret key material in to a raw binary format, which can be parsed by
// [ParsePrivateBytesK256]. 32 bytes long, no ASN.1 or other enclosing structure.
func (k *PrivateKeyK256) Bytes() []byte {
	return k.privK256.Serialize()
}

// Outputs the [PublicKey] corresponding to this [PrivateKeyK256]; it will be a [PublicKeyK256].
func (k *PrivateKeyK256) Public() (PublicKey, error) {
	return &PublicKeyK256{pubK256: k.privK256.PubKey()}, nil
}

// First hashes the raw bytes, then signs the digest, returning a binary signature.
//
// SHA-256 is the hash algorithm used, as specified by atproto. Calling code is responsible for
// any string encoding of signatures (eg, hex or base64). For K-256, the signature is 64 bytes
// long (32-byte r, 32-byte s).
//
// ecdsa.Sign produces a deterministic (RFC 6979) signature and always normalizes to low-S form,
// as required by atproto.
func (k *PrivateKeyK256) HashAndSign(content []byte) ([]byte, error) {
	hash := sha256.Sum256(content)
	sig := ecdsa.Sign(k.privK256, hash[:])
	return serializeCompactSig(sig), nil
}

// Loads a [PublicKeyK256] from raw bytes, as exported by the PublicKey.Bytes method. This is the
// "compressed" curve format (33 bytes, leading 0x02/0x03 parity byte).
//
// Calling code needs to know the key type ahead of time, and must remove any string encoding
// (hex encoding, base64, etc) before calling this function.
func ParsePublicBytesK256(data []byte) (*PublicKeyK256, error) {
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256 public key: %w", err)
	}
	return &PublicKeyK256{pubK256: pub}, nil
}

// Loads a [PublicKeyK256] from raw bytes, as exported by the PublicKey.UncompressedBytes method.
func ParsePublicUncompressedBytesK256(data []byte) (*PublicKeyK256, error) {
	pub, err := secp256k1.ParsePubKey(data)
	if err != nil {
		return nil, fmt.Errorf("invalid K-256 public key: %w", err)
	}
	return &PublicKeyK256{pubK256: pub}, nil
}

// Checks if the two public keys are the same. Note that the naive == operator does not work for
// most equality checks.
func (k *PublicKeyK256) Equal(other PublicKey) bool {
	otherK256, ok := other.(*PublicKeyK256)
	if !ok {
		return false
	}
	return k.pubK256.IsEqual(otherK256.pubK256)
}

// Serializes the key in to "uncompressed" binary format (65 bytes, leading 0x04 byte).
func (k *PublicKeyK256) UncompressedBytes() []byte {
	return k.pubK256.SerializeUncompressed()
}

// Serializes the key in to "compressed" binary format (33 bytes).
func (k *PublicKeyK256) Bytes() []byte {
	return k.pubK256.SerializeCompressed()
}

// Hashes the raw bytes using SHA-256, then verifies the signature against the digest bytes.
//
// Calling code is responsible for any string decoding of signatures (eg, hex or base64) before
// calling this function. This method requires a "low-S" signature, as specified by atproto.
func (k *PublicKeyK256) HashAndVerify(content, sig []byte) error {
	if len(sig) != 64 {
		return fmt.Errorf("crypto: K-256 signatures must be 64 bytes, got len=%d", len(sig))
	}
	parsed, err := parseCompactSig(sig)
	if err != nil {
		return ErrInvalidSignature
	}
	hash := sha256.Sum256(content)
	if !parsed.Verify(hash[:], k.pubK256) {
		return ErrInvalidSignature
	}
	return nil
}

// Multibase string encoding of the public key, including a multicodec indicator and compressed
// curve bytes serialization.
func (k *PublicKeyK256) Multibase() string {
	kbytes := k.Bytes()
	// multicodec secp256k1-pub, code 0xe7, varint-encoded bytes: [0xe7, 0x01]
	kbytes = append([]byte{0xe7, 0x01}, kbytes...)
	return "z" + base58.Encode(kbytes)
}

// did:key string encoding of the public key, as would be encoded in a DID PLC operation.
func (k *PublicKeyK256) DIDKey() string {
	return "did:key:" + k.Multibase()
}

// serializeCompactSig converts a DER-style ecdsa.Signature in to a fixed 64-byte r||s encoding,
// the format atproto uses on the wire.
func serializeCompactSig(sig *ecdsa.Signature) []byte {
	der := sig.Serialize()
	r, s := parseDERSignature(der)
	out := make([]byte, 64)
	r.FillBytes(out[:32])
	s.FillBytes(out[32:])
	return out
}

func parseCompactSig(raw []byte) (*ecdsa.Signature, error) {
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(raw[:32]); overflow {
		return nil, fmt.Errorf("crypto: signature r overflows group order")
	}
	if overflow := s.SetByteSlice(raw[32:]); overflow {
		return nil, fmt.Errorf("crypto: signature s overflows group order")
	}
	if s.IsOverHalfOrder() {
		return nil, fmt.Errorf("crypto: signature is not low-S")
	}
	return ecdsa.NewSignature(&r, &s), nil
}
