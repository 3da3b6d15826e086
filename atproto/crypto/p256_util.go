package crypto

import (
	"crypto/elliptic"
	"math/big"
)

var p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)

// sigSToLowS_P256 normalizes s to the "low-S" half of the curve order, as required by atproto.
// ECDSA signatures are otherwise malleable: (r, s) and (r, N-s) both verify for the same message.
func sigSToLowS_P256(s *big.Int) *big.Int {
	if s.Cmp(p256HalfOrder) > 0 {
		return new(big.Int).Sub(elliptic.P256().Params().N, s)
	}
	return s
}

func sigSIsLowS_P256(s *big.Int) bool {
	return s.Cmp(p256HalfOrder) <= 0
}
