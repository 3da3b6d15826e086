package crypto

import (
	"fmt"

	"github.com/mr-tron/base58"
)

// multibaseDecodeBase58BTC decodes the base58-btc payload of a multibase string, after the
// leading "z" indicator has already been stripped.
func multibaseDecodeBase58BTC(s string) ([]byte, error) {
	if s == "" {
		return nil, fmt.Errorf("empty base58 string")
	}
	b := base58.Decode(s)
	if len(b) == 0 {
		return nil, fmt.Errorf("invalid base58 encoding")
	}
	return b, nil
}
