// Package address handles account identities and pool addresses.
//
// Identities are base58-encoded 32-byte public keys. Pool addresses are
// derived deterministically from the authority and the pool name, so
// initializing the same (authority, name) pair twice addresses the same
// ledger slot:
//
//	pool = base58(blake3("flashpool/pool" || len||authority || len||name))
package address

import (
	"encoding/binary"
	"fmt"
	"regexp"

	"github.com/btcsuite/btcutil/base58"
	"github.com/zeebo/blake3"

	"github.com/atmx/flashpool/internal/model"
)

// KeySize is the byte length of a decoded identity.
const KeySize = 32

const (
	poolDomain     = "flashpool/pool"
	identityDomain = "flashpool/identity"
)

// nameRegex matches pool names: lower-case alphanumerics and dashes.
// Example: sol-main
var nameRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,31}$`)

// Parse validates a base58 identity and returns it unchanged.
func Parse(id string) (string, error) {
	if id == "" {
		return "", fmt.Errorf("%w: empty", model.ErrInvalidIdentity)
	}
	raw := base58.Decode(id)
	if len(raw) != KeySize {
		return "", fmt.Errorf("%w: %q (expected base58 %d-byte key)", model.ErrInvalidIdentity, id, KeySize)
	}
	return id, nil
}

// ValidateName checks a pool name.
func ValidateName(name string) error {
	if !nameRegex.MatchString(name) {
		return fmt.Errorf("%w: pool name %q (expected [a-z0-9-], max 32)", model.ErrInvalidIdentity, name)
	}
	return nil
}

// PoolAddress derives the address of the pool named name under authority.
func PoolAddress(authority, name string) string {
	return derive(poolDomain, authority, name)
}

// FromSeed derives a deterministic identity from a seed string. Used by the
// simulator and tests; real identities come from wallets.
func FromSeed(seed string) string {
	return derive(identityDomain, seed)
}

func derive(domain string, parts ...string) string {
	h := blake3.New()
	h.Write([]byte(domain))
	var n [4]byte
	for _, p := range parts {
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write([]byte(p))
	}
	return base58.Encode(h.Sum(nil)[:KeySize])
}
