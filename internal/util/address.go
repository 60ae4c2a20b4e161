package util

import (
	"crypto/sha512"

	"github.com/google/uuid"
)

// AddressingMode selects how StorageAddresses are derived for new chunks
// and commits.
type AddressingMode int

const (
	// RandomAddressing draws a fresh random UUID per write.
	RandomAddressing AddressingMode = iota
	// ContentAddressing derives the UUID deterministically from the
	// payload's SHA-512 digest, so identical content always maps to the
	// same address and storage is naturally deduplicated.
	ContentAddressing
)

// addressNamespace roots the deterministic UUIDv5-style derivation used in
// ContentAddressing mode. It has no meaning beyond separating this
// module's addresses from other UUID5 namespaces.
var addressNamespace = uuid.NewSHA1(uuid.Nil, []byte("proximum.storage-address"))

// NewAddress derives a StorageAddress-sized identifier for payload under the
// given mode. ContentAddressing ignores nothing in payload — two byte-equal
// payloads always produce the same address.
func NewAddress(mode AddressingMode, payload []byte) uuid.UUID {
	switch mode {
	case ContentAddressing:
		digest := sha512.Sum512(payload)
		return uuid.NewSHA1(addressNamespace, digest[:])
	default:
		return uuid.New()
	}
}
