package kind

import (
	"encoding/hex"
	"fmt"
	"reflect"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint identifies a kind across processes. It is the BLAKE2b-256
// digest of the kind's canonical description.
type Fingerprint [32]byte

func (fp Fingerprint) String() string {
	return hex.EncodeToString(fp[:])
}

// ParseFingerprint decodes the hexadecimal form returned by String.
func ParseFingerprint(s string) (fp Fingerprint, err error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return fp, err
	}
	if len(raw) != len(fp) {
		return fp, fmt.Errorf("kind: fingerprint must be %d bytes, got %d", len(fp), len(raw))
	}
	copy(fp[:], raw)
	return fp, nil
}

// Describe returns the canonical description of k.
func Describe[T any](k Kind[T]) string {
	if d, ok := k.(Describer); ok {
		return d.Describe()
	}
	schema := k.Schema()
	return fmt.Sprintf("%s{%s,%s}", reflect.TypeFor[T](), schema.Construct, schema.Deconstruct)
}

// FingerprintOf returns the fingerprint of k.
func FingerprintOf[T any](k Kind[T]) Fingerprint {
	return blake2b.Sum256([]byte(Describe(k)))
}
