package transaction

import "fmt"

// UpdateVariant is the set of update kinds the device accepts.
type UpdateVariant int

const (
	// SignedUpdate signs every update.
	SignedUpdate UpdateVariant = iota
	// UnsignedUpdate commits every update without a signature.
	UnsignedUpdate
	// SignedAndUnsignedUpdate lets the caller choose per update.
	SignedAndUnsignedUpdate
)

var variantNames = [...]string{"signedUpdate", "unsignedUpdate", "signedAndUnsignedUpdate"}

func (v UpdateVariant) String() string {
	if v < 0 || int(v) >= len(variantNames) {
		return fmt.Sprintf("UpdateVariant(%d)", int(v))
	}
	return variantNames[v]
}

// ParseUpdateVariant parses the configuration name of a variant.
func ParseUpdateVariant(s string) (UpdateVariant, error) {
	for i, name := range variantNames {
		if name == s {
			return UpdateVariant(i), nil
		}
	}
	return 0, fmt.Errorf("unknown update variant %q", s)
}

// unsigned decides whether an update is committed without a signature.
// The second result is false when the request is not allowed by v.
func (v UpdateVariant) unsigned(requested bool) (bool, bool) {
	switch v {
	case UnsignedUpdate:
		return true, true
	case SignedAndUnsignedUpdate:
		return requested, true
	default:
		return false, !requested
	}
}
