package types

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/fxamacker/cbor/v2"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/vocdoni/private-voting/crypto"
	"github.com/vocdoni/private-voting/util"
)

// IdentityLength is the size of a compressed identity.
const IdentityLength = 32

// Identity is a BabyJubJub public key. It identifies the owner of the voting
// state and every voter. Its field representation, used for hashing, is
// [X, Y].
type Identity struct {
	X *big.Int
	Y *big.Int
}

// IdentityFromPublicKey wraps a babyjub public key.
func IdentityFromPublicKey(pk *babyjub.PublicKey) Identity {
	return Identity{
		X: new(big.Int).Set(pk.X),
		Y: new(big.Int).Set(pk.Y),
	}
}

// IdentityFromBytes decodes a compressed identity.
func IdentityFromBytes(b []byte) (Identity, error) {
	if len(b) != IdentityLength {
		return Identity{}, fmt.Errorf("identity must be %d bytes, got %d", IdentityLength, len(b))
	}
	var comp babyjub.PublicKeyComp
	copy(comp[:], b)
	pk, err := comp.Decompress()
	if err != nil {
		return Identity{}, fmt.Errorf("decompress identity: %w", err)
	}
	id := IdentityFromPublicKey(pk)
	if !id.Valid() {
		return Identity{}, fmt.Errorf("identity is not in the prime order subgroup")
	}
	return id, nil
}

// ParseIdentity decodes the hex form returned by String. The "0x" prefix is
// optional.
func ParseIdentity(s string) (Identity, error) {
	b, err := hexutil.Decode("0x" + util.TrimHex(s))
	if err != nil {
		return Identity{}, fmt.Errorf("parse identity %q: %w", s, err)
	}
	return IdentityFromBytes(b)
}

// Fields returns the field representation of the identity.
func (id Identity) Fields() []*big.Int {
	return []*big.Int{id.X, id.Y}
}

// PublicKey returns the identity as a babyjub public key.
func (id Identity) PublicKey() *babyjub.PublicKey {
	return &babyjub.PublicKey{X: id.X, Y: id.Y}
}

// Valid reports whether the identity is a point of the prime order subgroup
// of the BabyJubJub curve. Low order points, the neutral element included,
// are rejected since signatures under them can be forged.
func (id Identity) Valid() bool {
	if !crypto.InField(id.X) || !crypto.InField(id.Y) {
		return false
	}
	p := babyjub.Point{X: id.X, Y: id.Y}
	return p.InCurve() && p.InSubGroup()
}

// Equal reports whether both identities hold the same coordinates. Unset
// coordinates are only equal to unset coordinates.
func (id Identity) Equal(other Identity) bool {
	return equalCoord(id.X, other.X) && equalCoord(id.Y, other.Y)
}

func equalCoord(a, b *big.Int) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Cmp(b) == 0
}

// Bytes returns the compressed identity.
func (id Identity) Bytes() HexBytes {
	comp := id.PublicKey().Compress()
	return HexBytes(comp[:])
}

// String returns the compressed identity as a "0x" prefixed hex string.
func (id Identity) String() string {
	if !id.Valid() {
		return "<invalid identity>"
	}
	return hexutil.Encode(id.Bytes())
}

// MarshalText implements encoding.TextMarshaler.
func (id Identity) MarshalText() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid identity")
	}
	return []byte(hexutil.Encode(id.Bytes())), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *Identity) UnmarshalText(data []byte) error {
	parsed, err := ParseIdentity(string(data))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// MarshalCBOR encodes the identity as a CBOR byte string holding the
// compressed point.
func (id Identity) MarshalCBOR() ([]byte, error) {
	if !id.Valid() {
		return nil, fmt.Errorf("cannot marshal invalid identity")
	}
	return cbor.Marshal([]byte(id.Bytes()))
}

// UnmarshalCBOR decodes the form written by MarshalCBOR.
func (id *Identity) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	parsed, err := IdentityFromBytes(b)
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}
