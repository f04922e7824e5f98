// Package eddsa implements EdDSA signatures over BabyJubJub with the Poseidon
// hash, the scheme that authorizes every mutating voting operation.
package eddsa

import (
	"fmt"
	"math/big"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/iden3/go-iden3-crypto/babyjub"
	"github.com/vocdoni/private-voting/crypto"
	"github.com/vocdoni/private-voting/types"
)

// SignatureLength is the size of a compressed signature.
const SignatureLength = 64

// Signer holds a BabyJubJub private key.
type Signer struct {
	privKey babyjub.PrivateKey
}

// NewSigner returns a signer with a random private key.
func NewSigner() *Signer {
	return &Signer{privKey: babyjub.NewRandPrivKey()}
}

// NewSignerFromSeed derives the private key from the keccak256 hash of the
// seed, so the same seed always produces the same identity. The seed must not
// be empty.
func NewSignerFromSeed(seed []byte) (*Signer, error) {
	if len(seed) == 0 {
		return nil, fmt.Errorf("seed cannot be empty")
	}
	s := &Signer{}
	copy(s.privKey[:], ethcrypto.Keccak256(seed))
	return s, nil
}

// Identity returns the public key of the signer.
func (s *Signer) Identity() types.Identity {
	return types.IdentityFromPublicKey(s.privKey.Public())
}

// Sign signs a field element and returns the compressed signature.
func (s *Signer) Sign(msg *big.Int) (types.HexBytes, error) {
	if !crypto.InField(msg) {
		return nil, fmt.Errorf("message must be a field element")
	}
	sig := s.privKey.SignPoseidon(msg)
	comp := sig.Compress()
	return types.HexBytes(comp[:]), nil
}

// Verify reports whether signature is a valid signature of msg by publicKey.
// Malformed signatures, invalid public keys and messages outside the field
// are rejected.
func Verify(publicKey types.Identity, msg *big.Int, signature []byte) bool {
	if !publicKey.Valid() || !crypto.InField(msg) {
		return false
	}
	sig, err := decodeSignature(signature)
	if err != nil {
		return false
	}
	return publicKey.PublicKey().VerifyPoseidon(msg, sig)
}

// decodeSignature decompresses a signature, checking that its R point is on
// the curve and that S is below the subgroup order.
func decodeSignature(signature []byte) (*babyjub.Signature, error) {
	if len(signature) != SignatureLength {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", SignatureLength, len(signature))
	}
	var comp babyjub.SignatureComp
	copy(comp[:], signature)
	sig, err := comp.Decompress()
	if err != nil {
		return nil, fmt.Errorf("decompress signature: %w", err)
	}
	if sig.R8 == nil || !sig.R8.InCurve() {
		return nil, fmt.Errorf("signature point is not on the curve")
	}
	if sig.S == nil || sig.S.Sign() < 0 || sig.S.Cmp(babyjub.SubOrder) >= 0 {
		return nil, fmt.Errorf("signature scalar out of range")
	}
	return sig, nil
}
