package poseidon

import (
	"math/big"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/iden3/go-iden3-crypto/poseidon"
	"github.com/vocdoni/private-voting/crypto"
)

func TestCombine(t *testing.T) {
	c := qt.New(t)

	a, b := big.NewInt(1), big.NewInt(2)
	ab, err := Combine(a, b)
	c.Assert(err, qt.IsNil)
	ba, err := Combine(b, a)
	c.Assert(err, qt.IsNil)
	c.Assert(ab.Cmp(ba), qt.Not(qt.Equals), 0, qt.Commentf("order must matter"))

	again, err := Combine(a, b)
	c.Assert(err, qt.IsNil)
	c.Assert(again.Cmp(ab), qt.Equals, 0)
	c.Assert(crypto.InField(ab), qt.IsTrue)

	_, err = Combine(crypto.Field, b)
	c.Assert(err, qt.IsNotNil)
	_, err = Combine(nil, b)
	c.Assert(err, qt.IsNotNil)
}

func TestLeafKeyDomainSeparation(t *testing.T) {
	c := qt.New(t)

	x, y := big.NewInt(10), big.NewInt(20)
	key, err := LeafKey(x, y)
	c.Assert(err, qt.IsNil)
	node, err := Combine(x, y)
	c.Assert(err, qt.IsNil)
	c.Assert(key.Cmp(node), qt.Not(qt.Equals), 0)

	_, err = LeafKey(x)
	c.Assert(err, qt.IsNotNil)
	_, err = LeafKey(x, new(big.Int).Neg(y))
	c.Assert(err, qt.IsNotNil)
}

func TestMultiPoseidon(t *testing.T) {
	c := qt.New(t)

	_, err := MultiPoseidon()
	c.Assert(err, qt.IsNotNil)

	inputs := []*big.Int{}
	for i := range 5 {
		inputs = append(inputs, big.NewInt(int64(i)))
	}
	got, err := MultiPoseidon(inputs...)
	c.Assert(err, qt.IsNil)
	want, err := poseidon.Hash(inputs)
	c.Assert(err, qt.IsNil)
	c.Assert(got.Cmp(want), qt.Equals, 0)

	for i := 5; i < 40; i++ {
		inputs = append(inputs, big.NewInt(int64(i)))
	}
	long1, err := MultiPoseidon(inputs...)
	c.Assert(err, qt.IsNil)
	inputs[39] = big.NewInt(1000)
	long2, err := MultiPoseidon(inputs...)
	c.Assert(err, qt.IsNil)
	c.Assert(long1.Cmp(long2), qt.Not(qt.Equals), 0)
}
