package types

import (
	"encoding/json"
	"testing"

	qt "github.com/frankban/quicktest"
)

func TestHexBytes(t *testing.T) {
	c := qt.New(t)

	c.Run("String", func(c *qt.C) {
		testCases := []struct {
			name string
			in   HexBytes
			want string
		}{
			{name: "nil slice", in: nil, want: "0x"},
			{name: "empty", in: HexBytes{}, want: "0x"},
			{name: "non-empty", in: HexBytes{0x00, 0xAB, 0xCD}, want: "0x00abcd"},
		}
		for _, tc := range testCases {
			c.Run(tc.name, func(c *qt.C) {
				c.Assert(tc.in.String(), qt.Equals, tc.want)
			})
		}
	})

	c.Run("BigInt", func(c *qt.C) {
		c.Assert(HexBytes{}.BigInt().String(), qt.Equals, "0")
		c.Assert(HexBytes{0x01, 0x00}.BigInt().String(), qt.Equals, "256")
	})

	c.Run("LeftPad", func(c *qt.C) {
		in := HexBytes{0x01}
		out := in.LeftPad(3)
		c.Assert(out, qt.DeepEquals, HexBytes{0x00, 0x00, 0x01})
		c.Assert(in.LeftPad(1), qt.DeepEquals, in)
	})

	c.Run("JSON", func(c *qt.C) {
		in := map[string]HexBytes{"sig": {0xde, 0xad}}
		data, err := json.Marshal(in)
		c.Assert(err, qt.IsNil)
		c.Assert(string(data), qt.Equals, `{"sig":"0xdead"}`)

		var out map[string]HexBytes
		c.Assert(json.Unmarshal(data, &out), qt.IsNil)
		c.Assert(out["sig"].Equal(in["sig"]), qt.IsTrue)

		c.Assert(json.Unmarshal([]byte(`{"sig":"zz"}`), &out), qt.IsNotNil)
	})
}
