package ledger

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/vocdoni/private-voting/log"
)

// Encoding defines the encoding formats for ledger entries.
type Encoding int

const (
	// EncodingCBOR is the deterministic CBOR encoding used for storage.
	EncodingCBOR Encoding = iota
	// EncodingJSON is the JSON encoding used for export.
	EncodingJSON
)

var cborEncMode = func() cbor.EncMode {
	em, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("ledger: cannot build CBOR encoder: %v", err))
	}
	return em
}()

// Encode encodes v into the specified encoding format, CBOR by default.
func Encode(v any, encoding ...Encoding) ([]byte, error) {
	if len(encoding) > 0 {
		switch encoding[0] {
		case EncodingCBOR:
			return cborEncMode.Marshal(v)
		case EncodingJSON:
			res, err := json.Marshal(v)
			if err != nil {
				log.Warnw("falling back to CBOR encoding due to JSON encoding failure", "error", err)
				return cborEncMode.Marshal(v)
			}
			return res, nil
		default:
			return nil, fmt.Errorf("unknown encoding: %d", encoding[0])
		}
	}
	return cborEncMode.Marshal(v)
}

// Decode decodes data from the specified encoding format, CBOR by default.
func Decode(data []byte, out any, encoding ...Encoding) error {
	if len(encoding) > 0 {
		switch encoding[0] {
		case EncodingCBOR:
			return cbor.Unmarshal(data, out)
		case EncodingJSON:
			return json.Unmarshal(data, out)
		default:
			return fmt.Errorf("unknown encoding: %d", encoding[0])
		}
	}
	return cbor.Unmarshal(data, out)
}
