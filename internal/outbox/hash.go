package outbox

import (
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/zeebo/blake3"
)

// encMode uses Core Deterministic Encoding: sorted map keys and shortest
// integer forms, so equal payloads always hash the same.
var encMode cbor.EncMode

// hashKey separates payload hashes from any other BLAKE3 use. ASCII name,
// zero-padded to 32 bytes.
var hashKey = [32]byte{
	'c', 'a', 'd', 'e', 'n', 'c', 'e', '.', 'o', 'u', 't', 'b', 'o', 'x', '.',
	'p', 'a', 'y', 'l', 'o', 'a', 'd',
}

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("outbox: CBOR encoder initialization failed: " + err.Error())
	}
}

// ContentHash returns the hex BLAKE3 keyed hash of the canonical CBOR form
// of a JSON payload. Key order and whitespace in payload do not affect it.
func ContentHash(payload []byte) (string, error) {
	var doc any
	if err := json.Unmarshal(payload, &doc); err != nil {
		return "", fmt.Errorf("failed to decode payload: %w", err)
	}

	canonical, err := encMode.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to encode payload: %w", err)
	}

	hasher, err := blake3.NewKeyed(hashKey[:])
	if err != nil {
		return "", fmt.Errorf("failed to initialize hasher: %w", err)
	}
	_, _ = hasher.Write(canonical)
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
