package client

import (
	"encoding/json"
	"fmt"

	"github.com/cecil-the-coder/rpc-provider-kit/pkg/types"
)

// decode unmarshals an opaque result into the typed target. Decode failures
// surface as protocol errors, distinct from network and provider failures:
// the call itself completed, the response shape did not match.
func decode(raw json.RawMessage, method string, target any) error {
	if err := json.Unmarshal(raw, target); err != nil {
		return types.NewProtocolError("", fmt.Sprintf("decode %s result: %v", method, err)).
			WithMethod(method).
			WithOriginalErr(err)
	}
	return nil
}
