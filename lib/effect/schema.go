// Copyright 2026 The Broken Fuse Authors
// SPDX-License-Identifier: Apache-2.0

package effect

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
)

// decodeStrict unmarshals data into v, rejecting unknown fields and
// trailing garbage. Unknown fields are a setxattr error.
func decodeStrict(data []byte, v interface{}) error {
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(v); err != nil {
		return fmt.Errorf("decoding effect config: %w", err)
	}
	if _, err := decoder.Token(); err != io.EOF {
		return fmt.Errorf("decoding effect config: trailing data after JSON value")
	}
	return nil
}
