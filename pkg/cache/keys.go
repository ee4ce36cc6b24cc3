// Copyright (C) 2025, ADXYZ Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"encoding/json"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// GenerateKey derives a deterministic cache key from a parameter set.
// encoding/json sorts map keys at every nesting level, so two parameter
// maps with the same contents always produce the same key regardless of
// construction order.
func GenerateKey(prefix string, params map[string]any) string {
	canonical, err := json.Marshal(params)
	if err != nil {
		// Unserializable params still need a stable-ish key
		canonical = []byte(fmt.Sprintf("%v", params))
	}
	digest := xxhash.Sum64(canonical)
	if prefix == "" {
		return fmt.Sprintf("%016x", digest)
	}
	return fmt.Sprintf("%s:%016x", prefix, digest)
}
