package enrichment

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// ComputeParamsHash returns the stable hash of (model, version, inputs).
// The encoding is canonical JSON (keys sorted, no insignificant
// whitespace) so two processes hashing the same tuple produce
// byte-identical results. Used to decide whether an enrichment must be
// recomputed: equal hash means the stored row is already the answer.
func ComputeParamsHash(model, version string, inputs map[string]any) string {
	doc := map[string]any{
		"model":   model,
		"version": version,
		"inputs":  inputs,
	}
	// encoding/json sorts map keys, which is exactly the canonical form
	// needed here; nested maps are sorted recursively by the encoder.
	raw, err := json.Marshal(doc)
	if err != nil {
		// Only unmarshalable values (channels, funcs) can land here; hash
		// the error text so the result is still deterministic per input.
		raw = []byte(fmt.Sprintf("unhashable:%v", err))
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

// ComputeFeaturesHash hashes the outputs of a vision run (labels +
// description). The retagger compares it across runs to detect meaningful
// change without diffing payloads. Labels are sorted so ordering noise
// from the provider does not produce a new hash.
func ComputeFeaturesHash(labels []string, description string) string {
	sorted := make([]string, len(labels))
	copy(sorted, labels)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(strings.Join(sorted, "\x1f")))
	h.Write([]byte{0x1e})
	h.Write([]byte(description))
	return hex.EncodeToString(h.Sum(nil))
}

// ComputeTagsHash hashes a tag set order-insensitively.
func ComputeTagsHash(tags []string) string {
	sorted := make([]string, len(tags))
	copy(sorted, tags)
	sort.Strings(sorted)
	sum := sha256.Sum256([]byte(strings.Join(sorted, "\x1f")))
	return hex.EncodeToString(sum[:])
}
