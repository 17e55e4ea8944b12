package config

import (
	"bytes"
	"encoding/json"
	"hash/fnv"
)

// hashConfig fingerprints the decoded config so reloads that only touch
// formatting or comments are not republished. 0 means "unknown".
func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// compactJSON strips insignificant whitespace so payload comparisons ignore
// formatting. Invalid JSON is returned as is.
func compactJSON(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return raw
	}
	return buf.Bytes()
}
