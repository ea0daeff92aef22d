package analysis

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
)

// Fingerprint derives the cache key of an inference request from the
// content sent and every parameter that can change the answer.
func Fingerprint(content, provider, modelName, levelFilter string, options map[string]string) string {
	h := sha256.New()
	write := func(s string) {
		h.Write([]byte(s))
		h.Write([]byte{0})
	}
	write(provider)
	write(modelName)
	write(levelFilter)

	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		write(k)
		write(options[k])
	}

	contentSum := sha256.Sum256([]byte(content))
	h.Write(contentSum[:])
	return hex.EncodeToString(h.Sum(nil))
}
