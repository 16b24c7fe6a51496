package scorer

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
)

// ConfigHash returns a SHA-256 hash of a config value so committed runs can
// be traced back to the settings that produced them. Values that cannot be
// marshalled (NaN weights) hash to "".
func ConfigHash(cfg any) string {
	data, err := json.Marshal(cfg)
	if err != nil {
		return ""
	}
	h := sha256.Sum256(data)
	return fmt.Sprintf("%x", h[:16]) // 32 hex chars
}
