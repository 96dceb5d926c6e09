package messaging

import (
	"encoding/hex"

	"github.com/glimte/mmate-largemsg/contracts"
	"github.com/zeebo/blake3"
)

// SizeCriteria is the default offload decision: always, over the
// threshold, or when the custom criteria says so
type SizeCriteria struct {
	Threshold     int
	AlwaysOffload bool
	Custom        OffloadCriteria
}

// ShouldOffload implements OffloadCriteria. A body of exactly Threshold
// bytes stays inline.
func (c SizeCriteria) ShouldOffload(body []byte, properties *contracts.Properties) bool {
	if c.AlwaysOffload || len(body) > c.Threshold {
		return true
	}
	return c.Custom != nil && c.Custom.ShouldOffload(body, properties)
}

// ContentHash returns the hex BLAKE3-256 digest of body. Used as the
// message id when duplicate detection is enabled.
func ContentHash(body []byte) string {
	sum := blake3.Sum256(body)
	return hex.EncodeToString(sum[:])
}
