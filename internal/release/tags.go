package release

import (
	"fmt"
	"time"
)

const tagTimeLayout = "2006-01-02-150405"

// NewTag derives a batch tag from now, unique among existing. Collisions get
// a -02, -03... suffix so lexical order stays chronological.
func NewTag(prefix string, now time.Time, existing map[string]struct{}) string {
	if prefix == "" {
		prefix = "release"
	}
	base := prefix + "-" + now.UTC().Format(tagTimeLayout)
	if _, taken := existing[base]; !taken {
		return base
	}
	for n := 2; ; n++ {
		candidate := fmt.Sprintf("%s-%02d", base, n)
		if _, taken := existing[candidate]; !taken {
			return candidate
		}
	}
}
