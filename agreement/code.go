package agreement

import (
	"math/rand/v2"
	"strconv"
	"strings"
	"time"
)

const codePrefix = "ECOSHARE"

const base36 = "0123456789abcdefghijklmnopqrstuvwxyz"

// NewCode builds the human-readable display code, e.g. ECOSHARE-LZ3K9Q1A-4F7XQ.
func NewCode(now time.Time) string {
	var suffix [5]byte
	for i := range suffix {
		suffix[i] = base36[rand.IntN(len(base36))]
	}
	stamp := strconv.FormatInt(now.UnixMilli(), 36)
	return strings.ToUpper(codePrefix + "-" + stamp + "-" + string(suffix[:]))
}

// LooksLikeCode reports whether ref is a display code rather than an id.
func LooksLikeCode(ref string) bool {
	return strings.HasPrefix(strings.ToUpper(ref), codePrefix+"-")
}
