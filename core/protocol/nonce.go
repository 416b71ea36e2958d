package protocol

import (
	"strconv"
	"sync/atomic"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

var lastNonceTime atomic.Int64

// NewNonce returns a token made of a strictly increasing time component and
// a random component, e.g. "m3k1x9q2a0-V1StGXR8".
func NewNonce() string {
	now := time.Now().UnixNano()
	for {
		last := lastNonceTime.Load()
		if now <= last {
			now = last + 1
		}
		if lastNonceTime.CompareAndSwap(last, now) {
			break
		}
	}
	return strconv.FormatInt(now, 36) + "-" + gonanoid.Must(8)
}
