package execution

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// KeyLength fits the exchange's 36-char order-link id limit
const KeyLength = 32

// DeriveKey builds the idempotency key of a decision. Every retry of the
// same decision inside one bucket maps to the same key, so the ledger and
// the exchange both see it as one order.
func DeriveKey(symbol, strategy string, decidedAt time.Time, bucket time.Duration) string {
	if bucket <= 0 {
		bucket = time.Second
	}
	slot := decidedAt.UTC().Truncate(bucket).UnixMilli()

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d", symbol, strategy, slot)))
	return hex.EncodeToString(sum[:])[:KeyLength]
}
