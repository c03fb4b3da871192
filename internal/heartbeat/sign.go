package heartbeat

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// signBeat derives the per-beat signature from the server-supplied secret.
// The benchmark keys the MAC; the message binds the sequence index, the send
// timestamp, and the secret rule so a replayed beat fails verification.
func signBeat(benchmark string, rule []int64, seq int, ts int64) string {
	mac := hmac.New(sha256.New, []byte(benchmark))
	parts := make([]string, 0, len(rule)+2)
	parts = append(parts, strconv.Itoa(seq), strconv.FormatInt(ts, 10))
	for _, value := range rule {
		parts = append(parts, strconv.FormatInt(value, 10))
	}
	fmt.Fprint(mac, strings.Join(parts, ":"))
	return hex.EncodeToString(mac.Sum(nil))
}
