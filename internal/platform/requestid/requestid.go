// Package requestid generates correlation ids for HTTP requests. Ids carry a
// "req_" prefix so they are easy to pick out of mixed log streams next to
// submission and scheduler job ids.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
)

const prefix = "req_"

func New() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}
