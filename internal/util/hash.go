// Package util provides shared utility functions.
package util

import (
	"fmt"
	"hash/fnv"
)

// CallID computes a short identifier from an offer's SDP text. Both peers
// see the same offer, so the ID correlates their logs for one attempt. The
// hash is used solely for identification and does not need to be reversible.
func CallID(offerSDP string) string {
	h := fnv.New32a()
	h.Write([]byte(offerSDP))
	return fmt.Sprintf("%08x", h.Sum32())
}
