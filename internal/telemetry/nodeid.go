package telemetry

import "strings"

// UnknownNode is returned when a sender address cannot be parsed.
const UnknownNode = "0000"

// NodeID derives a node identifier from a colon-delimited IPv6 address:
// the last hextet, lower-cased and zero-padded to four digits. A zone
// suffix ("%wpan0") is ignored. Malformed input yields UnknownNode; it
// never fails, so identity never blocks ingestion.
func NodeID(addr string) string {
	if i := strings.IndexByte(addr, '%'); i >= 0 {
		addr = addr[:i]
	}
	i := strings.LastIndexByte(addr, ':')
	if i < 0 {
		return UnknownNode
	}
	last := addr[i+1:]
	if last == "" || len(last) > 4 {
		return UnknownNode
	}
	for j := 0; j < len(last); j++ {
		if !isHex(last[j]) {
			return UnknownNode
		}
	}
	return strings.Repeat("0", 4-len(last)) + strings.ToLower(last)
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}
