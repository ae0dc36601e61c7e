package ws

import "encoding/binary"

// Close codes named in spec.md §6.
const (
	CloseNormal         uint16 = 1000
	CloseProtocolError  uint16 = 1002
	CloseNoStatus       uint16 = 1005 // kNoStatusCodeErrorCode: never sent on the wire
	CloseAbnormal       uint16 = 1006
	CloseInvalidPayload uint16 = 1007
)

const kPingMessage = "ping"

// parseClosePayload extracts the close code and UTF-8 reason from a Close
// frame payload, applying spec.md §4.C6's validation: an invalid reason
// downgrades to 1007, an out-of-range code downgrades to 1002.
func parseClosePayload(payload []byte) (code uint16, reason string) {
	if len(payload) < 2 {
		return CloseNoStatus, ""
	}

	code = binary.BigEndian.Uint16(payload[:2])
	reasonBytes := payload[2:]

	if !ValidateUTF8(reasonBytes) {
		return CloseInvalidPayload, "invalid utf-8 in close reason"
	}
	if !validCloseCode(code) {
		return CloseProtocolError, "invalid close code"
	}
	return code, string(reasonBytes)
}

// validCloseCode implements spec.md's range: [1000, 3000) excluding
// {1004, 1006, 1014-1999}.
func validCloseCode(code uint16) bool {
	if code < 1000 || code >= 3000 {
		return false
	}
	if code == 1004 || code == 1006 {
		return false
	}
	if code >= 1014 && code <= 1999 {
		return false
	}
	return true
}
