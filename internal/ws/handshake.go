package ws

import (
	"bytes"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
)

const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// buildHandshakeRequest renders the GET upgrade request bytes per spec:
// required headers first, then any caller-supplied headers, then a final
// blank line. User-Agent is emitted only when the caller did not already
// set one.
func buildHandshakeRequest(u URL, key string, opts Options) []byte {
	var b bytes.Buffer

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.Query != "" {
		path += "?" + u.Query
	}

	fmt.Fprintf(&b, "GET %s HTTP/1.1\r\n", path)
	fmt.Fprintf(&b, "Host: %s:%d\r\n", u.Host, u.Port)
	fmt.Fprintf(&b, "Upgrade: websocket\r\n")
	fmt.Fprintf(&b, "Connection: Upgrade\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Version: 13\r\n")
	fmt.Fprintf(&b, "Sec-WebSocket-Key: %s\r\n", key)

	hasUA := false
	for name := range opts.Headers {
		if equalFoldHeader(name, "User-Agent") {
			hasUA = true
			break
		}
	}
	if !hasUA {
		ua := opts.UserAgent
		if ua == "" {
			ua = defaultUserAgent
		}
		fmt.Fprintf(&b, "User-Agent: %s\r\n", ua)
	}

	for name, value := range opts.Headers {
		fmt.Fprintf(&b, "%s: %s\r\n", name, value)
	}

	b.WriteString("\r\n")
	return b.Bytes()
}

const defaultUserAgent = "wspulsar-client"

func equalFoldHeader(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		ca, cb := a[i], b[i]
		if ca >= 'A' && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if cb >= 'A' && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// computeAcceptKey derives the Sec-WebSocket-Accept value a compliant
// server must return for the given Sec-WebSocket-Key.
func computeAcceptKey(key string) string {
	h := sha1.New()
	h.Write([]byte(key))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}
