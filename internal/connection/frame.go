package connection

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// STOMP commands.
const (
	CmdConnect     = "CONNECT"
	CmdConnected   = "CONNECTED"
	CmdSend        = "SEND"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdDisconnect  = "DISCONNECT"
	CmdMessage     = "MESSAGE"
	CmdReceipt     = "RECEIPT"
	CmdError       = "ERROR"
)

// Frame decoding errors.
var (
	ErrHeartbeat      = errors.New("heart-beat")
	ErrMalformedFrame = errors.New("malformed frame")
)

// Frame is a single STOMP 1.2 frame.
type Frame struct {
	Command string
	Headers map[string]string
	Body    []byte
}

// NewFrame creates a frame from alternating header key/value pairs.
func NewFrame(command string, body []byte, kv ...string) Frame {
	f := Frame{Command: command, Headers: make(map[string]string, len(kv)/2), Body: body}
	for i := 0; i+1 < len(kv); i += 2 {
		f.Headers[kv[i]] = kv[i+1]
	}
	return f
}

// Header returns a header value or "".
func (f Frame) Header(key string) string {
	return f.Headers[key]
}

// escapes reports whether header values are escaped for this command.
// CONNECT and CONNECTED are exempt for 1.0 compatibility.
func escapes(command string) bool {
	return command != CmdConnect && command != CmdConnected
}

var (
	headerEscaper   = strings.NewReplacer(`\`, `\\`, "\n", `\n`, "\r", `\r`, ":", `\c`)
	headerUnescaper = strings.NewReplacer(`\\`, `\`, `\n`, "\n", `\r`, "\r", `\c`, ":")
)

// Encode serializes the frame. Headers are written in sorted order and a
// content-length header is added for non-empty bodies.
func (f Frame) Encode() []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')

	keys := make([]string, 0, len(f.Headers))
	for k := range f.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	esc := escapes(f.Command)
	for _, k := range keys {
		v := f.Headers[k]
		if esc {
			k = headerEscaper.Replace(k)
			v = headerEscaper.Replace(v)
		}
		buf.WriteString(k)
		buf.WriteByte(':')
		buf.WriteString(v)
		buf.WriteByte('\n')
	}
	if _, ok := f.Headers["content-length"]; !ok && len(f.Body) > 0 {
		buf.WriteString("content-length:")
		buf.WriteString(strconv.Itoa(len(f.Body)))
		buf.WriteByte('\n')
	}

	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// DecodeFrame parses one frame from a WebSocket message. A message holding
// only end-of-line bytes is a heart-beat and returns ErrHeartbeat.
func DecodeFrame(data []byte) (Frame, error) {
	data = bytes.TrimLeft(data, "\r\n")
	if len(data) == 0 {
		return Frame{}, ErrHeartbeat
	}

	line, rest, ok := cutLine(data)
	if !ok {
		return Frame{}, fmt.Errorf("%w: missing command line", ErrMalformedFrame)
	}
	f := Frame{Command: string(line), Headers: make(map[string]string)}
	if f.Command == "" {
		return Frame{}, fmt.Errorf("%w: empty command", ErrMalformedFrame)
	}

	esc := escapes(f.Command)
	for {
		line, rest, ok = cutLine(rest)
		if !ok {
			return Frame{}, fmt.Errorf("%w: unterminated headers", ErrMalformedFrame)
		}
		if len(line) == 0 {
			break
		}
		k, v, found := bytes.Cut(line, []byte{':'})
		if !found {
			return Frame{}, fmt.Errorf("%w: header without colon", ErrMalformedFrame)
		}
		key, value := string(k), string(v)
		if esc {
			key = headerUnescaper.Replace(key)
			value = headerUnescaper.Replace(value)
		}
		// Repeated headers: the first occurrence wins.
		if _, exists := f.Headers[key]; !exists {
			f.Headers[key] = value
		}
	}

	if cl, ok := f.Headers["content-length"]; ok {
		n, err := strconv.Atoi(cl)
		if err != nil || n < 0 {
			return Frame{}, fmt.Errorf("%w: bad content-length %q", ErrMalformedFrame, cl)
		}
		if len(rest) < n+1 || rest[n] != 0 {
			return Frame{}, fmt.Errorf("%w: body shorter than content-length", ErrMalformedFrame)
		}
		f.Body = rest[:n]
		return f, nil
	}

	end := bytes.IndexByte(rest, 0)
	if end < 0 {
		return Frame{}, fmt.Errorf("%w: missing NUL terminator", ErrMalformedFrame)
	}
	f.Body = rest[:end]
	return f, nil
}

// cutLine splits at the first LF, dropping an optional preceding CR.
func cutLine(data []byte) (line, rest []byte, ok bool) {
	i := bytes.IndexByte(data, '\n')
	if i < 0 {
		return nil, nil, false
	}
	line = data[:i]
	line = bytes.TrimSuffix(line, []byte{'\r'})
	return line, data[i+1:], true
}
