package speech

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/loqalabs/loqa-listen/internal/audio"
)

const (
	crlf      = "\r\n"
	separator = crlf + crlf

	// MaxHeaderBytes is the largest header block a binary frame may carry.
	MaxHeaderBytes = 0x2000

	HeaderPath        = "Path"
	HeaderRequestID   = "X-RequestId"
	HeaderTimestamp   = "X-Timestamp"
	HeaderContentType = "Content-Type"
)

var (
	ErrHeadersTooLarge = errors.New("headers too large")
	errShortFrame      = errors.New("binary frame shorter than header prefix")
)

// Headers holds the Key:Value header block of a protocol message.
type Headers map[string]string

// Message is a single framed protocol unit.
type Message struct {
	Headers Headers
	Body    []byte
}

func (m Message) Path() string { return m.Headers[HeaderPath] }

func (m Message) IsJSON() bool {
	return strings.HasPrefix(m.Headers[HeaderContentType], "application/json")
}

var headerOrder = []string{HeaderPath, HeaderRequestID, HeaderTimestamp, HeaderContentType}

// Encode renders headers as CRLF separated Key:Value lines. Well-known
// headers come first, the rest are sorted.
func (h Headers) Encode() string {
	lines := make([]string, 0, len(h))
	seen := make(map[string]bool, len(headerOrder))
	for _, key := range headerOrder {
		if value, ok := h[key]; ok {
			lines = append(lines, key+":"+value)
			seen[key] = true
		}
	}
	var rest []string
	for key := range h {
		if !seen[key] {
			rest = append(rest, key)
		}
	}
	sort.Strings(rest)
	for _, key := range rest {
		lines = append(lines, key+":"+h[key])
	}
	return strings.Join(lines, crlf)
}

func parseHeaders(raw string) Headers {
	headers := make(Headers)
	for _, line := range strings.Split(raw, crlf) {
		if strings.TrimSpace(line) == "" {
			continue
		}
		key, value, _ := strings.Cut(line, ":")
		headers[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return headers
}

// EncodeText builds a text frame: headers, a blank line, then the body.
func EncodeText(m Message) []byte {
	head := m.Headers.Encode()
	out := make([]byte, 0, len(head)+len(separator)+len(m.Body))
	out = append(out, head...)
	out = append(out, separator...)
	return append(out, m.Body...)
}

// EncodeBinary builds a binary frame: a big-endian uint16 header length, the
// header bytes, then the body.
func EncodeBinary(m Message) ([]byte, error) {
	head := []byte(m.Headers.Encode())
	if len(head) > MaxHeaderBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrHeadersTooLarge, len(head))
	}
	buf := make([]byte, 2+len(head)+len(m.Body))
	audio.NewSampleWriter(buf).
		WriteUint16(uint16(len(head)), false).
		WriteBytes(head).
		WriteBytes(m.Body)
	return buf, nil
}

func DecodeText(data []byte) Message {
	head, body, found := bytes.Cut(data, []byte(separator))
	if !found {
		body = nil
	}
	return Message{Headers: parseHeaders(string(head)), Body: body}
}

func DecodeBinary(data []byte) (Message, error) {
	if len(data) < 2 {
		return Message{}, errShortFrame
	}
	size := int(binary.BigEndian.Uint16(data[:2]))
	if 2+size > len(data) {
		return Message{}, fmt.Errorf("binary frame header length %d exceeds frame size %d", size, len(data))
	}
	head := string(data[2 : 2+size])
	return Message{
		Headers: parseHeaders(strings.TrimSuffix(head, crlf)),
		Body:    data[2+size:],
	}, nil
}
