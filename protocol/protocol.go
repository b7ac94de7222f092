// Package protocol implements the base-protocol framing used by language
// server endpoints.
//
// TCP and pipes are byte streams, so every envelope is prefixed with a small
// ASCII header block that tells the receiver how many body bytes follow:
//
//	Content-Length: 52\r\n
//	Content-Type: application/vscode-jsonrpc; charset=utf-8\r\n   (optional)
//	\r\n
//	{"jsonrpc":"2.0","id":1,"method":"initialize",...}
//
// The receiver reads header lines up to the empty line, then exactly
// Content-Length bytes of body.
package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

const (
	HeaderContentLength = "Content-Length"
	HeaderContentType   = "Content-Type"

	// MaxBodySize bounds a single frame body so a corrupt length cannot make
	// the reader allocate without limit.
	MaxBodySize = 64 << 20

	// MaxHeaderSize bounds the header block of a single frame, for the same
	// reason: a peer that never sends a newline must not grow the buffer.
	MaxHeaderSize = 8 << 10
)

var (
	ErrMissingContentLength = errors.New("protocol: missing Content-Length header")
	ErrBodyTooLarge         = errors.New("protocol: frame body exceeds limit")
	ErrHeaderTooLarge       = errors.New("protocol: frame header exceeds limit")
)

// Encode writes one complete frame (header + body) to w.
// The caller must hold a write lock if several goroutines share w, otherwise
// frames from different envelopes interleave and corrupt the stream.
func Encode(w io.Writer, body []byte) error {
	header := HeaderContentLength + ": " + strconv.Itoa(len(body)) + "\r\n\r\n"
	if _, err := io.WriteString(w, header); err != nil {
		return err
	}
	if _, err := w.Write(body); err != nil {
		return err
	}
	return nil
}

// Decode reads one complete frame from r and returns its body.
// io.EOF is returned unchanged when the stream ends cleanly between frames.
func Decode(r *bufio.Reader) ([]byte, error) {
	length := -1
	first := true
	budget := MaxHeaderSize
	for {
		line, err := readLine(r, &budget)
		if err != nil {
			if first && errors.Is(err, io.EOF) && line == "" {
				return nil, io.EOF
			}
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		first = false

		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break // end of header block
		}

		name, value, ok := strings.Cut(line, ":")
		if !ok {
			return nil, fmt.Errorf("protocol: malformed header line %q", line)
		}
		value = strings.TrimSpace(value)
		if strings.EqualFold(strings.TrimSpace(name), HeaderContentLength) {
			n, err := strconv.Atoi(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("protocol: invalid Content-Length %q", value)
			}
			length = n
		}
		// Other headers (Content-Type) are accepted and ignored.
	}

	if length < 0 {
		return nil, ErrMissingContentLength
	}
	if length > MaxBodySize {
		return nil, ErrBodyTooLarge
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return body, nil
}

// readLine reads up to and including '\n', charging the bytes to budget.
func readLine(r *bufio.Reader, budget *int) (string, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > *budget {
			return "", ErrHeaderTooLarge
		}
		line = append(line, chunk...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		*budget -= len(line)
		return string(line), err
	}
}
