// Package uri handles the document and workspace URIs carried in protocol
// params such as rootUri and textDocument.uri.
//
// A URI keeps its path decoded and everything else as sent, with two
// normalizations so equal locations compare equal: the scheme is lower case
// and percent escapes in the authority, query and fragment use upper-case
// hex. String re-encodes the path:
//
//	file:///home/me/My%20Project/main.go
//	└─┬┘ └┬┘└──────────────┬──────────────┘
//	scheme │     path "/home/me/My Project/main.go"
//	   authority ""
package uri

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"runtime"
	"strings"
)

// FileScheme is the scheme of URIs naming local files.
const FileScheme = "file"

var (
	ErrNoScheme = errors.New("uri: missing scheme")
	ErrNotFile  = errors.New("uri: not a file URI")
)

// URI is a parsed URI. The zero value is invalid and encodes as "".
// URIs are comparable and may be used as map keys.
type URI struct {
	scheme    string
	authority string
	path      string // decoded
	query     string
	fragment  string

	hasAuthority bool
	hasQuery     bool
	hasFragment  bool
}

// Parse parses s. The path must be validly percent-encoded.
func Parse(s string) (URI, error) {
	u, err := url.Parse(s)
	if err != nil {
		return URI{}, fmt.Errorf("uri: %w", err)
	}
	if u.Scheme == "" {
		return URI{}, fmt.Errorf("%w: %q", ErrNoScheme, s)
	}

	out := URI{scheme: u.Scheme, path: u.Path}

	rest := s[len(u.Scheme)+1:]
	if after, ok := strings.CutPrefix(rest, "//"); ok {
		end := strings.IndexAny(after, "/?#")
		if end < 0 {
			end = len(after)
		}
		out.hasAuthority = true
		out.authority = normalizeEscapes(after[:end])
	}
	if u.Opaque != "" {
		// untitled:Untitled-1 and friends carry no leading slash.
		p, err := url.PathUnescape(u.Opaque)
		if err != nil {
			return URI{}, fmt.Errorf("uri: %w", err)
		}
		out.path = p
	}
	if u.ForceQuery || u.RawQuery != "" {
		out.hasQuery = true
		out.query = normalizeEscapes(u.RawQuery)
	}
	if strings.Contains(rest, "#") {
		out.hasFragment = true
		out.fragment = normalizeEscapes(u.EscapedFragment())
	}
	return out, nil
}

// MustParse is Parse for constants; it panics on error.
func MustParse(s string) URI {
	u, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return u
}

// File returns the file URI of path, made absolute first.
func File(path string) (URI, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return URI{}, fmt.Errorf("uri: %w", err)
	}
	p := filepath.ToSlash(abs)
	if !strings.HasPrefix(p, "/") {
		// C:/dir becomes /C:/dir.
		p = "/" + p
	}
	return URI{scheme: FileScheme, hasAuthority: true, path: p}, nil
}

func (u URI) IsValid() bool     { return u.scheme != "" }
func (u URI) Scheme() string    { return u.scheme }
func (u URI) Authority() string { return u.authority }
func (u URI) Path() string      { return u.path }
func (u URI) Query() string     { return u.query }
func (u URI) Fragment() string  { return u.fragment }

// IsFile reports whether u names a local file.
func (u URI) IsFile() bool {
	return u.scheme == FileScheme
}

// Filename converts a file URI back to a path in the local OS form.
func (u URI) Filename() (string, error) {
	if !u.IsFile() {
		return "", fmt.Errorf("%w: %s", ErrNotFile, u)
	}
	p := u.path
	if runtime.GOOS == "windows" && len(p) >= 3 && p[0] == '/' && p[2] == ':' {
		p = p[1:]
	}
	return filepath.FromSlash(p), nil
}

// String encodes u. Path bytes other than letters, digits, '/', '_', '.'
// and '-' are percent-encoded, so a drive colon becomes %3A.
func (u URI) String() string {
	if !u.IsValid() {
		return ""
	}
	var b strings.Builder
	b.WriteString(u.scheme)
	b.WriteByte(':')
	if u.hasAuthority {
		b.WriteString("//")
		b.WriteString(u.authority)
	}
	b.WriteString(escapePath(u.path))
	if u.hasQuery {
		b.WriteByte('?')
		b.WriteString(u.query)
	}
	if u.hasFragment {
		b.WriteByte('#')
		b.WriteString(u.fragment)
	}
	return b.String()
}

// MarshalText encodes u as its string form, "" for the zero URI.
func (u URI) MarshalText() ([]byte, error) {
	return []byte(u.String()), nil
}

// UnmarshalText parses text; "" yields the zero URI.
func (u *URI) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		*u = URI{}
		return nil
	}
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

const upperHex = "0123456789ABCDEF"

func escapePath(p string) string {
	var b strings.Builder
	b.Grow(len(p))
	for i := 0; i < len(p); i++ {
		c := p[i]
		if unreserved(c) {
			b.WriteByte(c)
			continue
		}
		b.WriteByte('%')
		b.WriteByte(upperHex[c>>4])
		b.WriteByte(upperHex[c&0xF])
	}
	return b.String()
}

func unreserved(c byte) bool {
	switch {
	case 'a' <= c && c <= 'z', 'A' <= c && c <= 'Z', '0' <= c && c <= '9':
		return true
	}
	return c == '/' || c == '_' || c == '.' || c == '-'
}

// normalizeEscapes upper-cases the two hex digits after every '%'.
func normalizeEscapes(s string) string {
	if !strings.Contains(s, "%") {
		return s
	}
	b := []byte(s)
	for i := 0; i+2 < len(b); i++ {
		if b[i] != '%' {
			continue
		}
		b[i+1] = upper(b[i+1])
		b[i+2] = upper(b[i+2])
		i += 2
	}
	return string(b)
}

func upper(c byte) byte {
	if 'a' <= c && c <= 'f' {
		return c - 'a' + 'A'
	}
	return c
}
