package diddoc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

var ErrInvalidDIDUrl = errors.New("invalid DID URL")

// DIDUrl is a parsed DID URL: a DID optionally followed by a path, query and fragment.
//
// The zero value is not a valid DID URL. Values are comparable with ==.
// An empty Path, Query or Fragment means the part is absent.
type DIDUrl struct {
	DID      syntax.DID
	Path     string // includes leading "/", or empty
	Query    string // without leading "?"
	Fragment string // without leading "#"
}

// ParseDIDUrl parses and validates an absolute DID URL, such as "did:example:123#key-1".
func ParseDIDUrl(raw string) (DIDUrl, error) {
	if !strings.HasPrefix(raw, "did:") {
		return DIDUrl{}, fmt.Errorf("%w: missing did: scheme: %q", ErrInvalidDIDUrl, raw)
	}
	for _, r := range raw {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return DIDUrl{}, fmt.Errorf("%w: contains whitespace or control characters: %q", ErrInvalidDIDUrl, raw)
		}
	}

	if err := checkPercentEncoding(raw); err != nil {
		return DIDUrl{}, fmt.Errorf("%w: %v: %q", ErrInvalidDIDUrl, err, raw)
	}

	rest := raw
	var u DIDUrl

	if idx := strings.IndexByte(rest, '#'); idx >= 0 {
		u.Fragment = rest[idx+1:]
		if u.Fragment == "" {
			return DIDUrl{}, fmt.Errorf("%w: empty fragment: %q", ErrInvalidDIDUrl, raw)
		}
		if strings.IndexByte(u.Fragment, '#') >= 0 {
			return DIDUrl{}, fmt.Errorf("%w: '#' inside fragment: %q", ErrInvalidDIDUrl, raw)
		}
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, '?'); idx >= 0 {
		u.Query = rest[idx+1:]
		if u.Query == "" {
			return DIDUrl{}, fmt.Errorf("%w: empty query: %q", ErrInvalidDIDUrl, raw)
		}
		rest = rest[:idx]
	}
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		u.Path = rest[idx:]
		rest = rest[:idx]
	}

	did, err := syntax.ParseDID(rest)
	if err != nil {
		return DIDUrl{}, fmt.Errorf("%w: %v", ErrInvalidDIDUrl, err)
	}
	u.DID = did
	return u, nil
}

// MustParseDIDUrl is like ParseDIDUrl but panics on error. Intended for constants and tests.
func MustParseDIDUrl(raw string) DIDUrl {
	u, err := ParseDIDUrl(raw)
	if err != nil {
		panic(err)
	}
	return u
}

// NewDIDUrl builds a DID URL referencing a fragment of the given DID.
func NewDIDUrl(did syntax.DID, fragment string) DIDUrl {
	return DIDUrl{
		DID:      did,
		Fragment: fragment,
	}
}

func (u DIDUrl) String() string {
	var b strings.Builder
	b.WriteString(u.DID.String())
	b.WriteString(u.Path)
	if u.Query != "" {
		b.WriteByte('?')
		b.WriteString(u.Query)
	}
	if u.Fragment != "" {
		b.WriteByte('#')
		b.WriteString(u.Fragment)
	}
	return b.String()
}

func (u DIDUrl) Method() string {
	return u.DID.Method()
}

func (u DIDUrl) Identifier() string {
	return u.DID.Identifier()
}

// IsBare reports whether the URL is a plain DID, with no path, query or fragment.
func (u DIDUrl) IsBare() bool {
	return u.Path == "" && u.Query == "" && u.Fragment == ""
}

func (u DIDUrl) IsZero() bool {
	return u.DID == ""
}

func (u DIDUrl) MarshalJSON() ([]byte, error) {
	if u.IsZero() {
		return nil, fmt.Errorf("can't marshal empty DID URL")
	}
	return json.Marshal(u.String())
}

func (u *DIDUrl) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	parsed, err := ParseDIDUrl(s)
	if err != nil {
		return err
	}
	*u = parsed
	return nil
}

// every '%' must start a two hex digit escape
func checkPercentEncoding(s string) error {
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		if i+2 >= len(s) || !isHex(s[i+1]) || !isHex(s[i+2]) {
			return fmt.Errorf("bad percent-encoding at offset %d", i)
		}
		i += 2
	}
	return nil
}

func isHex(c byte) bool {
	return ('0' <= c && c <= '9') || ('a' <= c && c <= 'f') || ('A' <= c && c <= 'F')
}

func didUrlStrings(urls []DIDUrl) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		out[i] = u.String()
	}
	return out
}
