package diddoc

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDIDUrl(t *testing.T) {
	assert := assert.New(t)

	testCases := []struct {
		raw      string
		did      string
		path     string
		query    string
		fragment string
		bare     bool
	}{
		{raw: "did:example:123", did: "did:example:123", bare: true},
		{raw: "did:example:123#key-1", did: "did:example:123", fragment: "key-1"},
		{raw: "did:example:123/path/to?a=b&c=d#frag", did: "did:example:123", path: "/path/to", query: "a=b&c=d", fragment: "frag"},
		{raw: "did:example:123?service=agent", did: "did:example:123", query: "service=agent"},
		{raw: "did:web:example.com%3A8443#owner", did: "did:web:example.com%3A8443", fragment: "owner"},
		{raw: "did:plc:ewvi7nxzyoun6zhxrhs64oiz#atproto", did: "did:plc:ewvi7nxzyoun6zhxrhs64oiz", fragment: "atproto"},
		{raw: "did:example:123/a%2Fb?q=%C3%A9#k%20ey", did: "did:example:123", path: "/a%2Fb", query: "q=%C3%A9", fragment: "k%20ey"},
		{raw: "did:example:123?a=b?c", did: "did:example:123", query: "a=b?c"},
	}

	for _, tc := range testCases {
		u, err := ParseDIDUrl(tc.raw)
		if !assert.NoError(err, tc.raw) {
			continue
		}
		assert.Equal(tc.did, u.DID.String(), tc.raw)
		assert.Equal(tc.path, u.Path, tc.raw)
		assert.Equal(tc.query, u.Query, tc.raw)
		assert.Equal(tc.fragment, u.Fragment, tc.raw)
		assert.Equal(tc.bare, u.IsBare(), tc.raw)
		assert.Equal(tc.raw, u.String(), tc.raw)
	}
}

func TestParseDIDUrlInvalid(t *testing.T) {
	assert := assert.New(t)

	for _, raw := range []string{
		"",
		"did:",
		"did:example",
		"did:example:",
		"example:123#key-1",
		"https://example.com/did:example:123",
		"DID:example:123",
		"did:Example:123",
		"did:example:123 #key-1",
		"did:example:12\n3",
		"#key-1",
		"did:example:123#",
		"did:example:123?",
		"did:example:123?#key-1",
		"did:example:1#a#b",
		"did:example:123%zz",
		"did:example:123/pa%2",
		"did:example:123?q=%G1",
		"did:example:123#key%",
	} {
		_, err := ParseDIDUrl(raw)
		assert.True(errors.Is(err, ErrInvalidDIDUrl), raw)
	}
}

func TestNewDIDUrl(t *testing.T) {
	assert := assert.New(t)

	did := syntax.DID("did:example:123")
	u := NewDIDUrl(did, "key-1")
	assert.Equal("did:example:123#key-1", u.String())
	assert.Equal(MustParseDIDUrl("did:example:123#key-1"), u)
	assert.Equal("example", u.Method())
	assert.Equal("123", u.Identifier())

	bare := NewDIDUrl(did, "")
	assert.True(bare.IsBare())
	assert.Equal("did:example:123", bare.String())

	assert.True(DIDUrl{}.IsZero())
	assert.Panics(func() { MustParseDIDUrl("not-a-did") })
}

func TestDIDUrlLiteral(t *testing.T) {
	assert := assert.New(t)

	// parts set directly are never dropped
	u := DIDUrl{DID: "did:example:123", Fragment: "key-1"}
	assert.Equal("did:example:123#key-1", u.String())
	assert.False(u.IsBare())
	assert.Equal(MustParseDIDUrl("did:example:123#key-1"), u)

	parsed := MustParseDIDUrl("did:example:123")
	parsed.Fragment = "key-2"
	parsed.Query = "v=1"
	assert.Equal("did:example:123?v=1#key-2", parsed.String())
	assert.Equal(MustParseDIDUrl(parsed.String()), parsed)

	svc := NewDIDCommService(
		DIDUrl{DID: "did:example:123", Fragment: "didcomm"},
		"https://example.com/endpoint",
		[]DIDUrl{{DID: "did:example:123", Fragment: "key-1"}},
	)
	raw := svc.Serialize()
	assert.Equal("did:example:123#didcomm", raw["id"])
	assert.Equal([]string{"did:example:123#key-1"}, raw["recipientKeys"])
	back, err := DeserializeDIDCommService(raw)
	require.NoError(t, err)
	assert.Equal(svc, back)
}

func TestDIDUrlJSON(t *testing.T) {
	assert := assert.New(t)

	u := MustParseDIDUrl("did:example:123/keys?v=1#key-1")
	b, err := json.Marshal(u)
	require.NoError(t, err)
	assert.Equal(`"did:example:123/keys?v=1#key-1"`, string(b))

	var out DIDUrl
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(u, out)

	assert.Error(json.Unmarshal([]byte(`"example:123"`), &out))
	assert.Error(json.Unmarshal([]byte(`123`), &out))

	_, err = json.Marshal(DIDUrl{})
	assert.Error(err)
}
