package diddoc

import (
	"errors"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func generatePublicKey(t *testing.T) atcrypto.PublicKey {
	t.Helper()
	priv, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)
	pub, err := priv.PublicKey()
	require.NoError(t, err)
	return pub
}

func TestRecipientKeyURL(t *testing.T) {
	assert := assert.New(t)

	pub := generatePublicKey(t)
	u, err := RecipientKeyURL(pub)
	require.NoError(t, err)
	assert.Equal("key", u.Method())
	assert.Equal(pub.Multibase(), u.Fragment)
	assert.Equal(pub.DIDKey()+"#"+pub.Multibase(), u.String())

	parsed, err := ParseRecipientKey(u)
	require.NoError(t, err)
	assert.Equal(pub.DIDKey(), parsed.DIDKey())

	// bare did:key is fine too
	parsed, err = ParseRecipientKey(MustParseDIDUrl(pub.DIDKey()))
	require.NoError(t, err)
	assert.Equal(pub.DIDKey(), parsed.DIDKey())
}

func TestParseRecipientKeyInvalid(t *testing.T) {
	assert := assert.New(t)

	pub := generatePublicKey(t)

	_, err := ParseRecipientKey(MustParseDIDUrl("did:example:123#key-1"))
	assert.True(errors.Is(err, ErrNotDIDKey))

	_, err = ParseRecipientKey(MustParseDIDUrl(pub.DIDKey() + "/path"))
	assert.True(errors.Is(err, ErrNotDIDKey))

	_, err = ParseRecipientKey(MustParseDIDUrl(pub.DIDKey() + "#key-1"))
	assert.Error(err)

	_, err = ParseRecipientKey(MustParseDIDUrl("did:key:zNotAKey"))
	assert.Error(err)
}

func TestDIDCommServiceForKeys(t *testing.T) {
	assert := assert.New(t)

	pubs := []atcrypto.PublicKey{generatePublicKey(t), generatePublicKey(t)}
	svc, err := NewDIDCommServiceForKeys(MustParseDIDUrl("did:example:123#didcomm"), "https://example.com", pubs)
	require.NoError(t, err)
	assert.Len(svc.RecipientKeys(), 2)

	// keys survive a schema round trip
	out, err := DeserializeDIDCommService(svc.Serialize())
	require.NoError(t, err)
	decoded, err := DIDCommRecipientPublicKeys(out)
	require.NoError(t, err)
	require.Len(t, decoded, 2)
	for i := range pubs {
		assert.Equal(pubs[i].DIDKey(), decoded[i].DIDKey())
	}

	_, err = NewDIDCommServiceForKeys(MustParseDIDUrl("did:example:123#didcomm"), "https://example.com", nil)
	assert.Error(err)

	notKeys := NewDIDCommService(MustParseDIDUrl("did:example:123#didcomm"), "https://example.com",
		[]DIDUrl{MustParseDIDUrl("did:example:123#key-1")})
	_, err = DIDCommRecipientPublicKeys(notKeys)
	assert.True(errors.Is(err, ErrNotDIDKey))
}
