package diddoc

import (
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

var ErrNotDIDKey = errors.New("recipient key is not a did:key")

// RecipientKeyURL returns the did:key reference for pub, in the form
// "did:key:<multibase>#<multibase>" used for DIDComm recipient and routing keys.
func RecipientKeyURL(pub atcrypto.PublicKey) (DIDUrl, error) {
	return ParseDIDUrl(pub.DIDKey() + "#" + pub.Multibase())
}

// ParseRecipientKey decodes a did:key recipient key reference. A fragment, if
// present, must repeat the key's multibase encoding.
func ParseRecipientKey(u DIDUrl) (atcrypto.PublicKey, error) {
	if u.Method() != "key" {
		return nil, fmt.Errorf("%w: %s", ErrNotDIDKey, u)
	}
	if u.Path != "" || u.Query != "" {
		return nil, fmt.Errorf("%w: unexpected path or query: %s", ErrNotDIDKey, u)
	}
	pub, err := atcrypto.ParsePublicDIDKey(u.DID.String())
	if err != nil {
		return nil, err
	}
	if u.Fragment != "" && u.Fragment != u.Identifier() {
		return nil, fmt.Errorf("did:key fragment does not match key: %s", u)
	}
	return pub, nil
}

// NewDIDCommServiceForKeys builds a DIDComm service whose recipient keys are the did:key forms of pubs.
func NewDIDCommServiceForKeys(id DIDUrl, endpoint string, pubs []atcrypto.PublicKey, opts ...DIDCommOption) (*DIDCommService, error) {
	if len(pubs) == 0 {
		return nil, fmt.Errorf("at least one recipient key is required")
	}
	keys := make([]DIDUrl, 0, len(pubs))
	for _, pub := range pubs {
		k, err := RecipientKeyURL(pub)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return NewDIDCommService(id, endpoint, keys, opts...), nil
}

// DIDCommRecipientPublicKeys decodes every recipient key of svc. Keys that are
// not did:key references are an error.
func DIDCommRecipientPublicKeys(svc *DIDCommService) ([]atcrypto.PublicKey, error) {
	out := make([]atcrypto.PublicKey, 0, len(svc.recipientKeys))
	for _, k := range svc.recipientKeys {
		pub, err := ParseRecipientKey(k)
		if err != nil {
			return nil, err
		}
		out = append(out, pub)
	}
	return out, nil
}
