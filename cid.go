package diddoc

import (
	"fmt"

	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
)

// CIDv1, dag-cbor codec, sha2-256 multihash
func computeCID(b []byte) (cid.Cid, error) {
	cidBuilder := cid.V1Builder{Codec: 0x71, MhType: 0x12, MhLength: 0}
	return cidBuilder.Sum(b)
}

// DocumentCID returns the content identifier of the DAG-CBOR encoding of the
// serialized document. Documents that serialize identically share a CID.
func DocumentCID(doc *Document) (cid.Cid, error) {
	b, err := cbor.DumpObject(doc.Serialize())
	if err != nil {
		return cid.Undef, fmt.Errorf("encoding document as CBOR: %w", err)
	}
	return computeCID(b)
}

func ServiceCID(svc ServiceEntry) (cid.Cid, error) {
	b, err := cbor.DumpObject(svc.Serialize())
	if err != nil {
		return cid.Undef, fmt.Errorf("encoding service as CBOR: %w", err)
	}
	return computeCID(b)
}
