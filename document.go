package diddoc

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bluesky-social/indigo/atproto/syntax"
)

const DefaultContext = "https://www.w3.org/ns/did/v1"

var ErrNoDIDCommService = errors.New("no DIDComm service in document")

type VerificationMethod struct {
	ID                 DIDUrl `json:"id"`
	Type               string `json:"type"`
	Controller         string `json:"controller"`
	PublicKeyMultibase string `json:"publicKeyMultibase,omitempty"`
}

// Document is a DID Document with typed service entries.
type Document struct {
	Context            []string
	ID                 syntax.DID
	AlsoKnownAs        []string
	Controller         []string
	VerificationMethod []VerificationMethod
	Service            []ServiceEntry
}

// on-the-wire shape of Document
type docJSON struct {
	Context            []string             `json:"@context,omitempty"`
	ID                 string               `json:"id"`
	AlsoKnownAs        []string             `json:"alsoKnownAs,omitempty"`
	Controller         []string             `json:"controller,omitempty"`
	VerificationMethod []VerificationMethod `json:"verificationMethod,omitempty"`
	Service            []json.RawMessage    `json:"service,omitempty"`
}

// Destination is where, and for which keys, an outbound DIDComm message should be packed.
type Destination struct {
	ServiceEndpoint string   `json:"serviceEndpoint"`
	RecipientKeys   []string `json:"recipientKeys"`
	RoutingKeys     []string `json:"routingKeys"`
}

func NewDocument(did syntax.DID) *Document {
	return &Document{
		Context: []string{DefaultContext},
		ID:      did,
	}
}

func (d *Document) AddService(svc ServiceEntry) {
	d.Service = append(d.Service, svc)
}

// LookupService returns the first service with the given type.
func (d *Document) LookupService(typ string) (ServiceEntry, bool) {
	for _, svc := range d.Service {
		if svc.Type() == typ {
			return svc, true
		}
	}
	return nil, false
}

// DIDCommServices returns the DIDComm services of the document, in document order.
func (d *Document) DIDCommServices() []*DIDCommService {
	var out []*DIDCommService
	for _, svc := range d.Service {
		if dc, ok := svc.(*DIDCommService); ok {
			out = append(out, dc)
		}
	}
	return out
}

// DIDCommDestination builds a Destination from the first DIDComm service of the document.
func (d *Document) DIDCommDestination() (*Destination, error) {
	services := d.DIDCommServices()
	if len(services) == 0 {
		return nil, ErrNoDIDCommService
	}
	svc := services[0]
	if svc.Endpoint() == "" {
		return nil, fmt.Errorf("no service endpoint on DIDComm service %s", svc.ID())
	}
	if len(svc.recipientKeys) == 0 {
		return nil, fmt.Errorf("no recipient keys on DIDComm service %s", svc.ID())
	}
	return &Destination{
		ServiceEndpoint: svc.Endpoint(),
		RecipientKeys:   didUrlStrings(svc.recipientKeys),
		RoutingKeys:     didUrlStrings(svc.routingKeys),
	}, nil
}

func (d *Document) LookupVerificationMethod(id DIDUrl) (*VerificationMethod, bool) {
	for i := range d.VerificationMethod {
		if d.VerificationMethod[i].ID == id {
			return &d.VerificationMethod[i], true
		}
	}
	return nil, false
}

// Serialize projects the document into JSON-compatible values.
func (d *Document) Serialize() map[string]any {
	out := map[string]any{
		"id": d.ID.String(),
	}
	if len(d.Context) > 0 {
		out["@context"] = d.Context
	}
	if len(d.AlsoKnownAs) > 0 {
		out["alsoKnownAs"] = d.AlsoKnownAs
	}
	if len(d.Controller) > 0 {
		out["controller"] = d.Controller
	}
	if len(d.VerificationMethod) > 0 {
		vms := make([]any, len(d.VerificationMethod))
		for i, vm := range d.VerificationMethod {
			m := map[string]any{
				"id":         vm.ID.String(),
				"type":       vm.Type,
				"controller": vm.Controller,
			}
			if vm.PublicKeyMultibase != "" {
				m["publicKeyMultibase"] = vm.PublicKeyMultibase
			}
			vms[i] = m
		}
		out["verificationMethod"] = vms
	}
	if len(d.Service) > 0 {
		svcs := make([]any, len(d.Service))
		for i, svc := range d.Service {
			svcs[i] = svc.Serialize()
		}
		out["service"] = svcs
	}
	return out
}

func (d *Document) MarshalJSON() ([]byte, error) {
	if d.ID == "" {
		return nil, fmt.Errorf("can't marshal document without id")
	}
	dj := docJSON{
		Context:            d.Context,
		ID:                 d.ID.String(),
		AlsoKnownAs:        d.AlsoKnownAs,
		Controller:         d.Controller,
		VerificationMethod: d.VerificationMethod,
	}
	for _, svc := range d.Service {
		b, err := json.Marshal(svc.Serialize())
		if err != nil {
			return nil, err
		}
		dj.Service = append(dj.Service, b)
	}
	return json.Marshal(dj)
}

// UnmarshalJSON parses and validates a document. Each service is dispatched to
// its concrete type with ParseService.
func (d *Document) UnmarshalJSON(b []byte) error {
	var dj docJSON
	if err := json.Unmarshal(b, &dj); err != nil {
		return err
	}
	did, err := syntax.ParseDID(dj.ID)
	if err != nil {
		return fmt.Errorf("invalid document id: %w", err)
	}

	var services []ServiceEntry
	for i, raw := range dj.Service {
		svc, err := parseServiceJSON(raw)
		if err != nil {
			return fmt.Errorf("service %d: %w", i, err)
		}
		services = append(services, svc)
	}

	*d = Document{
		Context:            dj.Context,
		ID:                 did,
		AlsoKnownAs:        dj.AlsoKnownAs,
		Controller:         dj.Controller,
		VerificationMethod: dj.VerificationMethod,
		Service:            services,
	}
	return nil
}

// ParseDocument is a convenience wrapper around Document.UnmarshalJSON.
func ParseDocument(b []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}
