package diddoc

import (
	"encoding/json"
	"slices"
)

const (
	DIDCommServiceType   = "did-communication"
	IndyAgentServiceType = "IndyAgent"
)

// DIDCommServiceSchema is ServiceSchema extended with the DIDComm key lists. It is closed.
var DIDCommServiceSchema = ServiceSchema.Extend(PreventExtra,
	Field{Name: "type", Required: true, Rule: OneOf(IndyAgentServiceType, DIDCommServiceType)},
	Field{Name: "recipientKeys", Required: true, Rule: DIDUrlListRule},
	Field{Name: "routingKeys", Default: emptyDIDUrlList, Rule: DIDUrlListRule},
)

func IsDIDCommServiceType(typ string) bool {
	return typ == DIDCommServiceType || typ == IndyAgentServiceType
}

// DIDCommService advertises an endpoint that accepts DIDComm messages.
//
// recipientKeys are the keys messages to this service are encrypted for;
// routingKeys are the keys of intermediate mediators, outermost last.
type DIDCommService struct {
	id            DIDUrl
	typ           string
	endpoint      string
	recipientKeys []DIDUrl
	routingKeys   []DIDUrl
}

type DIDCommOption func(*DIDCommService)

// WithServiceType overrides the default "did-communication" type.
func WithServiceType(typ string) DIDCommOption {
	return func(s *DIDCommService) {
		s.typ = typ
	}
}

func WithRoutingKeys(keys ...DIDUrl) DIDCommOption {
	return func(s *DIDCommService) {
		s.routingKeys = slices.Clone(keys)
		if s.routingKeys == nil {
			s.routingKeys = []DIDUrl{}
		}
	}
}

// NewDIDCommService builds a service from already-validated values. No schema
// validation is performed; use DeserializeDIDCommService for untrusted input.
func NewDIDCommService(id DIDUrl, endpoint string, recipientKeys []DIDUrl, opts ...DIDCommOption) *DIDCommService {
	s := &DIDCommService{
		id:            id,
		typ:           DIDCommServiceType,
		endpoint:      endpoint,
		recipientKeys: slices.Clone(recipientKeys),
		routingKeys:   []DIDUrl{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *DIDCommService) ID() DIDUrl { return s.id }
func (s *DIDCommService) Type() string { return s.typ }
func (s *DIDCommService) Endpoint() string { return s.endpoint }

func (s *DIDCommService) RecipientKeys() []DIDUrl {
	return slices.Clone(s.recipientKeys)
}

func (s *DIDCommService) RoutingKeys() []DIDUrl {
	out := slices.Clone(s.routingKeys)
	if out == nil {
		out = []DIDUrl{}
	}
	return out
}

func (s *DIDCommService) Serialize() map[string]any {
	return map[string]any{
		"id":              s.id.String(),
		"type":            s.typ,
		"serviceEndpoint": s.endpoint,
		"recipientKeys":   didUrlStrings(s.recipientKeys),
		"routingKeys":     didUrlStrings(s.routingKeys),
	}
}

// ValidateDIDCommService checks raw against DIDCommServiceSchema and returns the
// coerced mapping: "id" as DIDUrl, key lists as []DIDUrl, routingKeys defaulted.
func ValidateDIDCommService(raw map[string]any) (map[string]any, error) {
	return wrapValidationError("Failed to validate DIDComm service", func() (map[string]any, error) {
		return DIDCommServiceSchema.Validate(raw)
	})
}

// DeserializeDIDCommService validates raw and builds a DIDCommService from it.
func DeserializeDIDCommService(raw map[string]any) (*DIDCommService, error) {
	return wrapValidationError("Failed to deserialize DIDComm service", func() (*DIDCommService, error) {
		value, err := ValidateDIDCommService(raw)
		if err != nil {
			return nil, err
		}
		return NewDIDCommService(
			value["id"].(DIDUrl),
			value["serviceEndpoint"].(string),
			value["recipientKeys"].([]DIDUrl),
			WithServiceType(value["type"].(string)),
			WithRoutingKeys(value["routingKeys"].([]DIDUrl)...),
		), nil
	})
}

func (s *DIDCommService) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Serialize())
}

func (s *DIDCommService) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := DeserializeDIDCommService(raw)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}
