package diddoc

import (
	"encoding/json"
	"fmt"
	"maps"
)

// ServiceEntry is implemented by every service type that can appear in a Document.
type ServiceEntry interface {
	ID() DIDUrl
	Type() string
	Endpoint() string
	// Serialize projects the service into its wire form (JSON-compatible values only).
	Serialize() map[string]any
}

var _ ServiceEntry = (*Service)(nil)
var _ ServiceEntry = (*DIDCommService)(nil)

// ServiceSchema holds the fields common to all services. Subtypes extend it.
var ServiceSchema = NewSchema(AllowExtra,
	Field{Name: "id", Required: true, Rule: DIDUrlRule},
	Field{Name: "type", Required: true, Rule: StringRule},
	Field{Name: "serviceEndpoint", Required: true, Rule: StringRule},
)

// Service is a generic DID Document service entry. Keys beyond id, type and
// serviceEndpoint are kept verbatim in Extra.
type Service struct {
	id       DIDUrl
	typ      string
	endpoint string
	extra    map[string]any
}

func NewService(id DIDUrl, typ string, endpoint string) *Service {
	return &Service{
		id:       id,
		typ:      typ,
		endpoint: endpoint,
	}
}

func (s *Service) ID() DIDUrl { return s.id }
func (s *Service) Type() string { return s.typ }
func (s *Service) Endpoint() string { return s.endpoint }

// Extra returns a copy of the non-standard keys of this service.
func (s *Service) Extra() map[string]any {
	return maps.Clone(s.extra)
}

func (s *Service) Serialize() map[string]any {
	out := make(map[string]any, len(s.extra)+3)
	maps.Copy(out, s.extra)
	out["id"] = s.id.String()
	out["type"] = s.typ
	out["serviceEndpoint"] = s.endpoint
	return out
}

// ValidateService checks raw against ServiceSchema.
func ValidateService(raw map[string]any) (map[string]any, error) {
	return wrapValidationError("Failed to validate service", func() (map[string]any, error) {
		return ServiceSchema.Validate(raw)
	})
}

// DeserializeService validates raw and builds a generic Service from it.
func DeserializeService(raw map[string]any) (*Service, error) {
	return wrapValidationError("Failed to deserialize service", func() (*Service, error) {
		value, err := ValidateService(raw)
		if err != nil {
			return nil, err
		}
		svc := &Service{
			id:       value["id"].(DIDUrl),
			typ:      value["type"].(string),
			endpoint: value["serviceEndpoint"].(string),
		}
		for k, v := range value {
			switch k {
			case "id", "type", "serviceEndpoint":
			default:
				if svc.extra == nil {
					svc.extra = make(map[string]any)
				}
				svc.extra[k] = v
			}
		}
		return svc, nil
	})
}

func (s *Service) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Serialize())
}

func (s *Service) UnmarshalJSON(b []byte) error {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	parsed, err := DeserializeService(raw)
	if err != nil {
		return err
	}
	*s = *parsed
	return nil
}

// ParseService picks the concrete service type for raw based on its "type"
// field and deserializes into it. Entries declaring a DIDComm type must be
// valid DIDComm services; they do not fall back to the generic Service.
func ParseService(raw map[string]any) (ServiceEntry, error) {
	if typ, ok := raw["type"].(string); ok && IsDIDCommServiceType(typ) {
		return DeserializeDIDCommService(raw)
	}
	return DeserializeService(raw)
}

// parseServiceJSON is ParseService over a JSON object.
func parseServiceJSON(b []byte) (ServiceEntry, error) {
	var raw map[string]any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("service is not a JSON object: %w", err)
	}
	return ParseService(raw)
}
