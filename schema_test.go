package diddoc

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchemaExtend(t *testing.T) {
	assert := assert.New(t)

	parent := NewSchema(AllowExtra,
		Field{Name: "a", Required: true, Rule: StringRule},
		Field{Name: "b", Required: true, Rule: StringRule},
	)
	child := parent.Extend(PreventExtra,
		Field{Name: "b", Required: true, Rule: OneOf("x", "y")},
		Field{Name: "c", Default: func() any { return "dflt" }},
	)

	assert.Equal([]string{"a", "b"}, parent.FieldNames())
	assert.Equal([]string{"a", "b", "c"}, child.FieldNames())

	// parent is unchanged by Extend
	out, err := parent.Validate(map[string]any{"a": "1", "b": "z", "extra": 1})
	require.NoError(t, err)
	assert.Equal(map[string]any{"a": "1", "b": "z", "extra": 1}, out)

	// child rule overrides parent rule
	_, err = child.Validate(map[string]any{"a": "1", "b": "z"})
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal("b", se.Path)

	out, err = child.Validate(map[string]any{"a": "1", "b": "x"})
	require.NoError(t, err)
	assert.Equal(map[string]any{"a": "1", "b": "x", "c": "dflt"}, out)

	_, err = child.Validate(map[string]any{"a": "1", "b": "x", "zz": 1, "extra": 2})
	require.True(t, errors.As(err, &se))
	assert.Equal("extra", se.Path)
	assert.Equal("extra: extra keys not allowed", se.Error())
}

func TestSchemaValidateDoesNotModifyInput(t *testing.T) {
	assert := assert.New(t)

	raw := map[string]any{
		"id":              "did:example:123#didcomm",
		"type":            DIDCommServiceType,
		"serviceEndpoint": "https://example.com",
		"recipientKeys":   []any{"did:example:123#key-1"},
	}
	out, err := DIDCommServiceSchema.Validate(raw)
	require.NoError(t, err)

	assert.IsType(DIDUrl{}, out["id"])
	assert.IsType([]DIDUrl{}, out["recipientKeys"])
	assert.Equal([]DIDUrl{}, out["routingKeys"])

	assert.Equal("did:example:123#didcomm", raw["id"])
	_, ok := raw["routingKeys"]
	assert.False(ok)
}

func TestSchemaNilInput(t *testing.T) {
	_, err := ServiceSchema.Validate(nil)
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "expected a dictionary", se.Error())
}

func TestOneOf(t *testing.T) {
	assert := assert.New(t)

	rule := OneOf("IndyAgent", "did-communication")
	v, err := rule("IndyAgent")
	assert.NoError(err)
	assert.Equal("IndyAgent", v)

	_, err = rule("indyagent")
	assert.EqualError(err, "value must be one of [IndyAgent, did-communication]")
	_, err = rule(1)
	assert.Error(err)
}

func TestDIDUrlListRule(t *testing.T) {
	assert := assert.New(t)

	k1 := MustParseDIDUrl("did:example:123#key-1")

	for _, in := range []any{
		[]any{"did:example:123#key-1"},
		[]string{"did:example:123#key-1"},
		[]DIDUrl{k1},
	} {
		out, err := DIDUrlListRule(in)
		assert.NoError(err)
		assert.Equal([]DIDUrl{k1}, out)
	}

	out, err := DIDUrlListRule([]any{})
	assert.NoError(err)
	assert.Equal([]DIDUrl{}, out)

	_, err = DIDUrlListRule([]DIDUrl{k1, {}})
	var se *SchemaError
	require.True(t, errors.As(err, &se))
	assert.Equal("[1]", se.Path)
}
