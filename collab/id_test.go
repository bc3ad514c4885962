package collab

import (
	"encoding/json"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestIdOrder(t *testing.T) {
	// ulids from the same source are create-time ordered
	a := NewId()
	for i := 0; i < 1024; i += 1 {
		b := NewId()
		assert.Equal(t, a.LessThan(b), true)
		assert.Equal(t, b.LessThan(a), false)
		assert.Equal(t, b == a, false)
		a = b
	}
}

func TestIdJsonCodec(t *testing.T) {
	type Test struct {
		A Id  `json:"a"`
		B *Id `json:"b,omitempty"`
	}

	a := NewId()
	b := NewId()
	test := &Test{
		A: a,
		B: &b,
	}

	testBytes, err := json.Marshal(test)
	assert.Equal(t, nil, err)

	decoded := &Test{}
	assert.Equal(t, nil, json.Unmarshal(testBytes, decoded))
	assert.Equal(t, a, decoded.A)
	assert.Equal(t, b, *decoded.B)
}

func TestIdJsonMalformed(t *testing.T) {
	id := &Id{}
	assert.NotEqual(t, id.UnmarshalJSON([]byte(`"not an id"`)), nil)
	assert.NotEqual(t, id.UnmarshalJSON([]byte(`"zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz"`)), nil)
	assert.Equal(t, Id{}, *id)
}
