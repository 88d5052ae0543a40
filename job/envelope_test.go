package job

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Run("decodes a complete envelope", func(t *testing.T) {
		env, err := Decode([]byte(`{"class":"SendInvoice","props":{"invoice_id":42,"to":"a@b.c"}}`))
		require.NoError(t, err)

		assert.Equal(t, "SendInvoice", env.Kind)
		assert.Equal(t, float64(42), env.Props["invoice_id"])
		assert.Equal(t, "a@b.c", env.Props["to"])
	})

	t.Run("accepts empty props", func(t *testing.T) {
		for _, body := range []string{
			`{"class":"Ping","props":{}}`,
			`{"class":"Ping","props":[]}`,
			`{"class":"Ping","props": [ ] }`,
			"{\"class\":\"Ping\",\"props\":[\n\t]}",
		} {
			env, err := Decode([]byte(body))
			require.NoError(t, err, body)
			assert.Equal(t, "Ping", env.Kind)
			assert.NotNil(t, env.Props)
			assert.Empty(t, env.Props)
		}
	})

	t.Run("rejects malformed envelopes", func(t *testing.T) {
		bodies := map[string]string{
			"not json":       `class=Ping`,
			"empty body":     ``,
			"array":          `[1,2]`,
			"missing class":  `{"props":{}}`,
			"missing props":  `{"class":"Ping"}`,
			"null class":     `{"class":null,"props":{}}`,
			"null props":     `{"class":"Ping","props":null}`,
			"numeric class":  `{"class":7,"props":{}}`,
			"empty class":    `{"class":"","props":{}}`,
			"scalar props":   `{"class":"Ping","props":"x"}`,
			"non-empty list": `{"class":"Ping","props":[1]}`,
			"list of object": `{"class":"Ping","props":[{}]}`,
		}

		for name, body := range bodies {
			t.Run(name, func(t *testing.T) {
				_, err := Decode([]byte(body))
				assert.ErrorIs(t, err, ErrMalformedEnvelope)
			})
		}
	})
}

func TestEncode(t *testing.T) {
	t.Run("round trips", func(t *testing.T) {
		original := Envelope{Kind: "Resize", Props: map[string]any{"width": float64(640), "name": "cat.png"}}

		data, err := Encode(original)
		require.NoError(t, err)

		decoded, err := Decode(data)
		require.NoError(t, err)
		assert.Equal(t, original, decoded)
	})

	t.Run("writes nil props as an object", func(t *testing.T) {
		data, err := Encode(Envelope{Kind: "Ping"})
		require.NoError(t, err)
		assert.JSONEq(t, `{"class":"Ping","props":{}}`, string(data))
	})

	t.Run("requires a kind", func(t *testing.T) {
		_, err := Encode(Envelope{})
		assert.ErrorIs(t, err, ErrMalformedEnvelope)
	})
}
