package codec

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type account struct {
	Owner   string            `json:"owner"`
	Balance int64             `json:"balance"`
	Tags    map[string]string `json:"tags,omitempty"`
}

func TestJSON_CanonicalOutput(t *testing.T) {
	c := JSON{}

	data, err := c.Marshal(map[string]any{
		"zebra": 1,
		"alpha": "<b>&</b>",
		"mid":   []any{true, nil, 2.5},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"<b>&</b>","mid":[true,null,2.5],"zebra":1}`, string(data))
}

func TestJSON_StructFieldsSorted(t *testing.T) {
	data, err := JSON{}.Marshal(account{Owner: "ada", Balance: 10})
	require.NoError(t, err)
	assert.Equal(t, `{"balance":10,"owner":"ada"}`, string(data))
}

func TestJSON_RoundTrip(t *testing.T) {
	c := JSON{}
	in := account{
		Owner:   "zoë",
		Balance: math.MaxInt64,
		Tags:    map[string]string{"tier": "gold", "ünï": "côde"},
	}

	data, err := c.Marshal(in)
	require.NoError(t, err)

	var out account
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}

func TestJSON_NumbersVerbatim(t *testing.T) {
	data, err := Canonicalize([]byte(`{"big": 12345678901234567890, "f": 1e3}`))
	require.NoError(t, err)
	assert.Equal(t, `{"big":12345678901234567890,"f":1e3}`, string(data))
}

func TestJSON_MarshalError(t *testing.T) {
	_, err := JSON{}.Marshal(map[string]any{"fn": func() {}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json encode")
}

func TestJSON_UnmarshalError(t *testing.T) {
	var out account
	err := JSON{}.Unmarshal([]byte(`{"balance":"not-a-number"}`), &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "json decode")
}

func TestCompareUTF16_Ordering(t *testing.T) {
	// U+E000 sorts before U+1F600 in UTF-8 byte order but after it in UTF-16.
	keys := sortedKeys(map[string]any{"\U0001F600": 1, "\uE000": 2, "a": 3})
	assert.Equal(t, []string{"a", "\U0001F600", "\uE000"}, keys)
}
