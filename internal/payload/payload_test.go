package payload

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
)

func TestRoundTrips(t *testing.T) {
	t.Parallel()

	inputs := []struct {
		name string
		data []byte
		mime string
	}{
		{"ascii", []byte("hello"), "text/plain"},
		{"utf8", []byte("héllo wörld ✓"), "text/plain"},
		{"empty", []byte{}, "application/octet-stream"},
		{"binary", []byte{0x00, 0xff, 0x10, 0x80}, "application/octet-stream"},
	}

	for _, in := range inputs {
		t.Run(in.name, func(t *testing.T) {
			t.Parallel()
			for _, kind := range []Kind{KindBytes, KindDataURL, KindBlob, KindBase64} {
				p, err := Convert(in.data, in.mime, kind)
				require.NoError(t, err, kind)
				back, err := p.Bytes()
				require.NoError(t, err, kind)
				assert.Equal(t, in.data, back, "round trip through %s", kind)
				assert.Equal(t, in.mime, p.MimeType(), "mime through %s", kind)
			}
		})
	}
}

func TestTextRoundTripRequiresUTF8(t *testing.T) {
	t.Parallel()

	p, err := Convert([]byte("hello"), "text/plain", KindText)
	require.NoError(t, err)
	assert.Equal(t, "hello", p.Text)

	_, err = Convert([]byte{0xff, 0xfe}, "", KindText)
	assert.ErrorIs(t, err, common.ErrPayloadConversion)
}

func TestBlobPreservesLengthAndMime(t *testing.T) {
	t.Parallel()

	p, err := Convert([]byte("1234567"), "image/png", KindBlob)
	require.NoError(t, err)
	assert.Equal(t, int64(7), p.Blob.Size())
	assert.Equal(t, "image/png", p.Blob.Mime)
}

func TestDataURL(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "data:text/plain;base64,aGVsbG8=", DataURL([]byte("hello"), "text/plain"))

	data, mime, err := ParseDataURL("data:text/plain;base64,aGVsbG8=")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
	assert.Equal(t, "text/plain", mime)

	data, mime, err = ParseDataURL("data:,a%20b")
	require.NoError(t, err)
	assert.Equal(t, "a b", string(data))
	assert.Equal(t, "text/plain;charset=US-ASCII", mime)

	_, _, err = ParseDataURL("nope")
	assert.ErrorIs(t, err, common.ErrPayloadConversion)
	_, _, err = ParseDataURL("data:text/plain;base64,***")
	assert.ErrorIs(t, err, common.ErrPayloadConversion)
}

func TestJSON(t *testing.T) {
	t.Parallel()

	p, err := Convert([]byte(`{"a":1,"b":["x"]}`), "application/json", KindJSON)
	require.NoError(t, err)
	m, ok := p.Value.(map[string]any)
	require.True(t, ok)
	assert.Equal(t, float64(1), m["a"])

	b, err := FromJSON(map[string]int{"n": 2}).Bytes()
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":2}`, string(b))

	_, err = Convert([]byte("{"), "", KindJSON)
	assert.ErrorIs(t, err, common.ErrPayloadConversion)

	_, err = FromJSON(make(chan int)).Bytes()
	assert.ErrorIs(t, err, common.ErrPayloadConversion)
}

func TestBytesFromEachKind(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    Payload
		want string
	}{
		{"bytes", FromBytes([]byte("x"), ""), "x"},
		{"nil_bytes", Payload{}, ""},
		{"text", FromText("abc", ""), "abc"},
		{"dataurl", FromDataURL("data:text/plain;base64,eHl6"), "xyz"},
		{"blob", FromBlob(NewBlob([]byte("blob"), "")), "blob"},
		{"base64", FromBase64("YjY0", ""), "b64"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			b, err := tt.p.Bytes()
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(b))
		})
	}

	_, err := FromBlob(nil).Bytes()
	assert.ErrorIs(t, err, common.ErrPayloadConversion)
	_, err = Payload{Kind: "weird"}.Bytes()
	assert.ErrorIs(t, err, common.ErrPayloadConversion)
}

func TestParseReadType(t *testing.T) {
	t.Parallel()

	for in, want := range map[string]Kind{
		"":           KindBytes,
		"binary":     KindBytes,
		"text":       KindText,
		"datasource": KindDataURL,
		"blob":       KindBlob,
		"json":       KindJSON,
		"base64":     KindBase64,
	} {
		got, err := ParseReadType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseReadType("xml")
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
}
