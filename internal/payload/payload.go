// Copyright 2024 DeskVFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package payload converts between the in-memory forms a file payload can
// take: raw bytes, text, data URLs, blobs, base64 strings and decoded JSON.
// Conversions are pure and never perform I/O.
package payload

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"unicode/utf8"

	"deskvfs/internal/common"
)

// Kind tags the form a Payload holds.
type Kind string

const (
	KindBytes   Kind = "bytes"
	KindText    Kind = "text"
	KindDataURL Kind = "dataurl"
	KindBlob    Kind = "blob"
	KindBase64  Kind = "base64"
	KindJSON    Kind = "json"
)

// Blob is an opaque buffer with a declared mime, the host-native form
// handed to uploads and returned for blob reads.
type Blob struct {
	Mime string
	data []byte
}

// NewBlob wraps data. The slice is not copied.
func NewBlob(data []byte, mime string) *Blob {
	return &Blob{Mime: mime, data: data}
}

// Size is the blob length in bytes.
func (b *Blob) Size() int64 { return int64(len(b.data)) }

// Bytes returns the underlying buffer.
func (b *Blob) Bytes() []byte { return b.data }

// Reader returns a fresh reader over the blob.
func (b *Blob) Reader() io.Reader { return bytes.NewReader(b.data) }

// Payload is a tagged variant. Only the field matching Kind is meaningful:
// Data for bytes, Text for text/dataurl/base64, Blob for blob, Value for json.
type Payload struct {
	Kind  Kind
	Mime  string
	Data  []byte
	Text  string
	Blob  *Blob
	Value any
}

func FromBytes(b []byte, mime string) Payload {
	return Payload{Kind: KindBytes, Data: b, Mime: mime}
}

func FromText(s, mime string) Payload {
	if mime == "" {
		mime = common.TextMime
	}
	return Payload{Kind: KindText, Text: s, Mime: mime}
}

func FromDataURL(s string) Payload {
	return Payload{Kind: KindDataURL, Text: s}
}

func FromBlob(b *Blob) Payload {
	p := Payload{Kind: KindBlob, Blob: b}
	if b != nil {
		p.Mime = b.Mime
	}
	return p
}

func FromBase64(s, mime string) Payload {
	return Payload{Kind: KindBase64, Text: s, Mime: mime}
}

func FromJSON(v any) Payload {
	return Payload{Kind: KindJSON, Value: v, Mime: "application/json"}
}

func conversionError(from, to Kind, cause error) error {
	return common.Wrap("convert "+string(from)+"->"+string(to), "", common.ErrPayloadConversion, cause)
}

// Bytes coerces any payload to raw bytes.
func (p Payload) Bytes() ([]byte, error) {
	switch p.Kind {
	case KindBytes, "":
		if p.Data == nil {
			return []byte{}, nil
		}
		return p.Data, nil
	case KindText:
		return []byte(p.Text), nil
	case KindDataURL:
		data, _, err := ParseDataURL(p.Text)
		return data, err
	case KindBlob:
		if p.Blob == nil {
			return nil, conversionError(p.Kind, KindBytes, fmt.Errorf("nil blob"))
		}
		return p.Blob.Bytes(), nil
	case KindBase64:
		data, err := base64.StdEncoding.DecodeString(p.Text)
		if err != nil {
			return nil, conversionError(p.Kind, KindBytes, err)
		}
		return data, nil
	case KindJSON:
		data, err := json.Marshal(p.Value)
		if err != nil {
			return nil, conversionError(p.Kind, KindBytes, err)
		}
		return data, nil
	default:
		return nil, conversionError(p.Kind, KindBytes, fmt.Errorf("unknown payload kind %q", p.Kind))
	}
}

// MimeType returns the declared mime, reading it from the data URL header
// when the payload is one.
func (p Payload) MimeType() string {
	if p.Kind == KindDataURL {
		if mime, _, err := parseHeader(p.Text); err == nil {
			return mime
		}
	}
	return p.Mime
}

// Convert produces the requested form from raw bytes.
func Convert(b []byte, mime string, to Kind) (Payload, error) {
	switch to {
	case KindBytes, "":
		return FromBytes(b, mime), nil
	case KindText:
		if !utf8.Valid(b) {
			return Payload{}, conversionError(KindBytes, to, fmt.Errorf("invalid UTF-8"))
		}
		return FromText(string(b), mime), nil
	case KindDataURL:
		return FromDataURL(DataURL(b, mime)), nil
	case KindBlob:
		return FromBlob(NewBlob(b, mime)), nil
	case KindBase64:
		return FromBase64(base64.StdEncoding.EncodeToString(b), mime), nil
	case KindJSON:
		var v any
		if err := json.Unmarshal(b, &v); err != nil {
			return Payload{}, conversionError(KindBytes, to, err)
		}
		p := FromJSON(v)
		return p, nil
	default:
		return Payload{}, conversionError(KindBytes, to, fmt.Errorf("unknown payload kind %q", to))
	}
}

// ParseReadType maps a read option ("binary", "text", "datasource", "blob",
// "json", "base64") to a Kind.
func ParseReadType(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "", "binary", "bytes", "arraybuffer":
		return KindBytes, nil
	case "text", "string":
		return KindText, nil
	case "datasource", "dataurl":
		return KindDataURL, nil
	case "blob":
		return KindBlob, nil
	case "json":
		return KindJSON, nil
	case "base64":
		return KindBase64, nil
	}
	return "", fmt.Errorf("%w: unknown read type %q", common.ErrInvalidArgument, s)
}

// DataURL encodes b as data:<mime>;base64,<b64>.
func DataURL(b []byte, mime string) string {
	if mime == "" {
		mime = common.DefaultMime
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(b)
}

func parseHeader(s string) (mime string, isBase64 bool, err error) {
	if !strings.HasPrefix(s, "data:") {
		return "", false, fmt.Errorf("missing data: prefix")
	}
	comma := strings.IndexByte(s, ',')
	if comma < 0 {
		return "", false, fmt.Errorf("missing comma")
	}
	header := s[len("data:"):comma]
	if strings.HasSuffix(header, ";base64") {
		isBase64 = true
		header = strings.TrimSuffix(header, ";base64")
	}
	if header == "" {
		header = "text/plain;charset=US-ASCII"
	}
	return header, isBase64, nil
}

// ParseDataURL decodes a data URL into its bytes and declared mime.
func ParseDataURL(s string) ([]byte, string, error) {
	mime, isBase64, err := parseHeader(s)
	if err != nil {
		return nil, "", conversionError(KindDataURL, KindBytes, err)
	}
	body := s[strings.IndexByte(s, ',')+1:]
	if isBase64 {
		data, err := base64.StdEncoding.DecodeString(body)
		if err != nil {
			return nil, "", conversionError(KindDataURL, KindBytes, err)
		}
		return data, mime, nil
	}
	text, err := url.PathUnescape(body)
	if err != nil {
		return nil, "", conversionError(KindDataURL, KindBytes, err)
	}
	return []byte(text), mime, nil
}
