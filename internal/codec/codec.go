// Package codec encodes frames exchanged with event streams and renderers,
// as JSON text or CBOR binary.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"
)

// Format is a wire encoding.
type Format string

const (
	JSON Format = "json"
	CBOR Format = "cbor"
)

// Websocket subprotocols naming each format.
const (
	SubprotocolJSON = "timeline.v1.json"
	SubprotocolCBOR = "timeline.v1.cbor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// ParseFormat accepts "json", "cbor" or one of the subprotocol names.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "json", SubprotocolJSON:
		return JSON, nil
	case "cbor", SubprotocolCBOR:
		return CBOR, nil
	default:
		return "", fmt.Errorf("unknown codec %q", s)
	}
}

// Subprotocol returns the websocket subprotocol of f.
func (f Format) Subprotocol() string {
	if f == CBOR {
		return SubprotocolCBOR
	}
	return SubprotocolJSON
}

// Binary reports whether frames must be sent as binary messages.
func (f Format) Binary() bool {
	return f == CBOR
}

func (f Format) ContentType() string {
	if f == CBOR {
		return "application/cbor"
	}
	return "application/json"
}

func (f Format) Marshal(v any) ([]byte, error) {
	if f == CBOR {
		return encMode.Marshal(v)
	}
	return json.Marshal(v)
}

func (f Format) Unmarshal(data []byte, v any) error {
	if f == CBOR {
		return decMode.Unmarshal(data, v)
	}
	return json.Unmarshal(data, v)
}
