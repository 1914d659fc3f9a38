package rpc

import (
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("rpc: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		// Payload values decoded into any must look like JSON values to the
		// storage layer and the sandbox, so maps get string keys.
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		// Integers decoded into any come back as int64 when they fit.
		IntDec: cbor.IntDecConvertSignedOrFail,
	}.DecMode()
	if err != nil {
		panic("rpc: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v with the channel's CBOR configuration.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Payload is an encoded request or response payload. Handlers and callers
// decode it into the type their sub-protocol expects.
type Payload = cbor.RawMessage

// Decode decodes a payload into v. An empty payload leaves v untouched.
func Decode(p Payload, v any) error {
	if len(p) == 0 {
		return nil
	}
	return Unmarshal(p, v)
}
