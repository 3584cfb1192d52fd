package format

import (
	"github.com/fxamacker/cbor/v2"
	"github.com/raskyld/ferry/pkg/channel"
)

// Cbor is the default format.
var Cbor Format = newCbor()

type cborEnvelope struct {
	_       struct{} `cbor:",toarray"`
	Channel uint32
	End     bool
	Content cbor.RawMessage
}

type cborFormat struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func newCbor() *cborFormat {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	dec, err := cbor.DecOptions{}.DecMode()
	if err != nil {
		panic(err)
	}
	return &cborFormat{enc: enc, dec: dec}
}

func (f *cborFormat) Name() string {
	return "cbor"
}

func (f *cborFormat) Serialize(item channel.Item) ([]byte, error) {
	env := cborEnvelope{Channel: uint32(item.Channel), End: item.End}
	if !item.End {
		content, err := f.enc.Marshal(item.Content)
		if err != nil {
			return nil, err
		}
		env.Content = content
	}
	return f.enc.Marshal(env)
}

func (f *cborFormat) Deserialize(data []byte, types TypeResolver) Outcome {
	var env cborEnvelope
	if err := f.dec.Unmarshal(data, &env); err != nil {
		return Failed(&FormatError{Format: f.Name(), Cause: err})
	}
	return decodeContent(f.Name(), types, channel.ForkHandle(env.Channel), env.End, func(ptr any) error {
		return f.dec.Unmarshal(env.Content, ptr)
	})
}
