package format

import (
	"github.com/hashicorp/go-msgpack/v2/codec"
	"github.com/raskyld/ferry/pkg/channel"
)

// Msgpack is a compact binary format.
var Msgpack Format = &msgpackFormat{}

type msgpackEnvelope struct {
	Channel uint32 `codec:"c"`
	End     bool   `codec:"e"`
	Content []byte `codec:"d"`
}

type msgpackFormat struct {
	handle codec.MsgpackHandle
}

func (f *msgpackFormat) Name() string {
	return "msgpack"
}

func (f *msgpackFormat) marshal(v any) ([]byte, error) {
	var buf []byte
	err := codec.NewEncoderBytes(&buf, &f.handle).Encode(v)
	return buf, err
}

func (f *msgpackFormat) unmarshal(data []byte, ptr any) error {
	return codec.NewDecoderBytes(data, &f.handle).Decode(ptr)
}

func (f *msgpackFormat) Serialize(item channel.Item) ([]byte, error) {
	env := msgpackEnvelope{Channel: uint32(item.Channel), End: item.End}
	if !item.End {
		content, err := f.marshal(item.Content)
		if err != nil {
			return nil, err
		}
		env.Content = content
	}
	return f.marshal(&env)
}

func (f *msgpackFormat) Deserialize(data []byte, types TypeResolver) Outcome {
	var env msgpackEnvelope
	if err := f.unmarshal(data, &env); err != nil {
		return Failed(&FormatError{Format: f.Name(), Cause: err})
	}
	return decodeContent(f.Name(), types, channel.ForkHandle(env.Channel), env.End, func(ptr any) error {
		return f.unmarshal(env.Content, ptr)
	})
}
