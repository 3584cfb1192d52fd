package flow

import (
	"fmt"
	"io"

	"google.golang.org/protobuf/proto"
)

// ProtoCodec frames protobuf messages of type Msg with a [BytesCodec].
type ProtoCodec[Msg proto.Message] struct {
	inner BytesCodec
}

func NewProtoCodec[Msg proto.Message](localCopy bool) ProtoCodec[Msg] {
	return ProtoCodec[Msg]{
		inner: BytesCodec{
			copyBuffers: localCopy,
		},
	}
}

func (enc ProtoCodec[Msg]) Encode(w io.Writer, msg interface{}) error {
	message, ok := msg.(Msg)
	if !ok {
		return fmt.Errorf("%w: got %T", ErrUnexpectedType, msg)
	}

	buf, err := proto.Marshal(message)
	if err != nil {
		return err
	}

	return enc.inner.Encode(w, buf)
}

func (enc ProtoCodec[Msg]) ProcessLocal(msg interface{}) (interface{}, error) {
	if !enc.inner.copyBuffers {
		return msg, nil
	}

	message, ok := msg.(Msg)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrUnexpectedType, msg)
	}

	return proto.Clone(message), nil
}

func (enc ProtoCodec[Msg]) Decode(r io.Reader) (interface{}, error) {
	buf, err := enc.inner.Decode(r)
	if err != nil {
		return nil, err
	}

	var allocated Msg
	allocated = allocated.ProtoReflect().New().Interface().(Msg)
	err = proto.Unmarshal(buf.([]byte), allocated)
	return allocated, err
}
