package flow

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// MaxFrameSize is the largest frame a [BytesCodec] accepts to decode.
const MaxFrameSize = 16 << 20

// BytesCodec is a simple framing codec using length-prefixed frames
// to exchange []byte over a flow.
type BytesCodec struct {
	copyBuffers bool
}

func NewBytesCodec(localCopy bool) BytesCodec {
	return BytesCodec{
		copyBuffers: localCopy,
	}
}

func (enc BytesCodec) Encode(w io.Writer, msg interface{}) error {
	buf, ok := msg.([]byte)
	if !ok {
		return fmt.Errorf("%w: got %T instead of []byte", ErrUnexpectedType, msg)
	}
	if len(buf) > MaxFrameSize {
		return ErrFrameTooLarge
	}

	prefixed := protowire.AppendVarint(make([]byte, 0, binary.MaxVarintLen64+len(buf)), uint64(len(buf)))
	prefixed = append(prefixed, buf...)
	_, err := w.Write(prefixed)
	return err
}

func (enc BytesCodec) ProcessLocal(msg interface{}) (interface{}, error) {
	if !enc.copyBuffers {
		return msg, nil
	}

	buf, ok := msg.([]byte)
	if !ok {
		return nil, fmt.Errorf("%w: got %T instead of []byte", ErrUnexpectedType, msg)
	}

	cloned := make([]byte, len(buf))
	copy(cloned, buf)
	return cloned, nil
}

func (enc BytesCodec) Decode(r io.Reader) (interface{}, error) {
	buf := make([]byte, binary.MaxVarintLen64)
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n : n+1])
		if m != 0 {
			byteRead := buf[n]
			n++
			if byteRead < 0x80 {
				break
			}
		}
		if err != nil {
			if err == io.EOF && n > 0 {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}

	prefix, prefixSize := protowire.ConsumeVarint(buf[:n])
	if err := protowire.ParseError(prefixSize); err != nil {
		return nil, err
	}
	if prefix > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	buf = make([]byte, prefix)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	return buf, nil
}
