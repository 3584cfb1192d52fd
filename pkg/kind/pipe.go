package kind

import (
	"context"
	"errors"
	"io"

	"github.com/raskyld/ferry/pkg/channel"
	"github.com/raskyld/ferry/pkg/flow"
)

// Frame is a chunk of bytes carried by a [Pipe]. Close tells the
// deconstructing side that the constructing side closed its end.
type Frame struct {
	Data  []byte
	Close bool
}

// Pipe is the kind of raw byte flows. The constructed flow is the local
// end of an in-process pipe relaying frames to and from the original one.
var Pipe Kind[flow.Raw] = pipe{bufferSize: 64}

type pipe struct {
	bufferSize uint
}

func (p pipe) Schema() channel.Schema {
	return channel.SchemaOf[Frame, Frame]()
}

func (p pipe) Describe() string {
	return "pipe"
}

func (p pipe) Deconstruct(ctx context.Context, raw flow.Raw, ch channel.Channel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	codec := flow.NewBytesCodec(false)

	// Frames from the constructing side.
	go func() {
		for {
			v, err := ch.Next(ctx)
			if err != nil {
				_ = raw.Close()
				return
			}
			frame, ok := v.(Frame)
			if !ok || frame.Close {
				_ = raw.RawSender.Close()
				return
			}
			if err := raw.Send(codec, frame.Data); err != nil {
				return
			}
		}
	}()

	for {
		msg, err := raw.Recv(codec)
		if err != nil {
			_ = raw.Close()
			if errors.Is(err, flow.ErrFlowClosed) || errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		if err := send(ctx, ch, Frame{Data: msg.([]byte)}); err != nil {
			_ = raw.Close()
			return err
		}
	}
}

func (p pipe) Construct(ctx context.Context, ch channel.Channel) (flow.Raw, error) {
	local, remote := flow.NewPipe(p.bufferSize)
	codec := flow.NewBytesCodec(false)
	// The pumps live as long as the channel and the pipe, not the call.
	ctx = context.WithoutCancel(ctx)

	go func() {
		for {
			v, err := ch.Next(ctx)
			if err != nil {
				_ = local.RawSender.Close()
				return
			}
			frame, ok := v.(Frame)
			if !ok {
				_ = local.Close()
				return
			}
			if err := local.Send(codec, frame.Data); err != nil {
				return
			}
		}
	}()

	go func() {
		for {
			msg, err := local.Recv(codec)
			if err != nil {
				_ = ch.Send(ctx, Frame{Close: true})
				return
			}
			if err := ch.Send(ctx, Frame{Data: msg.([]byte)}); err != nil {
				_ = local.Close()
				return
			}
		}
	}()

	return remote, nil
}
