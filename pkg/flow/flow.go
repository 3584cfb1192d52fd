package flow

import "errors"

var (
	ErrFlowClosed     = errors.New("flow: closed")
	ErrUnexpectedType = errors.New("flow: codec received an unexpected type")
	ErrFrameTooLarge  = errors.New("flow: frame exceeds the maximum size")
)

// Raw is a bidirectional raw flow.
//
// Most users should not use it directly but wrap it
// in a [Sender] and [Receiver] for a better DX.
type Raw struct {
	RawReceiver
	RawSender
}

func (r Raw) Close() error {
	return errors.Join(r.RawSender.Close(), r.RawReceiver.Close())
}

// NewPipe returns both ends of an in-process [Raw] flow. What is sent on
// one end is received on the other, in order.
func NewPipe(bufferSize uint) (Raw, Raw) {
	ab := NewLocalFlow(bufferSize)
	ba := NewLocalFlow(bufferSize)
	return Raw{RawReceiver: ba, RawSender: ab}, Raw{RawReceiver: ab, RawSender: ba}
}
