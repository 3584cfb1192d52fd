package ferry

import (
	"fmt"
	"io"

	"github.com/raskyld/ferry/pkg/flow"
	"github.com/raskyld/ferry/pkg/kind"
	"google.golang.org/protobuf/types/known/structpb"
)

// Every stream starts with an open frame telling what it carries.
// Acquisition streams are then answered with a status frame before the
// representations flow.

type streamMode string

const (
	modeGossip  streamMode = "gossip"
	modeAcquire streamMode = "acquire"
)

var handshakeCodec = flow.NewProtoCodec[*structpb.Struct](false)

type openFrame struct {
	mode        streamMode
	fingerprint Fingerprint
	format      string
}

func (o openFrame) encode(w io.Writer) error {
	fields := map[string]*structpb.Value{
		"mode": structpb.NewStringValue(string(o.mode)),
	}
	if o.mode == modeAcquire {
		fields["fingerprint"] = structpb.NewStringValue(o.fingerprint.String())
		fields["format"] = structpb.NewStringValue(o.format)
	}
	return handshakeCodec.Encode(w, &structpb.Struct{Fields: fields})
}

func readOpenFrame(r io.Reader) (openFrame, error) {
	fields, err := readFrame(r)
	if err != nil {
		return openFrame{}, err
	}

	o := openFrame{mode: streamMode(fields["mode"].GetStringValue())}
	switch o.mode {
	case modeGossip:
		return o, nil
	case modeAcquire:
		o.fingerprint, err = kind.ParseFingerprint(fields["fingerprint"].GetStringValue())
		if err != nil {
			return openFrame{}, fmt.Errorf("%w: %w", ErrProtocolViolation, err)
		}
		o.format = fields["format"].GetStringValue()
		return o, nil
	default:
		return openFrame{}, fmt.Errorf("%w: unknown stream mode %q", ErrProtocolViolation, o.mode)
	}
}

type answerFrame struct {
	status  string
	feature string
}

func (a answerFrame) encode(w io.Writer) error {
	return handshakeCodec.Encode(w, &structpb.Struct{Fields: map[string]*structpb.Value{
		"status":  structpb.NewStringValue(a.status),
		"feature": structpb.NewStringValue(a.feature),
	}})
}

// err returns the acquisition error the answer stands for.
func (a answerFrame) err() error {
	switch a.status {
	case statusOk:
		return nil
	case statusUnavailable:
		return ErrUnavailable
	case statusUnimplemented:
		return &UnimplementedError{Feature: a.feature}
	default:
		return fmt.Errorf("%w: %s: %s", ErrHandshake, a.status, a.feature)
	}
}

func readAnswerFrame(r io.Reader) (answerFrame, error) {
	fields, err := readFrame(r)
	if err != nil {
		return answerFrame{}, err
	}
	return answerFrame{
		status:  fields["status"].GetStringValue(),
		feature: fields["feature"].GetStringValue(),
	}, nil
}

func readFrame(r io.Reader) (map[string]*structpb.Value, error) {
	msg, err := handshakeCodec.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHandshake, err)
	}
	return msg.(*structpb.Struct).GetFields(), nil
}
