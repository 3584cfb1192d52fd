package format

import (
	"encoding/json"

	"github.com/raskyld/ferry/pkg/channel"
)

// Json is a human readable format, mostly useful to debug.
var Json Format = jsonFormat{}

type jsonEnvelope struct {
	Channel uint32          `json:"c"`
	End     bool            `json:"e,omitempty"`
	Content json.RawMessage `json:"d,omitempty"`
}

type jsonFormat struct{}

func (jsonFormat) Name() string {
	return "json"
}

func (jsonFormat) Serialize(item channel.Item) ([]byte, error) {
	env := jsonEnvelope{Channel: uint32(item.Channel), End: item.End}
	if !item.End {
		content, err := json.Marshal(item.Content)
		if err != nil {
			return nil, err
		}
		env.Content = content
	}
	return json.Marshal(env)
}

func (f jsonFormat) Deserialize(data []byte, types TypeResolver) Outcome {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Failed(&FormatError{Format: f.Name(), Cause: err})
	}
	return decodeContent(f.Name(), types, channel.ForkHandle(env.Channel), env.End, func(ptr any) error {
		return json.Unmarshal(env.Content, ptr)
	})
}
