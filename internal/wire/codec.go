package wire

import (
	"fmt"

	"driftpursuit/prediction/internal/timesync"
)

// CodecName is the gRPC content-subtype of Codec.
const CodecName = "prediction-wire"

// Codec lets gRPC carry the hand-encoded messages. It implements
// google.golang.org/grpc/encoding.Codec.
type Codec struct{}

// Name implements encoding.Codec.
func (Codec) Name() string { return CodecName }

// Marshal implements encoding.Codec.
func (Codec) Marshal(v any) ([]byte, error) {
	switch msg := v.(type) {
	case *timesync.Ping:
		return AppendPing(nil, *msg), nil
	case *timesync.Pong:
		return AppendPong(nil, *msg), nil
	case *ComponentUpdate:
		return AppendUpdate(nil, *msg), nil
	default:
		return nil, fmt.Errorf("%s codec: cannot marshal %T", CodecName, v)
	}
}

// Unmarshal implements encoding.Codec.
func (Codec) Unmarshal(data []byte, v any) error {
	var err error
	switch msg := v.(type) {
	case *timesync.Ping:
		*msg, err = UnmarshalPing(data)
	case *timesync.Pong:
		*msg, err = UnmarshalPong(data)
	case *ComponentUpdate:
		*msg, err = UnmarshalUpdate(data)
	default:
		err = fmt.Errorf("%s codec: cannot unmarshal into %T", CodecName, v)
	}
	return err
}
