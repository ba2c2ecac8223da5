// Package wire encodes ping, pong and component update messages in the
// protobuf wire format without generated code.
package wire

import (
	"errors"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"driftpursuit/prediction/internal/tick"
	"driftpursuit/prediction/internal/timesync"
)

// ErrMalformed reports a message that could not be decoded.
var ErrMalformed = errors.New("malformed wire message")

// Kind identifies the message carried by an envelope.
type Kind protowire.Number

const (
	KindPing   Kind = 1
	KindPong   Kind = 2
	KindUpdate Kind = 3
)

func (k Kind) String() string {
	switch k {
	case KindPing:
		return "ping"
	case KindPong:
		return "pong"
	case KindUpdate:
		return "update"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ComponentUpdate is an authoritative component value in transit. Payload is
// the kind specific encoding of the value.
type ComponentUpdate struct {
	Entity  uint64
	Kind    string
	Tick    tick.Tick
	Payload []byte
}

// AppendPing encodes p onto b.
func AppendPing(b []byte, p timesync.Ping) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(p.ID))
}

// UnmarshalPing decodes a ping.
func UnmarshalPing(b []byte) (timesync.Ping, error) {
	var p timesync.Ping
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num == 1 && typ == protowire.VarintType {
			v, n := protowire.ConsumeVarint(b)
			p.ID = timesync.PingID(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return p, err
}

// AppendPong encodes p onto b.
func AppendPong(b []byte, p timesync.Pong) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(p.ID))
	b = appendTime(b, 2, p.PingReceivedAt)
	b = appendTime(b, 3, p.PongSentAt)
	b = protowire.AppendTag(b, 4, protowire.VarintType)
	return protowire.AppendVarint(b, uint64(p.ServerTick))
}

// UnmarshalPong decodes a pong.
func UnmarshalPong(b []byte) (timesync.Pong, error) {
	var p timesync.Pong
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.ID = timesync.PingID(v)
			return n, nil
		case num == 2 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			p.PingReceivedAt = fromUnixNano(v)
			return n, nil
		case num == 3 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			p.PongSentAt = fromUnixNano(v)
			return n, nil
		case num == 4 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			p.ServerTick = tick.Tick(v)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return p, err
}

// AppendUpdate encodes u onto b.
func AppendUpdate(b []byte, u ComponentUpdate) []byte {
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, u.Entity)
	b = protowire.AppendTag(b, 2, protowire.BytesType)
	b = protowire.AppendString(b, u.Kind)
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(u.Tick))
	if len(u.Payload) > 0 {
		b = protowire.AppendTag(b, 4, protowire.BytesType)
		b = protowire.AppendBytes(b, u.Payload)
	}
	return b
}

// UnmarshalUpdate decodes a component update.
func UnmarshalUpdate(b []byte) (ComponentUpdate, error) {
	var u ComponentUpdate
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == 1 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Entity = v
			return n, nil
		case num == 2 && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			u.Kind = v
			return n, nil
		case num == 3 && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			u.Tick = tick.Tick(v)
			return n, nil
		case num == 4 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			u.Payload = append([]byte(nil), v...)
			return n, nil
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	return u, err
}

// MarshalUpdates encodes a batch of updates as a repeated field.
func MarshalUpdates(updates []ComponentUpdate) []byte {
	var b []byte
	for _, u := range updates {
		b = protowire.AppendTag(b, 1, protowire.BytesType)
		b = protowire.AppendBytes(b, AppendUpdate(nil, u))
	}
	return b
}

// UnmarshalUpdates decodes a batch written by MarshalUpdates.
func UnmarshalUpdates(b []byte) ([]ComponentUpdate, error) {
	var updates []ComponentUpdate
	err := walk(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != 1 || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		body, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		u, err := UnmarshalUpdate(body)
		if err != nil {
			return 0, err
		}
		updates = append(updates, u)
		return n, nil
	})
	return updates, err
}

// Envelope wraps one message so a single stream can carry every kind.
func Envelope(kind Kind, body []byte) []byte {
	b := protowire.AppendTag(nil, protowire.Number(kind), protowire.BytesType)
	return protowire.AppendBytes(b, body)
}

// OpenEnvelope returns the kind and body of an envelope.
func OpenEnvelope(b []byte) (Kind, []byte, error) {
	num, typ, n := protowire.ConsumeTag(b)
	if n < 0 {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
	}
	if typ != protowire.BytesType {
		return 0, nil, fmt.Errorf("%w: envelope field %d has wire type %d", ErrMalformed, num, typ)
	}
	body, m := protowire.ConsumeBytes(b[n:])
	if m < 0 {
		return 0, nil, fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(m))
	}
	switch kind := Kind(num); kind {
	case KindPing, KindPong, KindUpdate:
		return kind, body, nil
	default:
		return 0, nil, fmt.Errorf("%w: unknown envelope kind %d", ErrMalformed, num)
	}
}

func walk(b []byte, field func(num protowire.Number, typ protowire.Type, b []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := field(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}

func appendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.Fixed64Type)
	return protowire.AppendFixed64(b, uint64(t.UnixNano()))
}

func fromUnixNano(v uint64) time.Time {
	if v == 0 {
		return time.Time{}
	}
	return time.Unix(0, int64(v))
}
