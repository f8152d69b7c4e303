package realtime

import (
	"encoding/json"

	"github.com/pkg/errors"
)

const (
	headerLength = 1
	metaLength   = 4
)

// Frame kinds for the binary framing.
const (
	kindPush      byte = 0
	kindReply     byte = 1
	kindBroadcast byte = 2
)

// EncodeFunc turns an outbound message into wire bytes. The bool result
// selects a binary websocket frame over a text frame.
type EncodeFunc func(msg *Message) ([]byte, bool, error)

// DecodeFunc turns inbound wire bytes into a message. binary reports the
// websocket frame type the bytes arrived in.
type DecodeFunc func(data []byte, binary bool) (*Message, error)

// Serializer implements the wire format: a positional JSON 5-tuple
// [join_ref, ref, topic, event, payload] for structured payloads, and a
// length-prefixed binary layout when the payload is a raw byte buffer.
type Serializer struct{}

// NewSerializer creates a serializer.
func NewSerializer() *Serializer {
	return &Serializer{}
}

// Encode encodes msg, choosing binary framing iff the payload is binary.
func (s *Serializer) Encode(msg *Message) ([]byte, bool, error) {
	if msg.IsBinary() {
		data, err := s.binaryEncode(msg)
		return data, true, err
	}
	data, err := json.Marshal([]any{jsonRef(msg.JoinRef), jsonRef(msg.Ref), msg.Topic, msg.Event, msg.Payload})
	if err != nil {
		return nil, false, errors.Wrap(err, "encode frame")
	}
	return data, false, nil
}

// jsonRef renders an absent ref as JSON null rather than "".
func jsonRef(ref string) any {
	if ref == "" {
		return nil
	}
	return ref
}

// Decode decodes data according to the websocket frame type it arrived in.
func (s *Serializer) Decode(data []byte, binary bool) (*Message, error) {
	if binary {
		return s.binaryDecode(data)
	}
	return s.jsonDecode(data)
}

func (s *Serializer) jsonDecode(data []byte) (*Message, error) {
	var tuple []json.RawMessage
	if err := json.Unmarshal(data, &tuple); err != nil {
		// Servers may also deliver frames in object form.
		var msg Message
		if objErr := json.Unmarshal(data, &msg); objErr == nil && msg.Topic != "" && msg.Event != "" {
			return &msg, nil
		}
		return nil, errors.Wrap(ErrBadFrame, err.Error())
	}
	if len(tuple) != 5 {
		return nil, errors.Wrapf(ErrBadFrame, "expected 5 elements, got %d", len(tuple))
	}

	msg := &Message{}
	if err := decodeNullableString(tuple[0], &msg.JoinRef); err != nil {
		return nil, errors.Wrap(ErrBadFrame, "join_ref is not a string")
	}
	if err := decodeNullableString(tuple[1], &msg.Ref); err != nil {
		return nil, errors.Wrap(ErrBadFrame, "ref is not a string")
	}
	if err := json.Unmarshal(tuple[2], &msg.Topic); err != nil {
		return nil, errors.Wrap(ErrBadFrame, "topic is not a string")
	}
	if err := json.Unmarshal(tuple[3], &msg.Event); err != nil {
		return nil, errors.Wrap(ErrBadFrame, "event is not a string")
	}
	if err := json.Unmarshal(tuple[4], &msg.Payload); err != nil {
		return nil, errors.Wrap(ErrBadFrame, "payload is not valid JSON")
	}
	return msg, nil
}

func decodeNullableString(raw json.RawMessage, dst *string) error {
	if string(raw) == "null" {
		*dst = ""
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func (s *Serializer) binaryEncode(msg *Message) ([]byte, error) {
	payload, ok := msg.Payload.(BinaryPayload)
	if !ok {
		return nil, errors.New("payload is not binary")
	}

	joinRef, topic, event := msg.JoinRef, msg.Topic, msg.Event
	if len(joinRef) > 255 || len(topic) > 255 || len(event) > 255 {
		return nil, errors.New("binary frame field exceeds 255 bytes")
	}

	// A push frame carries no ref: three length bytes follow the kind byte.
	buf := make([]byte, 0, headerLength+metaLength-1+len(joinRef)+len(topic)+len(event)+len(payload.Data))
	buf = append(buf, kindPush)
	buf = append(buf, byte(len(joinRef)), byte(len(topic)), byte(len(event)))
	buf = append(buf, joinRef...)
	buf = append(buf, topic...)
	buf = append(buf, event...)
	buf = append(buf, payload.Data...)
	return buf, nil
}

func (s *Serializer) binaryDecode(data []byte) (*Message, error) {
	if len(data) < headerLength {
		return nil, errors.Wrap(ErrBadFrame, "empty binary frame")
	}
	switch data[0] {
	case kindPush:
		return s.decodePush(data)
	case kindReply:
		return s.decodeReply(data)
	case kindBroadcast:
		return s.decodeBroadcast(data)
	default:
		return nil, errors.Wrapf(ErrBadFrame, "unknown binary kind %d", data[0])
	}
}

// cursor walks a binary frame, failing when a declared length would read
// past end-of-buffer.
type cursor struct {
	data   []byte
	offset int
	err    error
}

func (c *cursor) take(n int) []byte {
	if c.err != nil {
		return nil
	}
	if c.offset+n > len(c.data) {
		c.err = errors.Wrap(ErrBadFrame, "binary frame truncated")
		return nil
	}
	b := c.data[c.offset : c.offset+n]
	c.offset += n
	return b
}

func (c *cursor) takeString(n int) string { return string(c.take(n)) }

func (c *cursor) rest() []byte {
	if c.err != nil {
		return nil
	}
	return c.data[c.offset:]
}

// decodePush decodes a server push: no ref byte on the wire.
func (s *Serializer) decodePush(data []byte) (*Message, error) {
	c := &cursor{data: data, offset: headerLength}
	sizes := c.take(metaLength - 1)
	if c.err != nil {
		return nil, c.err
	}
	joinRef := c.takeString(int(sizes[0]))
	topic := c.takeString(int(sizes[1]))
	event := c.takeString(int(sizes[2]))
	if c.err != nil {
		return nil, c.err
	}
	return &Message{
		JoinRef: joinRef,
		Topic:   topic,
		Event:   event,
		Payload: BinaryPayload{Data: c.rest()},
	}, nil
}

// decodeReply decodes a reply: the wire event bytes carry the reply status,
// the remaining bytes the response.
func (s *Serializer) decodeReply(data []byte) (*Message, error) {
	c := &cursor{data: data, offset: headerLength}
	sizes := c.take(metaLength)
	if c.err != nil {
		return nil, c.err
	}
	joinRef := c.takeString(int(sizes[0]))
	ref := c.takeString(int(sizes[1]))
	topic := c.takeString(int(sizes[2]))
	status := c.takeString(int(sizes[3]))
	if c.err != nil {
		return nil, c.err
	}
	return &Message{
		JoinRef: joinRef,
		Ref:     ref,
		Topic:   topic,
		Event:   ChannelEventReply,
		Payload: map[string]any{
			"status":   status,
			"response": BinaryPayload{Data: c.rest()},
		},
	}, nil
}

// decodeBroadcast decodes a broadcast: neither join_ref nor ref on the wire.
func (s *Serializer) decodeBroadcast(data []byte) (*Message, error) {
	c := &cursor{data: data, offset: headerLength}
	sizes := c.take(2)
	if c.err != nil {
		return nil, c.err
	}
	topic := c.takeString(int(sizes[0]))
	event := c.takeString(int(sizes[1]))
	if c.err != nil {
		return nil, c.err
	}
	return &Message{
		Topic:   topic,
		Event:   event,
		Payload: BinaryPayload{Data: c.rest()},
	}, nil
}
