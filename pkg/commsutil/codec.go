package commsutil

import (
	"encoding/json"
	"errors"
	"fmt"

	comms "github.com/nats-io/nats.go"
)

const codecLogPrefix = "commsutil:codec"

// MaxPayloadBytes bounds decoded request payloads.
const MaxPayloadBytes = 1 << 20

// ErrEmptyPayload is returned by DecodePayload for empty messages.
var ErrEmptyPayload = errors.New("empty payload")

// EncodePayload serializes a value to JSON bytes.
func EncodePayload(v interface{}) ([]byte, error) {
	return json.Marshal(v)
}

// DecodePayload deserializes JSON bytes into the given target.
func DecodePayload(data []byte, v interface{}) error {
	if len(data) == 0 {
		return ErrEmptyPayload
	}
	if len(data) > MaxPayloadBytes {
		return fmt.Errorf("%s - payload of %d bytes exceeds %d", codecLogPrefix, len(data), MaxPayloadBytes)
	}
	return json.Unmarshal(data, v)
}

// Reply encodes v and responds to msg. Messages without a reply subject are ignored.
func Reply(msg *comms.Msg, v interface{}) error {
	if msg.Reply == "" {
		return nil
	}
	data, err := EncodePayload(v)
	if err != nil {
		return fmt.Errorf("%s - failed to encode reply: %w", codecLogPrefix, err)
	}
	if err := msg.Respond(data); err != nil {
		return fmt.Errorf("%s - failed to respond: %w", codecLogPrefix, err)
	}
	return nil
}
