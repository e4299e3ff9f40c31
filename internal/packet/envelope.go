package packet

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Record is an opaque collector message. Field values are passed through
// untouched; numbers are kept as json.Number so they round-trip exactly.
type Record = map[string]any

const (
	collectorIDField = "data_collector_id"
	packetIDField    = "packet_id"

	// UnknownCollector is the key used for messages that carry no collector id.
	UnknownCollector = "unknown"
)

// Envelope is a single inbound queue message.
type Envelope struct {
	Packet   json.RawMessage `json:"packet"`
	Messages []Record        `json:"messages"`
}

// HasPacket reports whether the envelope carries a non-null packet.
func (e *Envelope) HasPacket() bool {
	p := bytes.TrimSpace(e.Packet)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

// ParseEnvelope decodes a queue message body.
func ParseEnvelope(body []byte) (*Envelope, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty message body")
	}

	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var env Envelope
	if err := dec.Decode(&env); err != nil {
		return nil, fmt.Errorf("error decoding envelope: %w", err)
	}
	return &env, nil
}

// CollectorKey returns the buffering key for a list of messages: the string form
// of the first message's data_collector_id.
func CollectorKey(messages []Record) string {
	if len(messages) == 0 {
		return UnknownCollector
	}

	switch v := messages[0][collectorIDField].(type) {
	case json.Number:
		return v.String()
	case string:
		if v == "" {
			return UnknownCollector
		}
		return v
	case nil:
		return UnknownCollector
	default:
		return fmt.Sprint(v)
	}
}

// StampPacketID sets packet_id on every message. A nil id is written as JSON null
// so the field is always present.
func StampPacketID(messages []Record, id *int64) {
	for _, m := range messages {
		if m == nil {
			continue
		}
		if id == nil {
			m[packetIDField] = nil
			continue
		}
		m[packetIDField] = *id
	}
}
