// Package envelope parses daemon event bodies and decides, per capability
// policy, whether an event takes the versioned (deduplicated) path.
package envelope

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const (
	// LegacyThreadChatID is used when a daemon omits threadChatId.
	LegacyThreadChatID = "legacy-thread-chat-id"
	// DefaultTimezone is used when a daemon omits timezone.
	DefaultTimezone = "UTC"
	// PayloadVersion is the only versioned envelope this service accepts.
	PayloadVersion = 2
)

// ErrMalformedBody is returned by Parse when the body is not a usable event.
var ErrMalformedBody = errors.New("envelope: malformed daemon event body")

// Shape classifies how a body carries the versioned envelope fields.
type Shape int

const (
	// ShapeAbsent means none of the envelope keys are present.
	ShapeAbsent Shape = iota
	// ShapeValid means all four fields are present and well typed.
	ShapeValid
	// ShapeMalformed means some envelope keys are present but the record is
	// not a valid v2 envelope.
	ShapeMalformed
)

func (s Shape) String() string {
	switch s {
	case ShapeAbsent:
		return "absent"
	case ShapeValid:
		return "valid"
	case ShapeMalformed:
		return "malformed"
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

// Envelope is the validated versioned metadata of a daemon event.
type Envelope struct {
	PayloadVersion int    `json:"payloadVersion"`
	EventID        string `json:"eventId"`
	RunID          string `json:"runId"`
	Seq            int64  `json:"seq"`
}

// Message is one daemon message. Only its type and error flag matter here;
// Raw keeps the full content for persistence.
type Message struct {
	Type    string
	IsError bool
	Raw     json.RawMessage
}

// Event is a parsed POST /daemon-event body with legacy defaults applied.
type Event struct {
	ThreadID     string
	ThreadChatID string
	Timezone     string
	EndSHA       string
	Messages     []Message

	// Envelope is non-nil only when Shape is ShapeValid.
	Envelope *Envelope
	Shape    Shape
}

var envelopeKeys = []string{"payloadVersion", "eventId", "runId", "seq"}

const envelopeSchemaJSON = `{
  "type": "object",
  "required": ["payloadVersion", "eventId", "runId", "seq"],
  "properties": {
    "payloadVersion": {"const": 2},
    "eventId": {"type": "string", "minLength": 1},
    "runId": {"type": "string", "minLength": 1},
    "seq": {"type": "integer", "minimum": 0}
  }
}`

var envelopeSchema = mustCompile("envelope.json", envelopeSchemaJSON)

func mustCompile(name, src string) *jsonschema.Schema {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		panic(fmt.Sprintf("envelope: unmarshal schema %s: %v", name, err))
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource(name, doc); err != nil {
		panic(fmt.Sprintf("envelope: add schema %s: %v", name, err))
	}
	return c.MustCompile(name)
}

// Parse decodes a daemon event body. Envelope problems never fail Parse;
// they are reported through Event.Shape so the capability gate can decide.
func Parse(body []byte) (*Event, error) {
	// json.Number keeps "1.0" distinguishable from "1.5" for the seq check.
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBody, err)
	}
	raw, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: body must be a JSON object", ErrMalformedBody)
	}

	threadID, _ := raw["threadId"].(string)
	if strings.TrimSpace(threadID) == "" {
		return nil, fmt.Errorf("%w: threadId is required", ErrMalformedBody)
	}
	rawMessages, ok := raw["messages"].([]any)
	if !ok {
		return nil, fmt.Errorf("%w: messages must be an array", ErrMalformedBody)
	}
	messages := make([]Message, 0, len(rawMessages))
	for i, m := range rawMessages {
		msg, err := parseMessage(m)
		if err != nil {
			return nil, fmt.Errorf("%w: messages[%d]: %v", ErrMalformedBody, i, err)
		}
		messages = append(messages, msg)
	}

	ev := &Event{
		ThreadID:     threadID,
		ThreadChatID: stringOr(raw["threadChatId"], LegacyThreadChatID),
		Timezone:     stringOr(raw["timezone"], DefaultTimezone),
		EndSHA:       stringOr(raw["endSha"], ""),
		Messages:     messages,
	}
	ev.Envelope, ev.Shape = ParseEnvelope(raw)
	return ev, nil
}

// ParseEnvelope extracts the versioned envelope from a decoded body. A
// partially present envelope is malformed, never v2 with defaults.
func ParseEnvelope(raw map[string]any) (*Envelope, Shape) {
	sub := make(map[string]any, len(envelopeKeys))
	for _, k := range envelopeKeys {
		if v, ok := raw[k]; ok {
			sub[k] = normalizeNumber(v)
		}
	}
	if len(sub) == 0 {
		return nil, ShapeAbsent
	}
	if err := envelopeSchema.Validate(sub); err != nil {
		return nil, ShapeMalformed
	}

	seq, ok := toInt64(sub["seq"])
	if !ok || seq < 0 {
		return nil, ShapeMalformed
	}
	return &Envelope{
		PayloadVersion: PayloadVersion,
		EventID:        sub["eventId"].(string),
		RunID:          sub["runId"].(string),
		Seq:            seq,
	}, ShapeValid
}

func parseMessage(m any) (Message, error) {
	obj, ok := m.(map[string]any)
	if !ok {
		return Message{}, errors.New("message must be an object")
	}
	b, err := json.Marshal(obj)
	if err != nil {
		return Message{}, err
	}
	msg := Message{Raw: b}
	msg.Type, _ = obj["type"].(string)
	msg.IsError, _ = obj["is_error"].(bool)
	return msg, nil
}

// normalizeNumber turns Go numeric values from callers that decoded with
// encoding/json (or built the map by hand) into json.Number.
func normalizeNumber(v any) any {
	switch n := v.(type) {
	case float64:
		return json.Number(strconv.FormatFloat(n, 'f', -1, 64))
	case int:
		return json.Number(strconv.Itoa(n))
	case int64:
		return json.Number(strconv.FormatInt(n, 10))
	}
	return v
}

func stringOr(v any, def string) string {
	if s, ok := v.(string); ok && s != "" {
		return s
	}
	return def
}

// toInt64 accepts a json.Number with no fractional part.
func toInt64(v any) (int64, bool) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	r, ok := new(big.Rat).SetString(n.String())
	if !ok || !r.IsInt() || !r.Num().IsInt64() {
		return 0, false
	}
	return r.Num().Int64(), true
}
