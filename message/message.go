package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/c360/sigslot/errors"
	"github.com/c360/sigslot/pkg/timestamp"
)

// Header keys
const (
	KeySignalInstanceID = "signalInstanceId"
	KeySignalFunction   = "signalFunction"
	KeySlotInstanceIDs  = "slotInstanceIds"
	KeySlotFunctions    = "slotFunctions"
	KeyHostName         = "hostName"
	KeyUserName         = "userName"
	KeyTimestamp        = "MQTimestamp"
	KeyPriority         = "MQPriority"
	KeyReplyTo          = "replyTo"
	KeyReplyFrom        = "replyFrom"
	KeyReplyInstanceIDs = "replyInstanceIds"
	KeyReplyFunctions   = "replyFunctions"
	KeyError            = "error"
)

// Values of the signalFunction header for messages that are not signals
const (
	FunctionCall          = "__call__"
	FunctionRequest       = "__request__"
	FunctionReply         = "__reply__"
	FunctionRequestNoWait = "__requestNoWait__"
	FunctionReplyNoWait   = "__replyNoWait__"
)

// Message is a decoded header/body pair
type Message struct {
	Header Hash `json:"header"`
	Body   Hash `json:"body"`
}

// New creates a message, allocating empty hashes for nil arguments
func New(header, body Hash) *Message {
	if header == nil {
		header = Hash{}
	}
	if body == nil {
		body = Hash{}
	}
	return &Message{Header: header, Body: body}
}

// Encode serializes header and body into one JSON document
func Encode(header, body Hash) ([]byte, error) {
	data, err := json.Marshal(New(header, body))
	if err != nil {
		return nil, errors.WrapInvalid(err, "message", "Encode", "marshal message")
	}
	return data, nil
}

// Decode parses a JSON document produced by Encode. Numbers are kept as
// json.Number.
func Decode(data []byte) (*Message, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var m Message
	if err := dec.Decode(&m); err != nil {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err),
			"message", "Decode", "unmarshal message")
	}
	if m.Header == nil {
		m.Header = Hash{}
	}
	if m.Body == nil {
		m.Body = Hash{}
	}
	return &m, nil
}

// Timestamp returns the current time in unix milliseconds for the
// MQTimestamp header
func Timestamp() int64 {
	return timestamp.Now()
}

// Age returns how long ago the MQTimestamp of header was set, and false
// when the header carries no usable timestamp
func Age(header Hash) (time.Duration, bool) {
	ms := timestamp.Parse(header[KeyTimestamp])
	if ms == 0 {
		return 0, false
	}
	return timestamp.Since(ms), true
}

// Priority reads the MQPriority header, defaulting to 4
func Priority(header Hash) int {
	p, err := GetAs[int](header, KeyPriority)
	if err != nil {
		return 4
	}
	return p
}

// Args packs values into a body as a1..aN
func Args(values ...any) Hash {
	body := make(Hash, len(values))
	for i, v := range values {
		body[ArgKey(i)] = v
	}
	return body
}

// ArgKey returns the body key of the i-th (zero based) argument
func ArgKey(i int) string {
	return "a" + strconv.Itoa(i+1)
}

// ArgValues returns the consecutive arguments a1..aN of a body
func ArgValues(body Hash) []any {
	var values []any
	for i := 0; ; i++ {
		v, ok := body[ArgKey(i)]
		if !ok {
			return values
		}
		values = append(values, v)
	}
}
