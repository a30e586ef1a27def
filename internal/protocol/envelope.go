// Package protocol defines the mesh wire envelope.
//
// Every node, relay and gateway reads and writes the same self-describing JSON
// object:
//
//	{"d_id": "<origin>", "m_id": "<token>", "ttl": <hops>, "values": {"<key>": <number>}}
//
// d_id, m_id and ttl are required. values is always emitted by encoders but
// tolerated when absent on decode. The codec does not limit frame length; the
// radio does.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"unicode/utf8"
)

// DefaultMaxTTL is the hop budget every origination starts with.
const DefaultMaxTTL uint32 = 10

const (
	keyOrigin  = "d_id"
	keyMessage = "m_id"
	keyTTL     = "ttl"
	keyValues  = "values"
)

// Envelope is the unit of telemetry flooded through the mesh. It is a value:
// hops build a new Envelope instead of mutating a received one.
type Envelope struct {
	OriginID  string
	MessageID string
	TTL       uint32
	Values    map[string]float64
}

// ErrInvalidEnvelope matches every decode failure via errors.Is.
var ErrInvalidEnvelope = errors.New("protocol: invalid envelope")

// DecodeError describes why a frame is not a valid envelope.
type DecodeError struct {
	Field  string // empty when the frame is not a JSON object at all
	Reason string
}

func (e *DecodeError) Error() string {
	if e.Field == "" {
		return "protocol: invalid envelope: " + e.Reason
	}
	return fmt.Sprintf("protocol: invalid envelope: %s %s", e.Field, e.Reason)
}

func (e *DecodeError) Is(target error) bool { return target == ErrInvalidEnvelope }

type wireEnvelope struct {
	OriginID  string             `json:"d_id"`
	MessageID string             `json:"m_id"`
	TTL       uint32             `json:"ttl"`
	Values    map[string]float64 `json:"values"`
}

// Encode serialises e. Anything JSON cannot carry unchanged (NaN, ±Inf,
// strings that are not valid UTF-8) is rejected rather than silently altered.
func Encode(e Envelope) ([]byte, error) {
	if !utf8.ValidString(e.OriginID) {
		return nil, fmt.Errorf("protocol: encode: %s is not valid UTF-8", keyOrigin)
	}
	if !utf8.ValidString(e.MessageID) {
		return nil, fmt.Errorf("protocol: encode: %s is not valid UTF-8", keyMessage)
	}
	values := e.Values
	if values == nil {
		values = map[string]float64{}
	}
	for k, v := range values {
		if !utf8.ValidString(k) {
			return nil, fmt.Errorf("protocol: encode: value key %q is not valid UTF-8", k)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("protocol: encode: value %q is not finite", k)
		}
	}
	return json.Marshal(wireEnvelope{
		OriginID:  e.OriginID,
		MessageID: e.MessageID,
		TTL:       e.TTL,
		Values:    values,
	})
}

// Decode parses a received frame. It never returns a partially populated
// envelope: on error the Envelope is the zero value.
func Decode(b []byte) (Envelope, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(b, &fields); err != nil {
		return Envelope{}, &DecodeError{Reason: "not a JSON object"}
	}
	if fields == nil {
		return Envelope{}, &DecodeError{Reason: "not a JSON object"}
	}

	var e Envelope
	var err error
	if e.OriginID, err = stringField(fields, keyOrigin); err != nil {
		return Envelope{}, err
	}
	if e.MessageID, err = stringField(fields, keyMessage); err != nil {
		return Envelope{}, err
	}
	if e.TTL, err = ttlField(fields); err != nil {
		return Envelope{}, err
	}
	if e.Values, err = valuesField(fields); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

func stringField(fields map[string]json.RawMessage, key string) (string, error) {
	raw, ok := fields[key]
	if !ok {
		return "", &DecodeError{Field: key, Reason: "missing"}
	}
	// encoding/json would replace invalid bytes with U+FFFD.
	if !utf8.Valid(raw) {
		return "", &DecodeError{Field: key, Reason: "is not valid UTF-8"}
	}
	var s string
	if isNull(raw) || json.Unmarshal(raw, &s) != nil {
		return "", &DecodeError{Field: key, Reason: "must be a string"}
	}
	return s, nil
}

func ttlField(fields map[string]json.RawMessage) (uint32, error) {
	raw, ok := fields[keyTTL]
	if !ok {
		return 0, &DecodeError{Field: keyTTL, Reason: "missing"}
	}
	// json.Number also accepts quoted numbers; a string ttl is a type error.
	trimmed := bytes.TrimSpace(raw)
	var n json.Number
	if len(trimmed) == 0 || trimmed[0] == '"' || isNull(raw) || json.Unmarshal(trimmed, &n) != nil {
		return 0, &DecodeError{Field: keyTTL, Reason: "must be a number"}
	}
	ttl, err := strconv.ParseUint(n.String(), 10, 32)
	if err != nil {
		return 0, &DecodeError{Field: keyTTL, Reason: "must be a non-negative integer"}
	}
	return uint32(ttl), nil
}

func valuesField(fields map[string]json.RawMessage) (map[string]float64, error) {
	values := map[string]float64{}
	raw, ok := fields[keyValues]
	if !ok || isNull(raw) {
		return values, nil
	}
	if !utf8.Valid(raw) {
		return nil, &DecodeError{Field: keyValues, Reason: "is not valid UTF-8"}
	}
	if err := json.Unmarshal(raw, &values); err != nil {
		return nil, &DecodeError{Field: keyValues, Reason: "must be an object of numbers"}
	}
	return values, nil
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// HasValues reports whether the raw frame carries a values object. The
// connector requires it even though relays do not.
func HasValues(b []byte) bool {
	var fields map[string]json.RawMessage
	if json.Unmarshal(b, &fields) != nil {
		return false
	}
	raw, ok := fields[keyValues]
	return ok && !isNull(raw)
}

// Relayed returns the copy a relay retransmits: same origin, message and
// values, one hop less. ok is false when the hop budget is spent.
func (e Envelope) Relayed() (next Envelope, ok bool) {
	if e.TTL == 0 {
		return Envelope{}, false
	}
	next = Envelope{
		OriginID:  e.OriginID,
		MessageID: e.MessageID,
		TTL:       e.TTL - 1,
		Values:    make(map[string]float64, len(e.Values)),
	}
	for k, v := range e.Values {
		next.Values[k] = v
	}
	return next, true
}

// Equal compares field by field; a nil and an empty values map are equal.
func (e Envelope) Equal(o Envelope) bool {
	if e.OriginID != o.OriginID || e.MessageID != o.MessageID || e.TTL != o.TTL {
		return false
	}
	if len(e.Values) != len(o.Values) {
		return false
	}
	for k, v := range e.Values {
		ov, ok := o.Values[k]
		if !ok || ov != v {
			return false
		}
	}
	return true
}
