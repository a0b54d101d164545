// Copyright 2023 LiveKit, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package signalling

import (
	"bytes"
	"encoding/json"

	"github.com/pion/webrtc/v3"
	"github.com/pkg/errors"
)

type MessageType string

const (
	MessageTypeOffer         MessageType = "offer"
	MessageTypeAnswer        MessageType = "answer"
	MessageTypeCandidate     MessageType = "candidate"
	MessageTypeMetricsReport MessageType = "metrics_report"
	MessageTypeBitrateUpdate MessageType = "bitrate_update"
	MessageTypeTestComplete  MessageType = "test_complete"
)

// Message is one control channel frame. The concrete types below are the closed set
// of known kinds; anything else decodes to Unknown.
type Message interface {
	Type() MessageType
}

type Offer struct {
	SDP string `json:"sdp"`
}

type Answer struct {
	SDP string `json:"sdp"`
}

type Candidate struct {
	Candidate webrtc.ICECandidateInit `json:"candidate"`
}

type MetricsReport struct {
	LossRate float64 `json:"loss_rate"`
	// milliseconds
	Jitter   float64 `json:"jitter"`
	Sequence uint32  `json:"sequence"`
	// bits per second, only present when throughput is computed
	ActualThroughput *float64 `json:"actual_throughput,omitempty"`
}

type BitrateUpdate struct {
	// kbps
	Bitrate uint32 `json:"bitrate"`
	// packets per second
	SendRate uint32 `json:"send_rate"`
	Profile  string `json:"profile,omitempty"`
	Final    bool   `json:"final"`
}

type TestComplete struct {
	Profile string `json:"profile,omitempty"`
	Bitrate uint32 `json:"bitrate,omitempty"`
}

type Unknown struct {
	RawType string
	Raw     json.RawMessage
}

func (Offer) Type() MessageType         { return MessageTypeOffer }
func (Answer) Type() MessageType        { return MessageTypeAnswer }
func (Candidate) Type() MessageType     { return MessageTypeCandidate }
func (MetricsReport) Type() MessageType { return MessageTypeMetricsReport }
func (BitrateUpdate) Type() MessageType { return MessageTypeBitrateUpdate }
func (TestComplete) Type() MessageType  { return MessageTypeTestComplete }
func (u Unknown) Type() MessageType     { return MessageType(u.RawType) }

// older servers name the final profile "result"
func (t *TestComplete) UnmarshalJSON(data []byte) error {
	type plain TestComplete
	var v struct {
		plain
		Result string `json:"result"`
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*t = TestComplete(v.plain)
	if t.Profile == "" {
		t.Profile = v.Result
	}
	return nil
}

// Encode writes msg as a flat JSON object with its kind in the "type" field.
func Encode(msg Message) ([]byte, error) {
	if _, ok := msg.(Unknown); ok {
		return nil, ErrInvalidMessageType
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	typ, err := json.Marshal(string(msg.Type()))
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(body) + len(typ) + 9)
	buf.WriteString(`{"type":`)
	buf.Write(typ)
	if len(body) > 2 {
		buf.WriteByte(',')
		buf.Write(body[1:])
	} else {
		buf.WriteByte('}')
	}
	return buf.Bytes(), nil
}

// Decode parses a control channel frame. Frames with an unrecognised type decode to Unknown
// without error; frames that are not JSON objects or lack a type fail.
func Decode(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, errors.Wrap(err, "could not decode message")
	}
	if envelope.Type == "" {
		return nil, ErrMissingType
	}

	var (
		msg Message
		err error
	)
	switch MessageType(envelope.Type) {
	case MessageTypeOffer:
		var m Offer
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeAnswer:
		var m Answer
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeCandidate:
		var m Candidate
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeMetricsReport:
		var m MetricsReport
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeBitrateUpdate:
		var m BitrateUpdate
		err = json.Unmarshal(data, &m)
		msg = m
	case MessageTypeTestComplete:
		var m TestComplete
		err = json.Unmarshal(data, &m)
		msg = m
	default:
		msg = Unknown{RawType: envelope.Type, Raw: append(json.RawMessage(nil), data...)}
	}
	if err != nil {
		return nil, errors.Wrapf(err, "could not decode %s message", envelope.Type)
	}
	return msg, nil
}
