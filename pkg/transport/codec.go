// Copyright 2023 The emqx-go Authors
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

package transport

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/mochi-mqtt/server/v2/packets"

	"github.com/turtacn/msgroute-go/pkg/faults"
	"github.com/turtacn/msgroute-go/pkg/message"
	"github.com/turtacn/msgroute-go/pkg/security"
)

// MQTT v3.1.1 return codes not exported by the packets package.
const (
	connackBadCredentials byte = 0x04
	connackNotAuthorized  byte = 0x05
	subackFailure         byte = 0x80
)

// readPacket reads a full MQTT packet from a connection.
func readPacket(r *bufio.Reader) (*packets.Packet, error) {
	fh := new(packets.FixedHeader)
	b, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	if err := fh.Decode(b); err != nil {
		return nil, err
	}
	rem, _, err := packets.DecodeLength(r)
	if err != nil {
		return nil, err
	}
	fh.Remaining = rem

	buf := make([]byte, fh.Remaining)
	if fh.Remaining > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}

	pk := &packets.Packet{FixedHeader: *fh}
	switch pk.FixedHeader.Type {
	case packets.Connect:
		err = pk.ConnectDecode(buf)
	case packets.Publish:
		err = pk.PublishDecode(buf)
	case packets.Subscribe:
		err = pk.SubscribeDecode(buf)
	case packets.Pingreq:
		err = pk.PingreqDecode(buf)
	case packets.Disconnect:
		err = pk.DisconnectDecode(buf)
	}
	if err != nil {
		return nil, err
	}
	return pk, nil
}

// encodePacket encodes the packet types the endpoint sends.
func encodePacket(pk *packets.Packet) ([]byte, error) {
	var buf bytes.Buffer
	var err error
	switch pk.FixedHeader.Type {
	case packets.Connack:
		err = pk.ConnackEncode(&buf)
	case packets.Suback:
		err = pk.SubackEncode(&buf)
	case packets.Pingresp:
		err = pk.PingrespEncode(&buf)
	case packets.Publish:
		err = pk.PublishEncode(&buf)
	default:
		return nil, fmt.Errorf("unsupported packet type for writing: %v", pk.FixedHeader.Type)
	}
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// decodeBody returns payload as JSON when it parses, else as a string.
func decodeBody(payload []byte) any {
	if len(payload) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(payload, &v); err == nil {
		return v
	}
	return string(payload)
}

// ackFrame is the JSON payload published on the ack topic.
type ackFrame struct {
	ID            string         `json:"id"`
	CorrelationID string         `json:"correlationId"`
	ClientID      string         `json:"clientId,omitempty"`
	Headers       map[string]any `json:"headers,omitempty"`
	Body          any            `json:"body"`
}

// errorFrame is the JSON payload published on the error topic.
type errorFrame struct {
	CorrelationID string `json:"correlationId"`
	Code          int    `json:"code,omitempty"`
	FaultCode     string `json:"faultCode,omitempty"`
	Message       string `json:"message"`
}

// pushFrame is the JSON payload of a server-initiated message.
type pushFrame struct {
	ID          string         `json:"id"`
	Destination string         `json:"destination"`
	ClientID    string         `json:"clientId,omitempty"`
	Headers     map[string]any `json:"headers,omitempty"`
	Body        any            `json:"body"`
}

func ackFrameOf(ack *message.Acknowledgement) ackFrame {
	return ackFrame{
		ID:            ack.ID,
		CorrelationID: ack.CorrelationID,
		ClientID:      ack.ClientID,
		Headers:       ack.Headers,
		Body:          ack.Body,
	}
}

func errorFrameOf(correlationID string, err error) errorFrame {
	frame := errorFrame{CorrelationID: correlationID, Message: err.Error()}
	if code, ok := faults.CodeOf(err); ok {
		frame.Code = int(code)
	}
	if se, ok := security.AsError(err); ok {
		frame.FaultCode = se.Code
		frame.Message = se.Message
	}
	return frame
}

func pushFrameOf(msg *message.Message) pushFrame {
	return pushFrame{
		ID:          msg.ID,
		Destination: msg.Destination,
		ClientID:    msg.ClientID,
		Headers:     msg.Headers,
		Body:        msg.Body,
	}
}

func encodeAck(ack *message.Acknowledgement) ([]byte, error) {
	return json.Marshal(ackFrameOf(ack))
}

func encodeError(correlationID string, err error) ([]byte, error) {
	return json.Marshal(errorFrameOf(correlationID, err))
}

func encodePush(msg *message.Message) ([]byte, error) {
	return json.Marshal(pushFrameOf(msg))
}
