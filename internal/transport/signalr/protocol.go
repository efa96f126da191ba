// Package signalr implements a minimal SignalR-class hub client atop
// gorilla/websocket, hand-building the JSON Hub Protocol framing the
// bridge needs: handshake, invocation, completion, and ping.
package signalr

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// recordSeparator terminates every JSON Hub Protocol text message.
const recordSeparator = byte(0x1e)

// messageType values from the JSON Hub Protocol.
const (
	msgInvocation  = 1
	msgCompletion  = 3
	msgPing        = 6
	msgClose       = 7
)

type handshakeRequest struct {
	Protocol string `json:"protocol"`
	Version  int    `json:"version"`
}

type envelope struct {
	Type         int               `json:"type"`
	InvocationID string            `json:"invocationId,omitempty"`
	Target       string            `json:"target,omitempty"`
	Arguments    []json.RawMessage `json:"arguments,omitempty"`
	Result       json.RawMessage   `json:"result,omitempty"`
	Error        string            `json:"error,omitempty"`
}

// encodeFrame serializes v as JSON followed by the record separator.
func encodeFrame(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(body, recordSeparator), nil
}

// splitFrames splits a buffer of one or more record-separator-terminated
// JSON documents.
func splitFrames(buf []byte) [][]byte {
	var frames [][]byte
	for _, part := range bytes.Split(buf, []byte{recordSeparator}) {
		if len(part) > 0 {
			frames = append(frames, part)
		}
	}
	return frames
}

func encodeHandshake() ([]byte, error) {
	return encodeFrame(handshakeRequest{Protocol: "json", Version: 1})
}

// invocationFrame builds a hub-method invocation with the given id.
func invocationFrame(invocationID, target string, args ...any) ([]byte, error) {
	rawArgs := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d: %w", i, err)
		}
		rawArgs[i] = b
	}
	return encodeFrame(envelope{
		Type:         msgInvocation,
		InvocationID: invocationID,
		Target:       target,
		Arguments:    rawArgs,
	})
}

func pingFrame() ([]byte, error) {
	return encodeFrame(envelope{Type: msgPing})
}

// normalizeIngressArgs accepts the three shapes an `ingress` payload
// arrives in: a JSON-encoded string, a single-element list containing
// such a string, or an already-decoded structured value.
func normalizeIngressArgs(args []json.RawMessage) ([]byte, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("ingress invocation carried no arguments")
	}

	var asString string
	if err := json.Unmarshal(args[0], &asString); err == nil {
		return []byte(asString), nil
	}

	var asList []json.RawMessage
	if err := json.Unmarshal(args[0], &asList); err == nil && len(asList) > 0 {
		var inner string
		if err := json.Unmarshal(asList[0], &inner); err == nil {
			return []byte(inner), nil
		}
		return asList[0], nil
	}

	return args[0], nil
}
