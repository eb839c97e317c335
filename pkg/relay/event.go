// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"encoding/json"

	"github.com/pkg/errors"
)

// Kind identifies a named event passed between connections and the relay.
type Kind int

// Event kinds. Every kind is handled by exactly one case of the dispatcher's routing switch.
const (
	KindIdentify Kind = iota
	KindScreenData
	KindClipboard
	KindWebSource
	KindRenderHTML
	KindWordToMac
	KindQuality
	KindFrameRate
	KindEmoji
	KindStatus
	KindAssistantRequest
	KindAssistantStatus
	KindAssistantResult
	KindError

	numKinds
)

var kindNames = [numKinds]string{
	KindIdentify:         "identify",
	KindScreenData:       "screenData",
	KindClipboard:        "clipboardData",
	KindWebSource:        "webSourceCode",
	KindRenderHTML:       "renderHTML",
	KindWordToMac:        "wordToMac",
	KindQuality:          "qualityChange",
	KindFrameRate:        "frameRateChange",
	KindEmoji:            "emojiToWeb",
	KindStatus:           "statusUpdate",
	KindAssistantRequest: "geminiRequest",
	KindAssistantStatus:  "geminiStatus",
	KindAssistantResult:  "geminiResult",
	KindError:            "error",
}

var kindsByName map[string]Kind

func init() {
	kindsByName = make(map[string]Kind, numKinds)
	for k, name := range kindNames {
		kindsByName[name] = Kind(k)
	}
}

// String gets the wire name of a Kind.
func (k Kind) String() string {
	if k < 0 || k >= numKinds {
		return "unknown"
	}
	return kindNames[k]
}

// ParseKind looks up a Kind by its wire name.
func ParseKind(name string) (Kind, error) {
	if k, ok := kindsByName[name]; ok {
		return k, nil
	}
	return 0, errors.Wrapf(ErrUnknownEvent, "%q", name)
}

// An Event is a named payload.
// Data is passed through the relay unchanged unless the kind's route says otherwise.
type Event struct {
	Kind Kind
	Data json.RawMessage
}

// Name gets the wire name of this Event.
func (ev Event) Name() string {
	return ev.Kind.String()
}

// ErrorResponse is sent to a single connection when one of its events cannot be routed.
type ErrorResponse struct {
	Error string `json:"error"`
}

// ErrorEvent makes an error event carrying err's message.
func ErrorEvent(err error) Event {
	return newEvent(KindError, ErrorResponse{Error: err.Error()})
}

// AssistantResult is the final answer to an assistant request.
type AssistantResult struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func newEvent(kind Kind, v interface{}) Event {
	// Status, error and result payloads are plain structs; marshalling them cannot fail.
	data, _ := json.Marshal(v)
	return Event{Kind: kind, Data: data}
}

// decodeString decodes a JSON string payload.
func decodeString(data json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return "", errors.Wrap(ErrMalformedData, "expected a string")
	}
	return s, nil
}
