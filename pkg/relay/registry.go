// Copyright © 2026 Niko Carpenter <niko@nikocarpenter.com>
//
// This source code is governed by the MIT license, which can be found in the LICENSE file.

package relay

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
)

// A Channel names a category of relayed data whose latest value is remembered.
type Channel int

// Channels tracked by the registry.
const (
	ChannelClipboard Channel = iota
	ChannelEmoji
	ChannelWord
	ChannelQuality
	ChannelFrameRate
	ChannelMarkup

	numChannels
)

// channelKinds maps each channel to the event kind used to replay its value.
var channelKinds = [numChannels]Kind{
	ChannelClipboard: KindClipboard,
	ChannelEmoji:     KindEmoji,
	ChannelWord:      KindWordToMac,
	ChannelQuality:   KindQuality,
	ChannelFrameRate: KindFrameRate,
	ChannelMarkup:    KindRenderHTML,
}

// Kind gets the event kind carrying this channel's value.
func (ch Channel) Kind() Kind {
	if ch < 0 || ch >= numChannels {
		return KindError
	}
	return channelKinds[ch]
}

func (ch Channel) String() string {
	switch ch {
	case ChannelClipboard:
		return "clipboard"
	case ChannelEmoji:
		return "emoji"
	case ChannelWord:
		return "word"
	case ChannelQuality:
		return "quality"
	case ChannelFrameRate:
		return "frame_rate"
	case ChannelMarkup:
		return "markup"
	}
	return "unknown"
}

// registry holds the last accepted value of every channel.
// Values are overwritten, never merged, and never deleted.
type registry struct {
	values [numChannels]json.RawMessage
}

func newRegistry() *registry {
	return &registry{}
}

// set overwrites the stored value for a channel.
func (reg *registry) set(ch Channel, value json.RawMessage) {
	reg.values[ch] = value
}

// get gets the stored value for a channel, if one was ever set.
func (reg *registry) get(ch Channel) (json.RawMessage, bool) {
	v := reg.values[ch]
	return v, v != nil
}

// getAll gets every channel that has a value, in channel order.
func (reg *registry) getAll() []channelValue {
	all := make([]channelValue, 0, numChannels)
	for ch, v := range reg.values {
		if v == nil {
			continue
		}
		all = append(all, channelValue{channel: Channel(ch), value: v})
	}
	return all
}

type channelValue struct {
	channel Channel
	value   json.RawMessage
}

// decimalInt matches the only string form accepted for numeric settings.
var decimalInt = regexp.MustCompile(`^[+-]?[0-9]+$`)

// parseInt parses a quality or frame rate payload.
// JSON numbers and base-10 numeric strings are accepted; fractions, booleans, null
// and values outside the int32 range are rejected.
func parseInt(data json.RawMessage) (int, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return 0, errors.Wrap(ErrInvalidNumber, "undecodable payload")
	}

	switch tv := v.(type) {
	case nil, bool:
		return 0, errors.Wrapf(ErrInvalidNumber, "%v", tv)
	case float64:
		if tv != math.Trunc(tv) || math.Abs(tv) > math.MaxInt32 {
			return 0, errors.Wrapf(ErrInvalidNumber, "%v", tv)
		}
	case string:
		s := strings.TrimSpace(tv)
		if !decimalInt.MatchString(s) {
			return 0, errors.Wrapf(ErrInvalidNumber, "%q", tv)
		}
		// cast reads a leading 0 as octal.
		sign := ""
		if s[0] == '-' || s[0] == '+' {
			sign, s = s[:1], s[1:]
		}
		if s = strings.TrimLeft(s, "0"); s == "" {
			s = "0"
		}
		v = sign + s
	}

	n, err := cast.ToInt64E(v)
	if err != nil || n > math.MaxInt32 || n < -math.MaxInt32 {
		return 0, errors.Wrapf(ErrInvalidNumber, "%v", v)
	}
	return int(n), nil
}
