// SPDX-License-Identifier: MIT
package sink

import (
	"fmt"
	"strconv"
	"strings"
)

// ChannelKey names a logical recording channel. Each key is backed by one
// text file in the registry directory.
type ChannelKey string

const (
	Signal ChannelKey = "signal"
	Noise  ChannelKey = "noise"
	Tail   ChannelKey = "tail"
	All    ChannelKey = "all"
)

// Channels lists every known channel key.
var Channels = []ChannelKey{Signal, Noise, Tail, All}

// Filename returns the artifact file name of the channel.
func (k ChannelKey) Filename() string {
	return string(k) + ".txt"
}

// ParseChannelKey converts a name (case-insensitive) to a known ChannelKey.
func ParseChannelKey(name string) (ChannelKey, error) {
	key := ChannelKey(strings.ToLower(strings.TrimSpace(name)))
	for _, k := range Channels {
		if k == key {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown channel: '%s'", name)
}

// Layout describes the tokens written around frames in a channel file. A
// session is Opening, then frames joined by Separator, then Closing. Each
// frame is its values joined by ", " followed by FrameEnd.
type Layout struct {
	Name      string
	Opening   string
	Separator string
	FrameEnd  string
	Closing   string
}

var (
	// LayoutLines writes one line per frame and an empty line after each session.
	LayoutLines = Layout{Name: "lines", FrameEnd: "\n", Closing: "\n"}

	// LayoutJSONArray wraps a session in a single flat array: "[f1,f2]\n".
	LayoutJSONArray = Layout{Name: "json", Opening: "[", Separator: ",", Closing: "]\n"}
)

// ParseLayout returns the layout with the given name.
func ParseLayout(name string) (Layout, error) {
	switch strings.ToLower(name) {
	case "", "lines":
		return LayoutLines, nil
	case "json", "json_array":
		return LayoutJSONArray, nil
	default:
		return Layout{}, fmt.Errorf("unknown sink layout: '%s'", name)
	}
}

// appendFrame renders frame as comma separated decimals, using the shortest
// representation that round-trips as float32.
func appendFrame(dst []byte, frame []float32) []byte {
	for i, v := range frame {
		if i > 0 {
			dst = append(dst, ", "...)
		}
		dst = strconv.AppendFloat(dst, float64(v), 'g', -1, 32)
	}
	return dst
}
