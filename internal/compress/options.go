// Package compress shrinks downloaded lesson media through a pluggable
// backend running on a worker goroutine. Compression is best effort: any
// failure hands back the original blob.
package compress

import (
	"github.com/forest6511/offline/pkg/types"
)

// Encoder settings shared by every tier.
const (
	VideoCodec    = "libx264"
	VideoPreset   = "medium"
	AudioCodec    = "aac"
	FastStartFlag = "+faststart"

	// VideoAudioBitrateKbps is the audio track bitrate kept on video tiers.
	VideoAudioBitrateKbps = 128
)

// Options describes the target encoding for one quality tier.
type Options struct {
	Quality     types.Quality `json:"quality"`
	BitrateKbps int           `json:"bitrateKbps"`
	Height      int           `json:"height,omitempty"`
	AudioOnly   bool          `json:"audioOnly,omitempty"`
	Container   string        `json:"container"`
}

// Extension returns the output file extension for the container.
func (o Options) Extension() string {
	return "." + o.Container
}

// OptionsFor returns the encoding for a quality tier:
// audio is 64 kbps audio-only m4a, sd is 1000 kbps 480p mp4 and hd is
// 2500 kbps 720p mp4. Unknown tiers get the hd encoding.
func OptionsFor(q types.Quality) Options {
	switch q {
	case types.QualityAudio:
		return Options{Quality: q, BitrateKbps: 64, AudioOnly: true, Container: "m4a"}
	case types.QualitySD:
		return Options{Quality: q, BitrateKbps: 1000, Height: 480, Container: "mp4"}
	default:
		return Options{Quality: types.QualityHD, BitrateKbps: 2500, Height: 720, Container: "mp4"}
	}
}
