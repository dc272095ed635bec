// Package media classifies uploaded sources and splits audio/video files
// into bounded, ordered segments ready for transcription.
package media

import (
	"path/filepath"
	"strings"
)

// Kind is the coarse source category that decides the processing path.
type Kind int

const (
	KindUnknown Kind = iota
	KindVideo
	KindAudio
	KindText
)

func (k Kind) String() string {
	switch k {
	case KindVideo:
		return "video"
	case KindAudio:
		return "audio"
	case KindText:
		return "text"
	default:
		return "unknown"
	}
}

var (
	videoExts = map[string]bool{".mp4": true, ".mov": true, ".mpeg": true, ".webm": true}
	audioExts = map[string]bool{".mp3": true, ".m4a": true, ".wav": true, ".amr": true, ".mpga": true}
	textExts  = map[string]bool{".txt": true, ".md": true, ".mdx": true, ".markdown": true}
)

// Classify maps a filename to its source kind by extension.
func Classify(name string) Kind {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case videoExts[ext]:
		return KindVideo
	case audioExts[ext]:
		return KindAudio
	case textExts[ext]:
		return KindText
	default:
		return KindUnknown
	}
}
