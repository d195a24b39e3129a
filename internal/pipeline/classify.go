package pipeline

import (
	"strings"

	"github.com/MrWong99/cleanstream/internal/lexicon"
	"github.com/MrWong99/cleanstream/pkg/provider/stt"
)

// blankMarker matches whisper's "[BLANK_AUDIO]" annotation after lower-casing.
const blankMarker = "[bl"

// fillerMarkers are interjections followed by punctuation. A transcript
// containing any of them is a filler segment regardless of confidence.
var fillerMarkers = []string{"uh,", "um,", "um.", "ah.", "ah,", "eh.", "eh,", "uh."}

// Classification is the verdict for one transcribed window.
type Classification struct {
	// Text is the lower-cased transcript.
	Text string

	// AvgProbability is the mean token probability, 0 when there are no tokens.
	AvgProbability float64

	// Blank reports whether the transcript carries the blank-audio marker.
	Blank bool

	// Marker is the first filler interjection found, if any.
	Marker string

	// Interjections lists transcript words that sound like fillers. It is
	// informational and does not affect Filler.
	Interjections []string

	// Filler reports whether the window is a filler segment.
	Filler bool
}

// Classify decides whether res is a filler segment. A window is a filler when
// its transcript is marked blank with average token probability above
// threshold, or when it contains one of the filler interjections.
func Classify(res stt.Result, threshold float64) Classification {
	c := Classification{
		Text:           strings.ToLower(res.Text),
		AvgProbability: res.AverageProbability(),
	}
	c.Blank = strings.Contains(c.Text, blankMarker)
	for _, m := range fillerMarkers {
		if strings.Contains(c.Text, m) {
			c.Marker = m
			break
		}
	}
	c.Interjections = lexicon.Default.Scan(c.Text)
	// An empty token list is never a confident blank.
	c.Filler = (c.Blank && len(res.Tokens) > 0 && c.AvgProbability > threshold) || c.Marker != ""
	return c
}
