package whisper

import "context"

type TranscriptionRequest struct {
	AudioPath      string
	Language       string
	WordTimestamps bool
}

type Word struct {
	Text  string
	Start float64
	End   float64
}

// Segment is one phrase of engine output. Times are seconds from the start
// of the recording. Words is empty when the engine gave no word breakdown.
type Segment struct {
	Start float64
	End   float64
	Text  string
	Words []Word
}

type Result struct {
	Text     string
	Language string
	Segments []Segment
}

type Engine interface {
	Transcribe(ctx context.Context, req TranscriptionRequest) (Result, error)
}
