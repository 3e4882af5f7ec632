package protocol

import "time"

// TTSStatus is broadcast on the bus after every synthesis request.
type TTSStatus struct {
	RequestID  string    `json:"request_id"`
	Outcome    string    `json:"outcome"`
	TextLength int       `json:"text_length"`
	AudioBytes int       `json:"audio_bytes,omitempty"`
	DurationMS int64     `json:"duration_ms"`
	Error      string    `json:"error,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

const (
	SubjectTTSDone   = "tts.synth.done"
	SubjectTTSFailed = "tts.synth.failed"
)
