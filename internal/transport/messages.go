package transport

// Inbound event types sent by the speech server.
const (
	EventConnectionEstablished = "connection_established"
	EventVoiceChanged          = "voice_changed"
	EventContextSet            = "context_set"
	EventProcessingStart       = "processing_start"
	EventNoSpeechDetected      = "no_speech_detected"
	EventTranscript            = "transcript"
	EventAIResponse            = "ai_response"
	EventAudioStart            = "audio_start"
	EventAudioEnd              = "audio_end"
	EventError                 = "error"
	EventPong                  = "pong"
)

// Context is the immutable session snapshot pushed to the server once per
// connection. Field names match the wire format.
type Context struct {
	Subject       string `json:"subject"`
	UnitTitle     string `json:"unitTitle"`
	UnitContent   string `json:"unitContent"`
	Style         string `json:"style"`
	CompanionName string `json:"companionName"`
	Topic         string `json:"topic"`
}

// ServerEvent is the decoded form of an inbound JSON control message. Fields
// not used by a given event type are simply empty; unknown types are kept so
// the session layer can log and ignore them.
type ServerEvent struct {
	Type      string `json:"type"`
	Message   string `json:"message,omitempty"`
	Text      string `json:"text,omitempty"`
	Timestamp string `json:"timestamp,omitempty"`
	VoiceID   string `json:"voice_id,omitempty"`
	VoiceName string `json:"voice_name,omitempty"`
}

type setVoiceMessage struct {
	Type    string `json:"type"`
	VoiceID string `json:"voice_id"`
}

type setContextMessage struct {
	Type    string  `json:"type"`
	Context Context `json:"context"`
}

type typeOnlyMessage struct {
	Type string `json:"type"`
}
