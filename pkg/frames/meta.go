package frames

// Metadata keys shared by rooms, providers and the assistant.
const (
	MetaStreamID    = "stream_id"
	MetaRoom        = "room"
	MetaParticipant = "participant"
	MetaTraceID     = "trace_id"
	MetaCallSID     = "call_sid"
	MetaSource      = "source"
	MetaIsFinal     = "is_final"
	MetaSpeechFinal = "speech_final"
	MetaLanguage    = "language"
	MetaSpeechID    = "speech_id"
	MetaReason      = "reason"
	MetaEncoding    = "encoding"
)

const (
	EncodingPCM16 = "pcm16"
	EncodingMulaw = "mulaw"
)
