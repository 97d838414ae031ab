package appinfo

// Metadata captures static identifiers for the service.
type Metadata struct {
	Name        string
	BinaryName  string
	Slug        string
	Description string
	GeneratorID string
	Version     string
}

// Info describes the current service.
var Info = Metadata{
	Name:        "OpenWhisper Transcriber",
	BinaryName:  "transcriber",
	Slug:        "openwhisper-transcriber",
	Description: "Streaming and file speech-to-text backed by Whisper.",
	GeneratorID: "openwhisper-stream",
	Version:     "0.3.0",
}

// Version returns the semantic version of the running build.
func Version() string {
	return Info.Version
}

// TranscriptMetadata produces the standard metadata payload attached
// to persisted sessions and indexed transcripts.
func TranscriptMetadata(modelSize, language, mode string) map[string]string {
	return map[string]string{
		"generator":  Info.GeneratorID,
		"model_size": modelSize,
		"language":   language,
		"mode":       mode,
	}
}
