package tts

// VoicePreset is a friendly name for one provider's voice.
type VoicePreset struct {
	Name        string `json:"name"`
	Provider    string `json:"provider"`
	VoiceID     string `json:"voice_id"`
	Description string `json:"description"`
}

// DefaultElevenLabsVoice is the preset used when none is configured.
const DefaultElevenLabsVoice = "charlotte"

var presets = []VoicePreset{
	{"charlotte", providerElevenLabs, "XB0fDUnXU5powFXDhCwa", "British female, warm"},
	{"aria", providerElevenLabs, "9BWtsMINqrJLrRacOk9x", "American female, expressive"},
	{"sarah", providerElevenLabs, "EXAVITQu4vr4xnSDxMaL", "American female, soft"},
	{"lily", providerElevenLabs, "pFZP5JQG7iQjIQuC4Bku", "British female, warm"},
	{"rachel", providerElevenLabs, "21m00Tcm4TlvDq8ikWAM", "American female, calm"},
	{"josh", providerElevenLabs, "TxGEqnHWrfWFTfGW9XjX", "American male, deep"},
	{"adam", providerElevenLabs, "pNInz6obpgDQGcFmaJgB", "American male, deep"},
	{"sam", providerElevenLabs, "yoZ06aMxZJJ28mfd3POQ", "American male, raspy"},

	{VoiceAlloy, providerOpenAI, VoiceAlloy, "Neutral"},
	{VoiceEcho, providerOpenAI, VoiceEcho, "Male"},
	{VoiceFable, providerOpenAI, VoiceFable, "British accent"},
	{VoiceOnyx, providerOpenAI, VoiceOnyx, "Deep male"},
	{VoiceNova, providerOpenAI, VoiceNova, "Female"},
	{VoiceShimmer, providerOpenAI, VoiceShimmer, "Soft female"},
	{"ash", providerOpenAI, "ash", "Male, clear"},
	{"coral", providerOpenAI, "coral", "Female, warm"},
	{"sage", providerOpenAI, "sage", "Female, calm"},
}

// Presets returns the known voice presets of every provider.
func Presets() []VoicePreset {
	return append([]VoicePreset(nil), presets...)
}

func lookupPreset(provider, name string) (VoicePreset, bool) {
	for _, p := range presets {
		if p.Provider == provider && p.Name == name {
			return p, true
		}
	}
	return VoicePreset{}, false
}

// ResolveElevenLabsVoice returns the voice ID for a preset name. Anything
// else is assumed to be a raw voice ID and returned unchanged.
func ResolveElevenLabsVoice(name string) string {
	if p, ok := lookupPreset(providerElevenLabs, name); ok {
		return p.VoiceID
	}
	return name
}

// IsElevenLabsPreset reports whether name is an ElevenLabs preset.
func IsElevenLabsPreset(name string) bool {
	_, ok := lookupPreset(providerElevenLabs, name)
	return ok
}

// IsOpenAIVoice reports whether name is one of OpenAI's built-in voices.
func IsOpenAIVoice(name string) bool {
	_, ok := lookupPreset(providerOpenAI, name)
	return ok
}
