package config

// Capabilities records which optional subsystems are usable. It is computed
// once at startup and handed to the components that degrade without them.
type Capabilities struct {
	VectorSearch   bool `json:"vector_search"`
	LLMIntegration bool `json:"llm_integration"`
	ScaledBackend  bool `json:"scaled_backend"`
}

// DetectCapabilities derives Capabilities from cfg. LLM integration needs
// the LLM enabled and, for hosted providers, an API key.
func DetectCapabilities(cfg *Config) Capabilities {
	if cfg == nil {
		return Capabilities{}
	}
	llm := cfg.LLM.Enabled
	if llm && cfg.LLM.Provider != "ollama" && cfg.LLM.APIKey == "" {
		llm = false
	}
	return Capabilities{
		VectorSearch:   cfg.Scaling.VectorDB.Enabled,
		LLMIntegration: llm,
		ScaledBackend:  cfg.Scaling.Enabled,
	}
}
