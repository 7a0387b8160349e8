package transform

// RegisterDefaults registers the pipelines this engine ships out of the
// box, one per provider family observed in the pack: Anthropic's
// cache-control/reasoning quirks, and a shared OpenAI-compatible pipeline
// (covers "openai", "openrouter", "ollama", "zen" — every Chat
// Completions-shaped backend) that normalizes reasoning payloads across a
// session. Callers may register additional rules afterward; Select always
// returns the first matching rule, so a later rule only applies to
// provider/model pairs that no default rule matches.
func RegisterDefaults(s *Selector) error {
	anthropicPipeline := Pipe(SetCache, ReasoningTransformAnthropic, ReasoningNormalizer)
	if err := s.Register("anthropic", ".*", anthropicPipeline); err != nil {
		return err
	}

	openAICompatPipeline := Pipe(ReasoningNormalizer)
	for _, family := range []string{"openai", "openrouter", "ollama", "zen"} {
		if err := s.Register(family, ".*", openAICompatPipeline); err != nil {
			return err
		}
	}
	return nil
}
