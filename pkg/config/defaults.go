package config

// Fallbacks applied to LLM provider configs that omit optional limits.
// Applied during load, before validation.
const (
	// DefaultMaxOutputTokens caps completion length when a provider
	// config leaves max_output_tokens unset.
	DefaultMaxOutputTokens = 8192

	// DefaultMaxToolResultTokens truncates tool output fed back to the
	// model when a provider config leaves max_tool_result_tokens unset.
	DefaultMaxToolResultTokens = 5000
)
