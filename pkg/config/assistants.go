package config

// DeclaredAssistant is an assistant declared in the server configuration
// file. Declared assistants are synced into storage at startup under the
// system owner so every caller can use them without creating their own.
type DeclaredAssistant struct {
	AssistantID string                 `yaml:"assistant_id,omitempty"`
	GraphID     string                 `yaml:"graph_id"`
	Name        string                 `yaml:"name,omitempty"`
	Description string                 `yaml:"description,omitempty"`
	Config      map[string]interface{} `yaml:"config,omitempty"`
	Metadata    map[string]interface{} `yaml:"metadata,omitempty"`
}
