package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"gopkg.in/yaml.v3"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key: {{.API_KEY}}",
			env:   map[string]string{"API_KEY": "secret123"},
			want:  "api_key: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: ${USER_ID}",
			env:   map[string]string{"USER_ID": "123"},
			want:  "pattern: ${USER_ID}",
		},
		{
			name:  "regex metacharacters survive",
			input: "regex: ^secret.*$",
			env:   map[string]string{},
			want:  "regex: ^secret.*$",
		},
		{
			name:  "multiple substitutions in one line",
			input: "url: {{.PROTOCOL}}://{{.HOST}}:{{.PORT}}",
			env: map[string]string{
				"PROTOCOL": "https",
				"HOST":     "example.com",
				"PORT":     "443",
			},
			want: "url: https://example.com:443",
		},
		{
			name:  "missing variable expands to empty",
			input: "endpoint: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "endpoint: ",
		},
		{
			name: "full config document",
			input: `
system:
  auth:
    mode: jwks
    jwks_url: {{.JWKS_URL}}
mcp_servers:
  github:
    transport:
      type: http
      url: {{.GITHUB_MCP_URL}}
`,
			env: map[string]string{
				"JWKS_URL":       "https://auth.example.com/.well-known/jwks.json",
				"GITHUB_MCP_URL": "https://mcp.example.com/github/mcp",
			},
			want: `
system:
  auth:
    mode: jwks
    jwks_url: https://auth.example.com/.well-known/jwks.json
mcp_servers:
  github:
    transport:
      type: http
      url: https://mcp.example.com/github/mcp
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			result := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(result))
		})
	}
}

func TestExpandEnvPreservesOriginalWhenNoVariables(t *testing.T) {
	input := `
# comment
key: value
nested:
  field: "string value"
array:
  - item1
  - item2
`

	result := ExpandEnv([]byte(input))
	assert.Equal(t, input, string(result), "Content without variables should be unchanged")
}

// Malformed template syntax is passed through unchanged so the YAML parser
// can handle the content (or fail with a clearer error message).
func TestExpandEnvMalformedTemplates(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{
			name:  "unclosed template",
			input: "api_key: {{.API_KEY",
		},
		{
			name:  "only opening braces",
			input: "api_key: {{",
		},
		{
			name:  "variable without leading dot",
			input: "api_key: {{API_KEY}}",
		},
		{
			name:  "unclosed template in the middle of valid YAML",
			input: "host: localhost\napi_key: {{.API_KEY\nport: 8080",
		},
		{
			name:  "undefined template function",
			input: `api_key: {{.API_KEY | upper}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("API_KEY", "should-not-appear")

			result := ExpandEnv([]byte(tt.input))

			assert.Equal(t, tt.input, string(result),
				"Malformed template should be passed through unchanged")
			assert.NotContains(t, string(result), "should-not-appear",
				"Malformed template should not expand environment variables")
		})
	}
}

// When ExpandEnv passes data through on template errors, the YAML parser
// still gets a chance to process it.
func TestExpandEnvPassThroughToYAMLParser(t *testing.T) {
	input := `
host: localhost
api_key: "{{.API_KEY"
port: 8080
`

	expanded := ExpandEnv([]byte(input))

	var result map[string]any
	err := yaml.Unmarshal(expanded, &result)
	assert.NoError(t, err)
	assert.Equal(t, "{{.API_KEY", result["api_key"])
}
