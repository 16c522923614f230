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
			name:  "substitutes {{.VAR}}",
			input: "api_key_env: {{.KEY_NAME}}",
			env:   map[string]string{"KEY_NAME": "OPENAI_API_KEY"},
			want:  "api_key_env: OPENAI_API_KEY",
		},
		{
			name:  "multiple variables in one line",
			input: "base_url: {{.SCHEME}}://{{.HOST}}/v1",
			env:   map[string]string{"SCHEME": "https", "HOST": "api.example.com"},
			want:  "base_url: https://api.example.com/v1",
		},
		{
			name:  "missing variable expands to empty",
			input: "base_url: {{.NOT_SET_ANYWHERE}}",
			want:  "base_url: ",
		},
		{
			name:  "literal dollar in detector regex preserved",
			input: `pattern: "^BEGIN.*KEY-----$"`,
			want:  `pattern: "^BEGIN.*KEY-----$"`,
		},
		{
			name:  "shell-style ${VAR} is not expanded",
			input: "prompt: run ${HOME}/script.sh",
			env:   map[string]string{"HOME": "/root"},
			want:  "prompt: run ${HOME}/script.sh",
		},
		{
			name:  "content without templates passes through",
			input: "suite: smoke\nconcurrency: 4\n",
			want:  "suite: smoke\nconcurrency: 4\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			assert.Equal(t, tt.want, string(ExpandEnv([]byte(tt.input))))
		})
	}
}

func TestExpandEnv_MalformedTemplatePassesThrough(t *testing.T) {
	t.Setenv("SECRET", "must-not-leak")

	for _, input := range []string{
		"key: {{.SECRET",
		"key: {{}}",
		"key: {{.A {{.B}}}}",
	} {
		result := ExpandEnv([]byte(input))
		assert.Equal(t, input, string(result))
		assert.NotContains(t, string(result), "must-not-leak")
	}
}

func TestExpandEnv_ResultStaysValidYAML(t *testing.T) {
	t.Setenv("MODEL_ID", "gpt-4o-mini")

	expanded := ExpandEnv([]byte("target:\n  model: {{.MODEL_ID}}\n  temperature: 0.7\n"))

	var out map[string]any
	assert.NoError(t, yaml.Unmarshal(expanded, &out))
	target := out["target"].(map[string]any)
	assert.Equal(t, "gpt-4o-mini", target["model"])
}
