package config

import (
	"strings"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateSingleStdinSource(t *testing.T) {
	tests := []struct {
		name    string
		set     map[string]any
		wantErr []string
	}{
		{
			name: "none",
			set:  map[string]any{"database.dsn_file": "/tmp/dsn", "job.input": "in.jsonl"},
		},
		{
			name: "input only",
			set:  map[string]any{"job.input": "-", "job.operation": "upsert"},
		},
		{
			name: "dsn only",
			set:  map[string]any{"database.dsn_file": "@-", "job.input": "in.csv"},
		},
		{
			name: "truncate ignores input",
			set:  map[string]any{"database.dsn_file": "@-", "job.input": "-", "job.operation": "truncate"},
		},
		{
			name:    "input and password file",
			set:     map[string]any{"database.password_file": " @- ", "job.input": "-"},
			wantErr: []string{"database.password_file", "job.input"},
		},
		{
			name:    "input and prompt",
			set:     map[string]any{"database.password_prompt": true, "job.input": "-"},
			wantErr: []string{"job.input", "database.password_prompt"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := viper.New()
			for k, val := range tt.set {
				v.Set(k, val)
			}
			err := validateSingleStdinSource(v)
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			for _, key := range tt.wantErr {
				assert.True(t, strings.Contains(err.Error(), key), "missing %s in %v", key, err)
			}
		})
	}
}

func TestReadSecretFile_Stdin(t *testing.T) {
	orig := stdin
	t.Cleanup(func() { stdin = orig })
	stdin = strings.NewReader("  root:pw@tcp(db:3306)/app \n")

	got, err := readSecretFile("@-")
	require.NoError(t, err)
	assert.Equal(t, "root:pw@tcp(db:3306)/app", got)
}
