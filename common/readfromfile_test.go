package common

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadFromFile(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))
		return path
	}

	oneLine := write("secret.txt", "hunter2\n")
	multiline := write("multi.txt", "line one\nline two\n")
	empty := write("empty.txt", "")

	tests := []struct {
		name    string
		in      string
		want    string
		wantErr bool
	}{
		{"missing file returns input", filepath.Join(dir, "nope"), filepath.Join(dir, "nope"), true},
		{"directory returns input", dir, dir, true},
		{"empty file returns input", empty, empty, true},
		{"single line trimmed", oneLine, "hunter2", false},
		{"multiline kept intact", multiline, "line one\nline two", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := ReadFromFile(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.want, out)
		})
	}
}
