package cli

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadRequest(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		file     string
		content  string
		prompt   string
		strategy string
		wantErr  bool
	}{
		{"req.yaml", "prompt: explain hashes\nstrategy: hybrid-sequential\n", "explain hashes", "hybrid-sequential", false},
		{"req.json", `{"prompt": "hi"}`, "hi", "", false},
		{"req.txt", `{"prompt": "sniffed"}`, "sniffed", "", false},
		{"noprompt.yaml", "strategy: single-local\n", "", "", true},
		{"bad.json", `{"prompt":`, "", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.file, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0644); err != nil {
				t.Fatal(err)
			}
			req, err := LoadRequest(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if req.Prompt != tt.prompt || req.Strategy != tt.strategy {
				t.Errorf("req = %+v", req)
			}
		})
	}
}

func TestLoadRequest_Missing(t *testing.T) {
	if _, err := LoadRequest(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error")
	}
}
