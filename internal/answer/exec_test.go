package answer

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "answer.sh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestExecProvider(t *testing.T) {
	script := writeScript(t, `cat >/dev/null; echo '{"answer":"from script"}'`)
	p, err := NewExecProvider("sh "+script, "interview")
	if err != nil {
		t.Fatalf("new exec provider: %v", err)
	}
	got, err := p.Generate(context.Background(), "what?")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if got != "from script" {
		t.Fatalf("unexpected answer %q", got)
	}
}

func TestExecProviderFailure(t *testing.T) {
	script := writeScript(t, `echo nope >&2; exit 3`)
	p, err := NewExecProvider("sh "+script, "interview")
	if err != nil {
		t.Fatalf("new exec provider: %v", err)
	}
	if _, err := p.Generate(context.Background(), "what?"); err == nil {
		t.Fatal("expected command failure")
	}
}
