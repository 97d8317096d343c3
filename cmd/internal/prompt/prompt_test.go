package prompt

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestScriptedConfirmAndLine(t *testing.T) {
	var out bytes.Buffer
	term := NewScripted(strings.NewReader("yes\n+256 700 000 111\nn\n"), &out)

	ok, err := term.Confirm("Accept lease terms?")
	if err != nil || !ok {
		t.Fatalf("expected yes, got %v %v", ok, err)
	}
	phone, err := term.Line("Phone number")
	if err != nil {
		t.Fatalf("line: %v", err)
	}
	if phone != "+256 700 000 111" {
		t.Fatalf("unexpected phone %q", phone)
	}
	ok, err = term.Confirm("Clear lease?")
	if err != nil || ok {
		t.Fatalf("expected no, got %v %v", ok, err)
	}
	if !strings.Contains(out.String(), "Accept lease terms? [y/N]: ") {
		t.Fatalf("question not printed: %q", out.String())
	}
	if _, err := term.Confirm("again?"); err == nil {
		t.Fatalf("expected error once input is exhausted")
	}
}

func TestLineRejectsEmptyAnswer(t *testing.T) {
	term := NewScripted(strings.NewReader("\n"), &bytes.Buffer{})
	if _, err := term.Line("Phone number"); err == nil {
		t.Fatalf("expected empty answer to fail")
	}
}

func TestAnswerWithoutTrailingNewline(t *testing.T) {
	term := NewScripted(strings.NewReader("y"), &bytes.Buffer{})
	ok, err := term.Confirm("Accept?")
	if err != nil || !ok {
		t.Fatalf("expected yes, got %v %v", ok, err)
	}
}

func TestNonTerminalRefusesToAsk(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()
	term := NewTerminal(f, &bytes.Buffer{})
	if _, err := term.Confirm("Accept?"); !errors.Is(err, ErrNotInteractive) {
		t.Fatalf("expected ErrNotInteractive, got %v", err)
	}
}

func TestSecretPrefersEnvironment(t *testing.T) {
	s := NewSecret("TRUSTLORD_API_KEY", "payment API key")
	s.lookup = func(key string) (string, bool) {
		if key != "TRUSTLORD_API_KEY" {
			t.Fatalf("unexpected lookup %s", key)
		}
		return " shared-secret ", true
	}
	value, err := s.Get()
	if err != nil || value != "shared-secret" {
		t.Fatalf("unexpected secret %q %v", value, err)
	}
}

func TestSecretErrors(t *testing.T) {
	empty := NewSecret("TRUSTLORD_API_KEY", "payment API key")
	empty.lookup = func(string) (string, bool) { return "  ", true }
	if _, err := empty.Get(); err == nil || !strings.Contains(err.Error(), "set but empty") {
		t.Fatalf("expected empty env error, got %v", err)
	}

	f, err := os.CreateTemp(t.TempDir(), "stdin")
	if err != nil {
		t.Fatalf("temp file: %v", err)
	}
	defer f.Close()
	missing := NewSecret("TRUSTLORD_API_KEY", "payment API key")
	missing.lookup = func(string) (string, bool) { return "", false }
	missing.in = f
	if _, err := missing.Get(); err == nil || !strings.Contains(err.Error(), "set TRUSTLORD_API_KEY") {
		t.Fatalf("expected missing secret error, got %v", err)
	}
}
