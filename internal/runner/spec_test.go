package runner

import "testing"

func TestBuildCommandPlainBinary(t *testing.T) {
	cmd := Spec{Command: "echo hello"}.BuildCommand()
	if cmd.Path == "" {
		t.Fatal("expected resolved path for echo")
	}
	if len(cmd.Args) != 2 || cmd.Args[1] != "hello" {
		t.Fatalf("unexpected args: %v", cmd.Args)
	}
}

func TestBuildCommandShellMetacharactersWrapped(t *testing.T) {
	cmd := Spec{Command: "echo a && echo b"}.BuildCommand()
	if len(cmd.Args) < 2 || cmd.Args[0] != "/bin/sh" {
		t.Fatalf("expected shell wrap, got %v", cmd.Args)
	}
}

func TestBuildCommandExplicitShellInvocationNotDoubleWrapped(t *testing.T) {
	cmd := Spec{Command: `sh -c 'echo hi'`}.BuildCommand()
	if cmd.Args[0] != "sh" || cmd.Args[1] != "-c" || cmd.Args[2] != "echo hi" {
		t.Fatalf("unexpected command: %v", cmd.Args)
	}
}

func TestBuildCommandEmptyIsNoop(t *testing.T) {
	cmd := Spec{Command: "   "}.BuildCommand()
	if cmd == nil {
		t.Fatal("expected a no-op command, got nil")
	}
}

func TestParseSignalAcceptsBareAndPrefixed(t *testing.T) {
	for _, name := range []string{"TERM", "SIGTERM", "term"} {
		if _, err := ParseSignal(name); err != nil {
			t.Fatalf("ParseSignal(%q): %v", name, err)
		}
	}
}

func TestParseSignalRejectsUnknown(t *testing.T) {
	if _, err := ParseSignal("NOPE"); err == nil {
		t.Fatal("expected error for unknown signal")
	}
}

func TestParseSignalDefaultsWhenEmpty(t *testing.T) {
	sig, err := ParseSignal("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want, _ := ParseSignal(DefaultKillSignal)
	if sig != want {
		t.Fatalf("expected default signal %v, got %v", want, sig)
	}
}
