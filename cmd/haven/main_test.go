package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestVersionCommand(t *testing.T) {
	root := rootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if strings.TrimSpace(out.String()) != "haven "+version {
		t.Fatalf("unexpected output %q", out.String())
	}
}

func TestCommandsRegistered(t *testing.T) {
	root := rootCmd()
	for _, name := range []string{"start", "connect", "dial", "token", "version"} {
		cmd, _, err := root.Find([]string{name})
		if err != nil || cmd.Name() != name {
			t.Fatalf("command %s not registered: %v", name, err)
		}
	}
}

func TestTokenRequiresRoomAndIdentity(t *testing.T) {
	root := rootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"token", "--room", "safety-1"})
	if err := root.Execute(); err == nil {
		t.Fatalf("expected missing identity flag error")
	}
}
