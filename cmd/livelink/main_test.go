package main

import (
	"bytes"
	"strings"
	"testing"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	t.Chdir(t.TempDir())
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "version")
	if err != nil {
		t.Fatalf("version: %v", err)
	}
	if !strings.HasPrefix(out, "livelink dev") {
		t.Errorf("version output = %q", out)
	}
}

func TestPublishValidatesArguments(t *testing.T) {
	if _, err := execute(t, "publish", "only-topic"); err == nil {
		t.Error("publish with one argument should fail")
	}
	if _, err := execute(t, "publish", "--qos", "3", "t", "p"); err == nil || !strings.Contains(err.Error(), "qos") {
		t.Errorf("publish --qos 3 error = %v", err)
	}
}

func TestInvalidConfigIsRejected(t *testing.T) {
	_, err := execute(t, "watch", "--transport", "carrier-pigeon")
	if err == nil || !strings.Contains(err.Error(), "transport.kind") {
		t.Errorf("watch with unknown transport error = %v", err)
	}
}

func TestMissingExplicitConfig(t *testing.T) {
	_, err := execute(t, "serve", "--config", "nope.toml")
	if err == nil || !strings.Contains(err.Error(), "nope.toml") {
		t.Errorf("serve with missing config error = %v", err)
	}
}
