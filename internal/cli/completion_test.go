package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/whiskeyjimb/pinstall/internal/config"
)

func TestCompletionCommand(t *testing.T) {
	tests := []struct {
		name    string
		args    []string
		want    string
		wantErr bool
	}{
		{name: "bash", args: []string{"completion", "bash"}, want: "__start_pinstall"},
		{name: "zsh", args: []string{"completion", "zsh"}, want: "#compdef pinstall"},
		{name: "fish", args: []string{"completion", "fish"}, want: "complete -c pinstall"},
		{name: "powershell", args: []string{"completion", "powershell"}, want: "pinstall"},
		{name: "invalid shell", args: []string{"completion", "invalid"}, wantErr: true},
		{name: "no shell", args: []string{"completion"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := NewRootCommand(config.DefaultConfig(), nil)
			var buf bytes.Buffer
			root.SetOut(&buf)
			root.SetErr(&bytes.Buffer{})
			root.SetArgs(tt.args)

			err := root.Execute()
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Execute: %v", err)
			}
			if !strings.Contains(buf.String(), tt.want) {
				t.Errorf("expected %q in completion script", tt.want)
			}
		})
	}
}

func complete(t *testing.T, cfg *config.Config, args ...string) string {
	t.Helper()
	root := NewRootCommand(cfg, nil)
	var buf bytes.Buffer
	root.SetOut(&buf)
	root.SetErr(&bytes.Buffer{})
	root.SetArgs(append([]string{"__complete"}, args...))
	if err := root.Execute(); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	return buf.String()
}

func TestInstallCommand_SetCompletion(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.PluginSets = map[string]config.PluginSet{
		"auth": {Description: "Auth plugins", Plugins: []string{"foo@1.0.0"}},
		"core": {Plugins: []string{"bar@1.0.0"}},
	}

	output := complete(t, cfg, "install", "--set", "")
	if !strings.Contains(output, "auth\tAuth plugins") || !strings.Contains(output, "core") {
		t.Errorf("expected set names in completions, got: %s", output)
	}
}

func TestOutputFlagCompletion(t *testing.T) {
	output := complete(t, config.DefaultConfig(), "version", "--output", "")
	for _, format := range []string{"table", "json", "yaml", "quiet"} {
		if !strings.Contains(output, format+"\t") {
			t.Errorf("expected %s in completions, got: %s", format, output)
		}
	}
}

func TestCacheRemoveCompletion(t *testing.T) {
	cfg := testConfig(t)
	addPackage(t, cfg, "foo", "1.0.0")
	addPackage(t, cfg, "bar", "2.0.0")
	if _, err := run(t, cfg, "install", "--quiet", "foo@1.0.0", "bar@2.0.0"); err != nil {
		t.Fatalf("install: %v", err)
	}

	output := complete(t, cfg, "cache", "remove", "bar@2.0.0", "")
	if !strings.Contains(output, "foo@1.0.0") {
		t.Errorf("expected cached key in completions, got: %s", output)
	}
	if strings.Contains(output, "bar@2.0.0\n") {
		t.Errorf("already given key offered again: %s", output)
	}
}
