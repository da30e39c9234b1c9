package model

import (
	"strings"
	"testing"
)

func TestMaskKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want string
	}{
		{"long key keeps ends", "ghp_abcdefghijklmnop", "ghp_abcd********mnop"},
		{"short key fully starred", "tiny", "****"},
		{"boundary twelve chars", "123456789012", "************"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := MaskKey(tt.key); got != tt.want {
				t.Errorf("MaskKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestMaskKeyNeverLeaksMiddle(t *testing.T) {
	key := "ghp_secretvalue1234567890"
	masked := MaskKey(key)
	if strings.Contains(masked, "secretvalue") {
		t.Errorf("masked form leaks the middle: %q", masked)
	}
}

func TestExtensionValidate(t *testing.T) {
	tests := []struct {
		name    string
		ext     Extension
		wantErr bool
	}{
		{"builtin", Extension{Name: "dev", Kind: ExtensionBuiltin}, false},
		{"stdio ok", Extension{Name: "gh", Kind: ExtensionStdio, Cmd: "gh-mcp"}, false},
		{"stdio missing cmd", Extension{Name: "gh", Kind: ExtensionStdio}, true},
		{"sse ok", Extension{Name: "s", Kind: ExtensionSSE, URI: "http://x"}, false},
		{"sse missing uri", Extension{Name: "s", Kind: ExtensionSSE}, true},
		{"streamable_http missing uri", Extension{Name: "h", Kind: ExtensionStreamableHTTP}, true},
		{"inline_python ok", Extension{Name: "py", Kind: ExtensionInlinePython, Code: "print(1)"}, false},
		{"inline_python missing code", Extension{Name: "py", Kind: ExtensionInlinePython}, true},
		{"unknown kind", Extension{Name: "x", Kind: "carrier-pigeon"}, true},
		{"missing name", Extension{Kind: ExtensionBuiltin}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.ext.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestSerializeExtensionsEnabledOnly(t *testing.T) {
	exts := []Extension{
		{Name: "a", Kind: ExtensionBuiltin, Enabled: true},
		{Name: "b", Kind: ExtensionStdio, Cmd: "b-mcp", Enabled: false},
		{Name: "c", Kind: ExtensionSSE, URI: "http://c", Enabled: true},
	}
	out, err := SerializeExtensions(exts)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(out, `"b"`) {
		t.Errorf("disabled extension serialized: %s", out)
	}
	if !strings.Contains(out, `"a"`) || !strings.Contains(out, `"c"`) {
		t.Errorf("enabled extensions missing: %s", out)
	}
	// Insertion order is preserved.
	if strings.Index(out, `"a"`) > strings.Index(out, `"c"`) {
		t.Errorf("order not preserved: %s", out)
	}
}

func TestSerializeExtensionsEmpty(t *testing.T) {
	out, err := SerializeExtensions(nil)
	if err != nil {
		t.Fatal(err)
	}
	if out != "[]" {
		t.Errorf("empty set = %q, want []", out)
	}
}
