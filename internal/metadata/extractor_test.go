package metadata

import (
	"sync"
	"testing"

	"EchoTrace/internal/config"
)

func mustCompile(t *testing.T, defs ...config.IDPattern) []Pattern {
	t.Helper()
	patterns, err := Compile(defs)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	return patterns
}

func TestExtract_BinaryPatternOffset(t *testing.T) {
	// Marker at index 10, value 4 bytes after it, 30 byte payload.
	payload := make([]byte, 30)
	for i := range payload {
		payload[i] = '.'
	}
	copy(payload[10:], []byte{0xAB, 0xCD})
	copy(payload[14:], "sess-123")

	patterns := mustCompile(t, config.IDPattern{
		Pattern:     `\xAB\xCD`,
		IDType:      "interval_id",
		ValueOffset: 4,
		ValueLength: 8,
	})

	md := Extract(payload, patterns, 0)
	got, ok := md.Get("interval_id")
	if !ok {
		t.Fatalf("Expected interval_id to be extracted, got %v", md.IDs)
	}
	if got != string(payload[14:22]) {
		t.Errorf("Expected %q, got %q", payload[14:22], got)
	}
}

func TestExtract_NegativeOffset(t *testing.T) {
	payload := []byte("ID=abcd|MARK")
	patterns := mustCompile(t, config.IDPattern{
		Pattern:     `\x7CMARK`, // "|MARK"
		IDType:      "call_id",
		ValueOffset: -4,
		ValueLength: 4,
	})

	md := Extract(payload, patterns, 0)
	if got, _ := md.Get("call_id"); got != "abcd" {
		t.Errorf("Expected 'abcd', got %q", got)
	}
}

func TestExtract_OutOfBoundsYieldsNothing(t *testing.T) {
	payload := []byte{0x01, 0x02, 0xFF, 0x00, 0x41}
	cases := []struct {
		name   string
		offset int
		length int
	}{
		{"past end", 1, 10},
		{"before start", -5, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			patterns := mustCompile(t, config.IDPattern{
				Pattern: `\xFF`, IDType: "x", ValueOffset: tc.offset, ValueLength: tc.length,
			})
			md := Extract(payload, patterns, 0)
			if md.Len() != 0 {
				t.Errorf("Expected no ids, got %v", md.IDs)
			}
		})
	}
}

func TestExtract_RegexAfterHeaderOffset(t *testing.T) {
	payload := append([]byte("HDR0"), []byte(`{"interval_id":"7f9c","position":12}`)...)
	patterns := mustCompile(t,
		config.IDPattern{Pattern: `"interval_id":"([^"]+)"`, IDType: "interval_id"},
		config.IDPattern{Pattern: `"position":(\d+)`, IDType: "position"},
		config.IDPattern{Pattern: `"missing":"(\w+)"`, IDType: "missing"},
	)

	md := Extract(payload, patterns, 4)
	if got, _ := md.Get("interval_id"); got != "7f9c" {
		t.Errorf("Expected interval_id '7f9c', got %q", got)
	}
	if got, _ := md.Get("position"); got != "12" {
		t.Errorf("Expected position '12', got %q", got)
	}
	if _, ok := md.Get("missing"); ok {
		t.Error("Pattern without a match should not produce a value")
	}
}

func TestExtract_RegexIgnoresBytesBeforeHeaderOffset(t *testing.T) {
	payload := []byte(`id=aaaa;id=bbbb`)
	patterns := mustCompile(t, config.IDPattern{Pattern: `id=(\w+)`, IDType: "id"})

	md := Extract(payload, patterns, 8)
	if got, _ := md.Get("id"); got != "bbbb" {
		t.Errorf("Expected 'bbbb', got %q", got)
	}
}

func TestExtract_ShortPayloadIsEmpty(t *testing.T) {
	patterns := mustCompile(t, config.IDPattern{Pattern: `(.*)`, IDType: "all"})
	md := Extract([]byte("abc"), patterns, 3)
	if md.Len() != 0 {
		t.Errorf("Expected empty metadata for payload not longer than header offset, got %v", md.IDs)
	}
}

func TestExtract_InvalidUTF8IsLossy(t *testing.T) {
	payload := []byte{0xAA, 'o', 'k', 0xFF, 0xFE, '!'}
	patterns := mustCompile(t, config.IDPattern{Pattern: `\xAA`, IDType: "v", ValueOffset: 1, ValueLength: 5})
	md := Extract(payload, patterns, 0)
	if got, _ := md.Get("v"); got != "ok\uFFFD!" {
		t.Errorf("Expected lossy decode, got %q", got)
	}
}

func TestCompile_Errors(t *testing.T) {
	cases := []config.IDPattern{
		{Pattern: `\xZZ`, IDType: "bad_hex"},
		{Pattern: `\x4`, IDType: "truncated"},
		{Pattern: `([`, IDType: "bad_regex"},
	}
	for _, def := range cases {
		if _, err := Compile([]config.IDPattern{def}); err == nil {
			t.Errorf("Expected error compiling %q", def.Pattern)
		}
	}
}

func TestExtractor_Concurrent(t *testing.T) {
	ex, err := NewExtractor(config.MetadataExtraction{
		IDPatterns: []config.IDPattern{{Pattern: `sid=(\w+)`, IDType: "session_id"}},
	})
	if err != nil {
		t.Fatalf("NewExtractor failed: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				md := ex.Extract([]byte("sid=abc123 rest"))
				if got, _ := md.Get("session_id"); got != "abc123" {
					t.Errorf("Unexpected session id %q", got)
					return
				}
			}
		}()
	}
	wg.Wait()
}
