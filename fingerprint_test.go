package stepflow

import (
	"testing"

	"github.com/sebdah/goldie/v2"
)

func TestFingerprintInput_Golden(t *testing.T) {
	g := goldie.New(t,
		goldie.WithFixtureDir("testdata"),
		goldie.WithNameSuffix(".golden"),
	)

	structInput, err := FingerprintInput("account", testRequest{Name: "Ana", Amount: 10})
	if err != nil {
		t.Fatalf("FingerprintInput: %v", err)
	}
	g.Assert(t, "fingerprint_input_struct", structInput)

	// Keys arrive unsorted, "a" is decomposed (e + combining acute) and "b"
	// would be HTML-escaped by a plain json.Marshal.
	mapInput, err := FingerprintInput("orders", map[string]any{
		"n":    1.5,
		"list": []any{"z", 2},
		"b":    "<tag>&",
		"a":    "e\u0301",
	})
	if err != nil {
		t.Fatalf("FingerprintInput: %v", err)
	}
	g.Assert(t, "fingerprint_input_map", mapInput)
}

func TestHMACHasher_KnownVectors(t *testing.T) {
	tests := []struct {
		name     string
		key      string
		pipeline string
		request  any
		want     string
	}{
		{
			name:     "default key",
			pipeline: "account",
			request:  testRequest{Name: "Ana", Amount: 10},
			want:     "lKEsd9gCalT5ri/wmFEbJ69EaPuehfq9JSYRlmujzz0=",
		},
		{
			name:     "custom key",
			key:      "secret",
			pipeline: "account",
			request:  testRequest{Name: "Ana", Amount: 10},
			want:     "41Wa5o2xF1JbMh7Adb3PiUZ+QJ7OYrSDNRe51Fo2gZ8=",
		},
		{
			name:     "normalised map",
			pipeline: "orders",
			request:  map[string]any{"a": "e\u0301", "b": "<tag>&", "list": []any{"z", 2}, "n": 1.5},
			want:     "74Z0lBJVCGdh+QDTIA3XjVyVYKupDGBeH9VzslxnEag=",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewHMACHasher(tt.key).Fingerprint(tt.pipeline, tt.request)
			if err != nil {
				t.Fatalf("Fingerprint: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, got)
			}
		})
	}
}

func TestHMACHasher_Properties(t *testing.T) {
	h := NewHMACHasher("")
	req := testRequest{Name: "Ana", Amount: 10}

	a, _ := h.Fingerprint("account", req)
	b, _ := h.Fingerprint("account", req)
	if a != b {
		t.Error("fingerprint should be deterministic")
	}
	if c, _ := h.Fingerprint("deposit", req); c == a {
		t.Error("fingerprint should depend on the pipeline name")
	}
	if d, _ := h.Fingerprint("account", testRequest{Name: "Ana", Amount: 11}); d == a {
		t.Error("fingerprint should depend on the request")
	}
	composed, _ := h.Fingerprint("account", testRequest{Name: "Jos\u00e9"})
	decomposed, _ := h.Fingerprint("account", testRequest{Name: "Jose\u0301"})
	if composed != decomposed {
		t.Error("canonically equivalent strings should share a fingerprint")
	}
}

func TestCanonicalJSON_Unsupported(t *testing.T) {
	if _, err := CanonicalJSON(map[string]any{"ch": make(chan int)}); err == nil {
		t.Fatal("expected error for unsupported value")
	}
}

func TestSnapshotKey(t *testing.T) {
	if got := SnapshotKey("", "abc"); got != "abc" {
		t.Errorf("expected bare fingerprint, got %q", got)
	}
	if got := SnapshotKey("svc", "abc"); got != "svc:pipeline:abc" {
		t.Errorf("expected prefixed key, got %q", got)
	}
}
