package main

import "testing"

func TestParseHeaders(t *testing.T) {
	got, err := parseHeaders([]string{"Authorization=Bearer a=b", " x-trace =1", "empty="})
	if err != nil {
		t.Fatalf("parseHeaders: %v", err)
	}
	if got["Authorization"] != "Bearer a=b" {
		t.Errorf("Authorization = %q", got["Authorization"])
	}
	if got["x-trace"] != "1" {
		t.Errorf("x-trace = %q", got["x-trace"])
	}
	if v, ok := got["empty"]; !ok || v != "" {
		t.Errorf("empty = %q, %v", v, ok)
	}
}

func TestParseHeadersRejectsMalformed(t *testing.T) {
	for _, in := range []string{"novalue", "=v", "  =v"} {
		if _, err := parseHeaders([]string{in}); err == nil {
			t.Errorf("parseHeaders(%q) succeeded, want error", in)
		}
	}
}
