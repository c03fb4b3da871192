package main

import "testing"

func TestParseEndpoints(t *testing.T) {
	endpoints, err := parseEndpoints("wss://dm-1.example.com:443, dm-2.example.com:2244")
	if err != nil {
		t.Fatalf("parse endpoints: %v", err)
	}
	if len(endpoints) != 2 {
		t.Fatalf("expected 2 endpoints, got %d", len(endpoints))
	}
	if !endpoints[0].WSS || endpoints[0].Host != "dm-1.example.com" || endpoints[0].Port != 443 {
		t.Fatalf("unexpected first endpoint: %+v", endpoints[0])
	}
	if endpoints[1].WSS || endpoints[1].Port != 2244 {
		t.Fatalf("unexpected second endpoint: %+v", endpoints[1])
	}
}

func TestParseEndpointsRejectsGarbage(t *testing.T) {
	cases := []string{"", "no-port", "host:notaport", "host:0", "host:70000"}
	for _, raw := range cases {
		if _, err := parseEndpoints(raw); err == nil {
			t.Fatalf("expected %q to be rejected", raw)
		}
	}
}
