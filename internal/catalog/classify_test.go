package catalog

import (
	"testing"

	"github.com/warden-sh/warden/pkg/api"
)

func TestDetectKind(t *testing.T) {
	tests := []struct {
		name    string
		content string
		hint    api.ServerKind
		want    api.ServerKind
	}{
		{"fastmcp server", "from fastmcp import FastMCP\nmcp = FastMCP('tools')", "", api.KindMCPStdio},
		{"model context protocol comment", "# A Model Context Protocol server\nimport sys", "", api.KindMCPStdio},
		{"fastapi app", "from fastapi import FastAPI\napp = FastAPI()", "", api.KindHTTP},
		{"flask app", "from flask import Flask", "", api.KindHTTP},
		{"websocket server", "import websockets\nawait websockets.serve(handler, 'localhost', 8765)", "", api.KindWebSocket},
		{"mcp beats http", "from fastapi import FastAPI\n# exposes mcp.server tools", "", api.KindMCPStdio},
		{"falls back to hint", "print('hello')", api.KindGateway, api.KindGateway},
		{"no match no hint", "print('hello')", "", api.KindUnknown},
		{"case insensitive", "FROM FASTAPI IMPORT FastAPI", "", api.KindHTTP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DetectKind(tt.content, tt.hint); got != tt.want {
				t.Errorf("DetectKind() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDetectPort(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int // 0 means nil expected
	}{
		{"lowercase assignment", "port = 8080\napp.run()", 8080},
		{"uppercase assignment", "PORT = 9000", 9000},
		{"listen address", "server.listen('0.0.0.0:8443')", 8443},
		{"loopback address", "url = 'http://127.0.0.1:5000/health'", 5000},
		{"first pattern wins", "port = 8080\nPORT = 9090\nlisten :7070", 8080},
		{"no port", "print('no server here')", 0},
		{"out of range ignored", "port = 99999", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DetectPort(tt.content)
			if tt.want == 0 {
				if got != nil {
					t.Errorf("DetectPort() = %d, want nil", *got)
				}
				return
			}
			if got == nil {
				t.Fatalf("DetectPort() = nil, want %d", tt.want)
			}
			if *got != tt.want {
				t.Errorf("DetectPort() = %d, want %d", *got, tt.want)
			}
		})
	}
}

func TestDetectProtocol(t *testing.T) {
	tests := []struct {
		kind api.ServerKind
		want api.Protocol
	}{
		{api.KindHTTP, api.ProtocolHTTP},
		{api.KindGateway, api.ProtocolHTTP},
		{api.KindWebSocket, api.ProtocolWebSocket},
		{api.KindMCPStdio, api.ProtocolStdio},
		{api.KindUnknown, api.ProtocolNone},
		{api.KindDesktop, api.ProtocolNone},
	}
	for _, tt := range tests {
		if got := DetectProtocol(tt.kind); got != tt.want {
			t.Errorf("DetectProtocol(%s) = %q, want %q", tt.kind, got, tt.want)
		}
	}
}

func TestExtractDescription(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"double quoted docstring", "\"\"\"Weather tool server.\n\nLong details.\n\"\"\"\nimport sys", "Weather tool server."},
		{"single quoted docstring", "'''Tiny echo server'''\nprint('hi')", "Tiny echo server"},
		{"no docstring", "import sys\nprint('hi')", ""},
		{"leading whitespace", "\"\"\"\n  Indented summary line\n\"\"\"", "Indented summary line"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ExtractDescription(tt.content); got != tt.want {
				t.Errorf("ExtractDescription() = %q, want %q", got, tt.want)
			}
		})
	}
}
