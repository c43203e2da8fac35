package catalog

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/warden-sh/warden/pkg/api"
)

// Static content classification. These functions never touch the
// filesystem; the scanner reads the file and hands the text over.

var mcpTokens = []string{
	"model context protocol",
	"mcp.server",
	"fastmcp",
	"mcp_server",
}

var httpTokens = []string{
	"fastapi",
	"flask",
	"aiohttp",
	"uvicorn",
	"http.server",
	"tornado",
	"bottle",
}

var wsTokens = []string{
	"ws://",
	"wss://",
	"websockets.serve",
	"websocket",
}

// DetectKind infers the server kind from file content, falling back to the
// scan root's hint when nothing matches. Matching is case-insensitive and
// ordered: MCP markers win over HTTP frameworks, which win over WebSocket
// tokens.
func DetectKind(content string, hint api.ServerKind) api.ServerKind {
	lower := strings.ToLower(content)
	for _, tok := range mcpTokens {
		if strings.Contains(lower, tok) {
			return api.KindMCPStdio
		}
	}
	for _, tok := range httpTokens {
		if strings.Contains(lower, tok) {
			return api.KindHTTP
		}
	}
	for _, tok := range wsTokens {
		if strings.Contains(lower, tok) {
			return api.KindWebSocket
		}
	}
	if hint != "" {
		return hint
	}
	return api.KindUnknown
}

// Ordered port patterns; the first match anywhere in the file wins and no
// further patterns are tried.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`port\s*=\s*(\d{2,5})`),
	regexp.MustCompile(`PORT\s*=\s*(\d{2,5})`),
	regexp.MustCompile(`(?i)listen.*?:(\d{2,5})`),
	regexp.MustCompile(`127\.0\.0\.1:(\d{2,5})`),
	regexp.MustCompile(`0\.0\.0\.0:(\d{2,5})`),
	regexp.MustCompile(`localhost:(\d{2,5})`),
}

// DetectPort extracts a statically declared listen port, or nil when none
// is determinable.
func DetectPort(content string) *int {
	for _, pat := range portPatterns {
		m := pat.FindStringSubmatch(content)
		if m == nil {
			continue
		}
		port, err := strconv.Atoi(m[1])
		if err != nil || port < 1 || port > 65535 {
			continue
		}
		return &port
	}
	return nil
}

// DetectProtocol derives the health-check transport hint from the inferred
// kind.
func DetectProtocol(kind api.ServerKind) api.Protocol {
	switch kind {
	case api.KindHTTP, api.KindGateway:
		return api.ProtocolHTTP
	case api.KindWebSocket:
		return api.ProtocolWebSocket
	case api.KindMCPStdio:
		return api.ProtocolStdio
	default:
		return api.ProtocolNone
	}
}

var docstringPattern = regexp.MustCompile(`(?s)(?:"""|''')\s*(.*?)\s*(?:"""|''')`)

// ExtractDescription returns the first line of the file's leading docstring
// block, or empty when the file has none.
func ExtractDescription(content string) string {
	m := docstringPattern.FindStringSubmatch(content)
	if m == nil {
		return ""
	}
	first := strings.TrimSpace(strings.SplitN(m[1], "\n", 2)[0])
	return first
}
