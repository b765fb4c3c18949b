// Package clientdetect implements the client detector (C4): mapping
// User-Agent (falling back to X-Forwarded-User-Agent) to a closed set of
// client types with static policy flags.
package clientdetect

import "strings"

// ClientType is one of the closed set of recognized client shapes.
type ClientType string

const (
	ClaudeCode  ClientType = "claude_code"
	Cursor      ClientType = "cursor"
	Augment     ClientType = "augment"
	Windsurf    ClientType = "windsurf"
	Cline       ClientType = "cline"
	ContinueDev ClientType = "continue_dev"
	Aider       ClientType = "aider"
	Zed         ClientType = "zed"
	Copilot     ClientType = "copilot"
	OpenAIAPI   ClientType = "openai_api"
	Unknown     ClientType = "unknown"
)

// Info is the detected client's identity and static policy flags
// (spec.md §3 ClientInfo).
type Info struct {
	Type                    ClientType
	Version                 string
	NeedsSanitization       bool
	EnableCrossPoolFallback bool
	EncodeSignatureIntoToolID bool
}

// flags is the fixed per-client-type policy table (spec.md §4.9). IDE/CLI
// agent clients that are known to mangle thinking blocks get sanitized and
// cross-pool fallback; clients that rewrite tool ids never get signature
// decoration since the decoration would be stripped or desynced anyway.
var flags = map[ClientType]Info{
	ClaudeCode:  {NeedsSanitization: false, EnableCrossPoolFallback: true, EncodeSignatureIntoToolID: false},
	Cursor:      {NeedsSanitization: true, EnableCrossPoolFallback: true, EncodeSignatureIntoToolID: true},
	Augment:     {NeedsSanitization: true, EnableCrossPoolFallback: true, EncodeSignatureIntoToolID: true},
	Windsurf:    {NeedsSanitization: true, EnableCrossPoolFallback: true, EncodeSignatureIntoToolID: true},
	Cline:       {NeedsSanitization: true, EnableCrossPoolFallback: true, EncodeSignatureIntoToolID: false},
	ContinueDev: {NeedsSanitization: true, EnableCrossPoolFallback: true, EncodeSignatureIntoToolID: false},
	Aider:       {NeedsSanitization: true, EnableCrossPoolFallback: false, EncodeSignatureIntoToolID: false},
	Zed:         {NeedsSanitization: true, EnableCrossPoolFallback: true, EncodeSignatureIntoToolID: false},
	Copilot:     {NeedsSanitization: true, EnableCrossPoolFallback: false, EncodeSignatureIntoToolID: false},
	OpenAIAPI:   {NeedsSanitization: false, EnableCrossPoolFallback: false, EncodeSignatureIntoToolID: false},
	Unknown:     {NeedsSanitization: true, EnableCrossPoolFallback: false, EncodeSignatureIntoToolID: false},
}

// substringMatchers are the only detection rule: the lowercased user agent
// is checked against each needle, and an agent matching none of them is
// classified as Unknown. There is no looser regex fallback.
var substringMatchers = []struct {
	needle string
	typ    ClientType
}{
	{"claude-cli", ClaudeCode},
	{"claude-code", ClaudeCode},
	{"cursor", Cursor},
	{"augment", Augment},
	{"windsurf", Windsurf},
	{"cline", Cline},
	{"continue", ContinueDev},
	{"aider", Aider},
	{"zed", Zed},
	{"github-copilot", Copilot},
	{"copilot", Copilot},
	{"openai-python", OpenAIAPI},
	{"openai/", OpenAIAPI},
}

// Detect maps a User-Agent header (with X-Forwarded-User-Agent as
// fallback) to an Info, case-insensitively.
func Detect(userAgent, forwardedUserAgent string) Info {
	ua := strings.ToLower(strings.TrimSpace(userAgent))
	if ua == "" {
		ua = strings.ToLower(strings.TrimSpace(forwardedUserAgent))
	}

	typ := Unknown
	for _, m := range substringMatchers {
		if strings.Contains(ua, m.needle) {
			typ = m.typ
			break
		}
	}

	info := flags[typ]
	info.Type = typ
	info.Version = extractVersion(ua)
	return info
}

func extractVersion(ua string) string {
	idx := strings.LastIndex(ua, "/")
	if idx < 0 || idx == len(ua)-1 {
		return ""
	}
	v := ua[idx+1:]
	if end := strings.IndexAny(v, " \t"); end >= 0 {
		v = v[:end]
	}
	return v
}
