package auth

import (
	"fmt"
	"strings"
)

// Scope names advertised in discovery metadata and required per method.
const (
	ScopeAccess      = "mcp:access"
	ScopeToolsList   = "mcp:tools:list"
	ScopeToolsCall   = "mcp:tools:call"
	ScopePromptsRead = "mcp:prompts:read"
	ScopeResources   = "mcp:resources:read"
	ScopeCompletions = "mcp:completions"
	ScopeLogging     = "mcp:logging"
)

// AllScopes is the scopes_supported list for the protected-resource document.
func AllScopes() []string {
	return []string{
		ScopeAccess,
		ScopeToolsList,
		ScopeToolsCall,
		ScopePromptsRead,
		ScopeResources,
		ScopeCompletions,
		ScopeLogging,
	}
}

// RequiredScopes maps a JSON-RPC method to the scopes a JWT principal must
// hold. Nil means the method is exempt. The tool name feeds the optional
// per-tool scope on tools/call.
func RequiredScopes(method, tool string, perTool bool) []string {
	method = strings.TrimSpace(method)
	if method == "" || method == "initialize" || method == "ping" ||
		strings.HasPrefix(method, "notifications/") {
		return nil
	}

	scopes := []string{ScopeAccess}
	switch {
	case method == "tools/list":
		scopes = append(scopes, ScopeToolsList)
	case method == "tools/call":
		scopes = append(scopes, ScopeToolsCall)
		if perTool && tool != "" {
			scopes = append(scopes, ScopeToolsCall+":"+tool)
		}
	case strings.HasPrefix(method, "prompts/"):
		scopes = append(scopes, ScopePromptsRead)
	case strings.HasPrefix(method, "resources/"):
		scopes = append(scopes, ScopeResources)
	case method == "completion/complete":
		scopes = append(scopes, ScopeCompletions)
	case method == "logging/setLevel":
		scopes = append(scopes, ScopeLogging)
	}
	return scopes
}

// CheckScopes verifies the principal satisfies every required scope and
// returns the first missing one.
func CheckScopes(p *Principal, required []string) (missing string, ok bool) {
	for _, scope := range required {
		if !p.HasScope(scope) {
			return scope, false
		}
	}
	return "", true
}

// WWWAuthenticate renders the challenge header attached to 403 responses.
func WWWAuthenticate(required []string, resourceMetadataURL string) string {
	parts := []string{`Bearer error="insufficient_scope"`}
	if len(required) > 0 {
		parts = append(parts, fmt.Sprintf("scope=%q", strings.Join(required, " ")))
	}
	if resourceMetadataURL != "" {
		parts = append(parts, fmt.Sprintf("resource_metadata=%q", resourceMetadataURL))
	}
	return strings.Join(parts, ", ")
}
