package auth

import (
	"encoding/json"
	"net/http"
	"strings"
)

// ProtectedResourceMetadata is the RFC 9728 document served from
// /.well-known/oauth-protected-resource and its /mcp variant.
type ProtectedResourceMetadata struct {
	Resource               string   `json:"resource"`
	AuthorizationServers   []string `json:"authorization_servers,omitempty"`
	ScopesSupported        []string `json:"scopes_supported"`
	BearerMethodsSupported []string `json:"bearer_methods_supported"`
	ResourceName           string   `json:"resource_name"`
}

// ProtectedResourceHandler serves the discovery document. externalURL is
// the public base address of this deployment; issuer points clients at the
// authorization server that mints accepted tokens.
func ProtectedResourceHandler(externalURL, issuer, resourceName string) http.HandlerFunc {
	base := strings.TrimRight(externalURL, "/")
	doc := ProtectedResourceMetadata{
		Resource:               base + "/mcp",
		ScopesSupported:        AllScopes(),
		BearerMethodsSupported: []string{"header"},
		ResourceName:           resourceName,
	}
	if issuer != "" {
		doc.AuthorizationServers = []string{issuer}
	}

	body, _ := json.Marshal(doc)
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "public, max-age=3600")
		_, _ = w.Write(body)
	}
}
