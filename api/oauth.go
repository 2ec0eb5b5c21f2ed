package api

import "net/http"

// oauthProtectedResource is GET /.well-known/oauth-protected-resource's body
// (RFC 9728 Protected Resource Metadata, reduced to the two fields spec §6
// names).
type oauthProtectedResource struct {
	Resource              string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// OAuthMetadataHandler serves the static resource-metadata document derived
// from config.IdentityConfig at startup.
type OAuthMetadataHandler struct {
	body oauthProtectedResource
}

func NewOAuthMetadataHandler(resource string, authzServers []string) *OAuthMetadataHandler {
	return &OAuthMetadataHandler{body: oauthProtectedResource{Resource: resource, AuthorizationServers: authzServers}}
}

func (h *OAuthMetadataHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.body)
}
