package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Scope identifies which level of spec §3's RateLimitKey composite a key
// belongs to.
type Scope string

const (
	ScopeGlobal             Scope = "global"
	ScopeIP                 Scope = "ip"
	ScopeMCPServer          Scope = "mcp_server"
	ScopeMCPTool            Scope = "mcp_tool"
	ScopeLLMProviderPerUser Scope = "llm_provider_per_user"
	ScopeLLMModelPerUser    Scope = "llm_model_per_user"
)

// Key renders a RateLimitKey composite (spec §3) into the flat string the
// Store interface consumes.
type Key struct {
	Scope    Scope
	Server   string
	Tool     string
	Provider string
	Model    string
	ClientID string
	Group    string
	IPHash   string
}

// HashIP hashes a client IP for use in an Ip-scoped key, so raw IPs never
// appear in Redis keys or logs.
func HashIP(ip string) string {
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}

// String renders the key deterministically; Store implementations treat it
// as an opaque cache/Redis key.
func (k Key) String() string {
	switch k.Scope {
	case ScopeGlobal:
		return "global"
	case ScopeIP:
		return fmt.Sprintf("ip:%s", k.IPHash)
	case ScopeMCPServer:
		return fmt.Sprintf("mcp_server:%s", k.Server)
	case ScopeMCPTool:
		return fmt.Sprintf("mcp_tool:%s:%s", k.Server, k.Tool)
	case ScopeLLMProviderPerUser:
		return fmt.Sprintf("llm_provider:%s:%s:%s", k.Provider, k.ClientID, k.Group)
	case ScopeLLMModelPerUser:
		return fmt.Sprintf("llm_model:%s:%s:%s:%s", k.Provider, k.Model, k.ClientID, k.Group)
	default:
		return fmt.Sprintf("unknown:%s", k.Scope)
	}
}
