package mcp

import "github.com/grafbase/nexus/config"

// EffectiveACL is the resolved {allow, deny} pair for one tool after
// applying the tool-level override onto the server-level default (spec
// §4.2 "tool-level overrides").
type EffectiveACL struct {
	Allow []string
	Deny  []string
}

// ResolveACL merges a server's ACL with a tool-level override, the
// tool-level fields replacing the server's wholesale when present (not a
// per-field merge — a tool ACL fully supersedes the server's for that
// tool).
func ResolveACL(serverACL *config.ACLConfig, toolACL *config.ACLConfig) EffectiveACL {
	if toolACL != nil {
		return EffectiveACL{Allow: toolACL.Allow, Deny: toolACL.Deny}
	}
	if serverACL != nil {
		return EffectiveACL{Allow: serverACL.Allow, Deny: serverACL.Deny}
	}
	return EffectiveACL{}
}

// configured reports whether any ACL rule applies at all (used to decide
// whether identity absence should admit).
func (a EffectiveACL) configured() bool {
	return len(a.Allow) > 0 || len(a.Deny) > 0
}

// Allowed implements spec §4.2's access-control semantics: deny dominates,
// allow=[] rejects everyone, a non-empty allow list requires membership,
// and a call without caller identity is admitted only when no ACL is
// configured at all.
func (a EffectiveACL) Allowed(group string, hasIdentity bool) bool {
	if hasIdentity {
		for _, g := range a.Deny {
			if g == group {
				return false
			}
		}
	}
	if a.Allow != nil {
		if len(a.Allow) == 0 {
			return false // allow = [] rejects everyone, identity or not
		}
		if !hasIdentity {
			return false
		}
		for _, g := range a.Allow {
			if g == group {
				return true
			}
		}
		return false
	}
	if a.configured() && !hasIdentity {
		return false // deny-only ACL configured: identity required to clear it
	}
	return true
}
