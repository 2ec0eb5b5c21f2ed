package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/grafbase/nexus/config"
)

func TestEffectiveACL_DenyDominatesAllow(t *testing.T) {
	acl := EffectiveACL{Allow: []string{"premium"}, Deny: []string{"premium"}}
	assert.False(t, acl.Allowed("premium", true))
}

func TestEffectiveACL_EmptyAllowRejectsEveryone(t *testing.T) {
	acl := EffectiveACL{Allow: []string{}}
	assert.False(t, acl.Allowed("premium", true))
	assert.False(t, acl.Allowed("", false))
}

func TestEffectiveACL_NonEmptyAllowRequiresMembership(t *testing.T) {
	acl := EffectiveACL{Allow: []string{"premium"}}
	assert.True(t, acl.Allowed("premium", true))
	assert.False(t, acl.Allowed("standard", true))
	assert.False(t, acl.Allowed("premium", false), "allow-list membership requires a known identity")
}

func TestEffectiveACL_NoRulesAdmitsAnonymous(t *testing.T) {
	acl := EffectiveACL{}
	assert.True(t, acl.Allowed("", false))
}

func TestEffectiveACL_DenyOnlyRequiresIdentityToClear(t *testing.T) {
	acl := EffectiveACL{Deny: []string{"blocked"}}
	assert.False(t, acl.Allowed("", false), "identity absence does not admit once any ACL is configured")
	assert.True(t, acl.Allowed("standard", true))
	assert.False(t, acl.Allowed("blocked", true))
}

func TestResolveACL_ToolOverrideReplacesServerWholesale(t *testing.T) {
	server := &config.ACLConfig{Allow: []string{"a", "b"}}
	tool := &config.ACLConfig{Deny: []string{"c"}}
	resolved := ResolveACL(server, tool)
	assert.Equal(t, tool.Deny, resolved.Deny)
	assert.Nil(t, resolved.Allow, "tool override replaces the server ACL entirely, it does not merge")
}

func TestResolveACL_FallsBackToServerWhenNoOverride(t *testing.T) {
	server := &config.ACLConfig{Allow: []string{"a"}}
	resolved := ResolveACL(server, nil)
	assert.Equal(t, server.Allow, resolved.Allow)
}
