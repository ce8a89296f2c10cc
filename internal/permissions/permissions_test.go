package permissions_test

import (
	"nexus-backend/internal/permissions"
	"testing"
)

func TestResolve(t *testing.T) {
	tests := []struct {
		name            string
		everyone        permissions.Capabilities
		everyoneChannel permissions.Override
		grants          []permissions.RoleGrant
		isOwner         bool
		expected        permissions.Capabilities
	}{
		{
			name:     "No roles: member inherits everyone",
			everyone: permissions.SendMessages | permissions.Connect,
			expected: permissions.SendMessages | permissions.Connect,
		},
		{
			name:     "Role grant adds to everyone",
			everyone: permissions.SendMessages,
			grants: []permissions.RoleGrant{
				{Position: 1, Role: permissions.Override{Allow: permissions.ManageMessages}},
			},
			expected: permissions.SendMessages | permissions.ManageMessages,
		},
		{
			name:     "Higher position role wins field by field",
			everyone: permissions.SendMessages,
			grants: []permissions.RoleGrant{
				{Position: 2, Role: permissions.Override{Allow: permissions.KickMembers}},
				{Position: 1, Role: permissions.Override{Deny: permissions.KickMembers}},
			},
			expected: permissions.SendMessages | permissions.KickMembers,
		},
		{
			name:     "Lower position deny loses to nothing above it",
			everyone: permissions.SendMessages,
			grants: []permissions.RoleGrant{
				{Position: 1, Role: permissions.Override{Deny: permissions.SendMessages}},
			},
			expected: 0,
		},
		{
			name:            "Channel override denies what roles grant",
			everyone:        permissions.SendMessages,
			everyoneChannel: permissions.Override{Deny: permissions.SendMessages},
			expected:        0,
		},
		{
			name:            "Held role channel override beats everyone channel override",
			everyone:        permissions.SendMessages,
			everyoneChannel: permissions.Override{Deny: permissions.SendMessages},
			grants: []permissions.RoleGrant{
				{Position: 1, Channel: permissions.Override{Allow: permissions.SendMessages}},
			},
			expected: permissions.SendMessages,
		},
		{
			name:     "Unset override is a no-op",
			everyone: permissions.SendMessages,
			grants: []permissions.RoleGrant{
				{Position: 1},
			},
			expected: permissions.SendMessages,
		},
		{
			name:     "Owner gets everything",
			everyone: 0,
			isOwner:  true,
			expected: permissions.All,
		},
		{
			name:     "Administrator bit escalates to everything",
			everyone: 0,
			grants: []permissions.RoleGrant{
				{Position: 1, Role: permissions.Override{Allow: permissions.Administrator}},
			},
			expected: permissions.All,
		},
		{
			name:            "Admin escalation survives channel denies",
			everyone:        permissions.SendMessages,
			everyoneChannel: permissions.Override{Deny: permissions.SendMessages},
			grants: []permissions.RoleGrant{
				{Position: 3, Role: permissions.Override{Allow: permissions.Administrator}},
			},
			expected: permissions.All,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := permissions.Resolve(tc.everyone, tc.everyoneChannel, tc.grants, tc.isOwner)
			if got != tc.expected {
				t.Errorf("Resolve() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestResolveIsPure(t *testing.T) {
	everyone := permissions.SendMessages
	grants := []permissions.RoleGrant{
		{Position: 2, Role: permissions.Override{Allow: permissions.KickMembers}},
		{Position: 1, Role: permissions.Override{Deny: permissions.KickMembers}},
	}

	first := permissions.Resolve(everyone, permissions.Override{}, grants, false)
	second := permissions.Resolve(everyone, permissions.Override{}, grants, false)

	if first != second {
		t.Errorf("Resolve() is not repeatable: first %v, second %v", first, second)
	}
	if grants[0].Position != 2 || grants[1].Position != 1 {
		t.Error("Resolve() reordered the caller's grant slice")
	}
}

func TestCanActOnRole(t *testing.T) {
	tests := []struct {
		name            string
		isOwner         bool
		highestPosition int
		rolePosition    int
		expected        bool
	}{
		{"Owner can act on any role", true, 0, 99, true},
		{"Higher role can act on lower", false, 2, 1, true},
		{"Equal position is forbidden", false, 2, 2, false},
		{"Lower role cannot act on higher", false, 1, 2, false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := permissions.CanActOnRole(tc.isOwner, tc.highestPosition, tc.rolePosition)
			if got != tc.expected {
				t.Errorf("CanActOnRole(%t, %d, %d) = %t, want %t",
					tc.isOwner, tc.highestPosition, tc.rolePosition, got, tc.expected)
			}
		})
	}
}
