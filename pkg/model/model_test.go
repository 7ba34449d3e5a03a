package model

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr error
	}{
		{"valid simple", "alice", nil},
		{"valid with numbers", "user123", nil},
		{"valid with underscore", "my_user", nil},
		{"valid with hyphen", "my-user", nil},
		{"valid mixed", "A-b_3", nil},
		{"valid max length", strings.Repeat("a", MaxUsernameLength), nil},
		{"empty", "", ErrUsernameEmpty},
		{"too long", strings.Repeat("a", MaxUsernameLength+1), ErrUsernameTooLong},
		{"way too long", strings.Repeat("x", 65), ErrUsernameTooLong},
		{"contains space", "has space", ErrUsernameInvalidChars},
		{"contains dot", "user.name", ErrUsernameInvalidChars},
		{"contains @", "user@name", ErrUsernameInvalidChars},
		{"unicode letter", "Ã±oÃ±o", ErrUsernameInvalidChars},
		{"emoji", "userðŸ˜€", ErrUsernameInvalidChars},
		{"tab character", "user\tname", ErrUsernameInvalidChars},
		{"newline", "user\nname", ErrUsernameInvalidChars},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateUsername(tt.input)
			if err != tt.wantErr {
				t.Errorf("ValidateUsername(%q) = %v, want %v", tt.input, err, tt.wantErr)
			}
		})
	}
}

func TestRoleValid(t *testing.T) {
	tests := []struct {
		name string
		role Role
		want bool
	}{
		{"RoleAdmin", RoleAdmin, true},
		{"RoleModerator", RoleModerator, true},
		{"RoleUser", RoleUser, true},
		{"zero", Role(0), false},
		{"negative", Role(-1), false},
		{"four", Role(4), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.role.Valid(); got != tt.want {
				t.Errorf("Role(%d).Valid() = %v, want %v", tt.role, got, tt.want)
			}
		})
	}
}

func TestRoleAtLeast(t *testing.T) {
	tests := []struct {
		name  string
		role  Role
		other Role
		want  bool
	}{
		{"admin over moderator", RoleAdmin, RoleModerator, true},
		{"moderator equals moderator", RoleModerator, RoleModerator, true},
		{"user below moderator", RoleUser, RoleModerator, false},
		{"invalid never qualifies", Role(0), RoleUser, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.role.AtLeast(tt.other); got != tt.want {
				t.Errorf("Role(%d).AtLeast(%d) = %v, want %v", tt.role, tt.other, got, tt.want)
			}
		})
	}
}

func TestRoleString(t *testing.T) {
	tests := []struct {
		role Role
		want string
	}{
		{RoleUser, "user"},
		{RoleModerator, "moderator"},
		{RoleAdmin, "admin"},
		{Role(99), "unknown(99)"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.role.String(); got != tt.want {
				t.Errorf("Role(%d).String() = %q, want %q", tt.role, got, tt.want)
			}
		})
	}
}

func TestParseRole(t *testing.T) {
	tests := []struct {
		input string
		want  Role
	}{
		{"admin", RoleAdmin},
		{"1", RoleAdmin},
		{"moderator", RoleModerator},
		{"mod", RoleModerator},
		{"user", RoleUser},
		{"", RoleUser},
		{"unknown", RoleUser},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			if got := ParseRole(tt.input); got != tt.want {
				t.Errorf("ParseRole(%q) = %d, want %d", tt.input, got, tt.want)
			}
		})
	}
}

func TestParseStatus(t *testing.T) {
	for _, s := range []string{"online", "away", "busy", "offline"} {
		got, err := ParseStatus(s)
		if err != nil {
			t.Fatalf("ParseStatus(%q): unexpected error: %v", s, err)
		}
		if string(got) != s {
			t.Errorf("ParseStatus(%q) = %q", s, got)
		}
	}
	if _, err := ParseStatus("invisible"); !errors.Is(err, ErrInvalidStatus) {
		t.Errorf("ParseStatus(invisible) err = %v, want %v", err, ErrInvalidStatus)
	}
}

func TestMessageValidate(t *testing.T) {
	tests := map[string]struct {
		msg     Message
		wantErr error
	}{
		"ok":        {Message{Body: "hi"}, nil},
		"blank":     {Message{Body: "   "}, ErrMessageBodyEmpty},
		"too long":  {Message{Body: strings.Repeat("x", MessageMaxBodyLength+1)}, ErrMessageBodyTooLong},
		"exact max": {Message{Body: strings.Repeat("x", MessageMaxBodyLength)}, nil},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			if err := tc.msg.Validate(); err != tc.wantErr {
				t.Errorf("Validate() = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestBanActive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	permanent := Ban{}
	expired := Ban{ExpiresAt: now.Add(-time.Minute)}
	pending := Ban{ExpiresAt: now.Add(time.Minute)}

	if !permanent.Active(now) {
		t.Error("permanent ban should be active")
	}
	if expired.Active(now) {
		t.Error("expired ban should not be active")
	}
	if !pending.Active(now) {
		t.Error("unexpired ban should be active")
	}
}
