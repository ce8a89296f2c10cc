package jwt

import (
	"strings"
	"testing"
)

func TestTokenRoundTrip(t *testing.T) {
	Setup("test-secret", false)

	token, cookie, err := CreateToken(false, 12345)
	if err != nil {
		t.Fatal(err)
	}
	if cookie.Name != "session" || cookie.Value != token {
		t.Errorf("cookie does not carry the token")
	}

	accountID, err := ValidateSessionToken(token)
	if err != nil {
		t.Fatal(err)
	}
	if accountID != 12345 {
		t.Errorf("got account id %d, expected 12345", accountID)
	}
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	Setup("first-secret", false)
	token, _, err := CreateToken(false, 7)
	if err != nil {
		t.Fatal(err)
	}

	Setup("second-secret", false)
	_, err = ValidateSessionToken(token)
	if err == nil {
		t.Error("token signed with a different secret validated")
	}
}

func TestValidateRejectsGarbage(t *testing.T) {
	Setup("test-secret", false)

	tests := []struct {
		name  string
		token string
	}{
		{"empty", ""},
		{"not a jwt", "hello"},
		{"truncated", "eyJhbGciOiJIUzUxMiIs"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ValidateSessionToken(tt.token); err == nil {
				t.Errorf("token [%s] validated", tt.token)
			}
		})
	}
}

func TestRememberMeExtendsCookie(t *testing.T) {
	Setup("test-secret", true)

	_, short, err := CreateToken(false, 1)
	if err != nil {
		t.Fatal(err)
	}
	_, long, err := CreateToken(true, 1)
	if err != nil {
		t.Fatal(err)
	}

	if !short.Expires.IsZero() {
		t.Error("session cookie should expire with the browser session")
	}
	if long.Expires.IsZero() {
		t.Error("remember-me cookie should carry an expiry")
	}
	if !short.Secure || !long.Secure {
		t.Error("cookies over https should be secure")
	}
}

func TestTokenIsCompactJWT(t *testing.T) {
	Setup("test-secret", false)

	token, _, err := CreateToken(false, 1)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Count(token, ".") != 2 {
		t.Errorf("expected three-part compact form, got [%s]", token)
	}
}
