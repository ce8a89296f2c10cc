package validator

import (
	"fmt"
	"regexp"
	"strings"
)

// domains we accept registrations from; throwaway providers stay out
var domains = []string{
	"gmail.com",
	"googlemail.com",
	"yahoo.com",
	"yahoo.co.uk",
	"hotmail.com",
	"outlook.com",
	"live.com",
	"icloud.com",
	"protonmail.com",
	"proton.me",
	"web.de",
	"gmx.de",
	"gmx.net",
}

func Email(email string) error {
	const maxlength = 64

	if len(email) > maxlength {
		return fmt.Errorf("long_email")
	}

	const emailRegex = `^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?@[a-zA-Z0-9]([a-zA-Z0-9.-]*[a-zA-Z0-9])?\.[a-zA-Z]{2,}$`
	if !regexp.MustCompile(emailRegex).MatchString(email) {
		return fmt.Errorf("bad_format")
	}

	for i := range len(domains) {
		if strings.HasSuffix(email, domains[i]) {
			return nil
		}
	}

	return fmt.Errorf("unknown_domain")
}

func Password(password string) error {
	length := len(password)
	if length < 6 {
		return fmt.Errorf("short_password")
	} else if length > 32 {
		return fmt.Errorf("long_password")
	}

	lowercase := regexp.MustCompile(`[a-z]`)
	uppercase := regexp.MustCompile(`[A-Z]`)
	number := regexp.MustCompile(`\d`)

	if !lowercase.MatchString(password) {
		return fmt.Errorf("no_lowercase")
	}
	if !uppercase.MatchString(password) {
		return fmt.Errorf("no_uppercase")
	}
	if !number.MatchString(password) {
		return fmt.Errorf("no_number")
	}
	return nil
}

// Username rules: 2-32 chars, lowercase alphanumerics plus dot,
// underscore, hyphen, no leading or trailing separator. Mentions are
// parsed as @username so the charset must stay word-boundary safe.
func Username(username string) error {
	length := len(username)
	if length < 2 {
		return fmt.Errorf("short_username")
	} else if length > 32 {
		return fmt.Errorf("long_username")
	}

	const usernameRegex = `^[a-z0-9]([a-z0-9._-]*[a-z0-9])?$`
	if !regexp.MustCompile(usernameRegex).MatchString(username) {
		return fmt.Errorf("bad_format")
	}
	return nil
}
