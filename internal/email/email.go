// Package email provides common email address helpers.
package email

import (
	"errors"
	"fmt"
	"net/mail"
	"strings"
)

// ErrInvalidAddress is returned for addresses that cannot be parsed
var ErrInvalidAddress = errors.New("invalid email address")

// Normalize validates an address and returns its bare, lower-cased form
func Normalize(address string) (string, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(address))
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidAddress, address, err)
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return "", fmt.Errorf("%w %q: missing domain", ErrInvalidAddress, address)
	}
	return strings.ToLower(addr.Address), nil
}

// ExtractDomain extracts the domain part from an email address.
// Returns empty string if the email is invalid.
func ExtractDomain(email string) string {
	addr, err := mail.ParseAddress(email)
	if err != nil {
		// Try simple extraction for malformed addresses
		at := strings.LastIndex(email, "@")
		if at <= 0 || at == len(email)-1 {
			return ""
		}
		return strings.ToLower(email[at+1:])
	}
	at := strings.LastIndex(addr.Address, "@")
	if at <= 0 || at == len(addr.Address)-1 {
		return ""
	}
	return strings.ToLower(addr.Address[at+1:])
}

// ExtractDomainOrDefault extracts the domain part from an email address.
// Returns the provided default value if the email is invalid or domain is empty.
func ExtractDomainOrDefault(email, defaultDomain string) string {
	domain := ExtractDomain(email)
	if domain == "" {
		return defaultDomain
	}
	return domain
}

// TaggedAddress builds a sub-addressed mailbox such as reply+token@domain
func TaggedAddress(mailbox, tag, domain string) string {
	return mailbox + "+" + tag + "@" + domain
}

// SplitTaggedAddress returns the mailbox and tag of a sub-addressed recipient.
// ok is false when the address has no +tag part or belongs to another domain.
func SplitTaggedAddress(address, domain string) (mailbox, tag string, ok bool) {
	address = strings.ToLower(strings.Trim(address, "<> "))
	at := strings.LastIndex(address, "@")
	if at <= 0 {
		return "", "", false
	}
	if domain != "" && address[at+1:] != strings.ToLower(domain) {
		return "", "", false
	}
	mailbox, tag, found := strings.Cut(address[:at], "+")
	if !found || mailbox == "" || tag == "" {
		return "", "", false
	}
	return mailbox, tag, true
}
