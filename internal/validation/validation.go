// Package validation checks operator-supplied identities before they are
// signed into bearer tokens.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	// ErrInvalidSubject is returned when a token subject is not a usable identity
	ErrInvalidSubject = errors.New("invalid subject: must be a user name or user@domain address")
	// ErrInvalidDomain is returned when domain name is invalid
	ErrInvalidDomain = errors.New("invalid domain: must be valid domain name")
)

const (
	// RFC 5321 local-part
	maxLocalLength = 64

	// RFC 1035
	maxDomainLength = 253
	maxLabelLength  = 63
)

var (
	// Alphanumeric, dot, hyphen, underscore, plus; no leading or trailing dot.
	localPattern = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9._+-]*[a-zA-Z0-9])?$`)

	domainPattern = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)*[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)
)

// Subject checks a token subject. Both bare user names and addresses are
// accepted, since XOAUTH2 clients send whichever the account uses.
func Subject(subject string) error {
	if subject != strings.TrimSpace(subject) {
		return ErrInvalidSubject
	}

	local, domain, hasDomain := strings.Cut(subject, "@")
	if err := localPart(local); err != nil {
		return err
	}
	if !hasDomain {
		return nil
	}
	if err := Domain(domain); err != nil {
		return ErrInvalidSubject
	}
	return nil
}

func localPart(local string) error {
	if len(local) == 0 || len(local) > maxLocalLength {
		return ErrInvalidSubject
	}
	if !localPattern.MatchString(local) {
		return ErrInvalidSubject
	}
	if strings.Contains(local, "..") {
		return ErrInvalidSubject
	}
	return nil
}

// Domain checks if a domain name is valid according to RFC 1035
func Domain(domain string) error {
	if len(domain) == 0 || len(domain) > maxDomainLength {
		return ErrInvalidDomain
	}

	if !domainPattern.MatchString(domain) {
		return ErrInvalidDomain
	}

	for _, label := range strings.Split(domain, ".") {
		if len(label) == 0 || len(label) > maxLabelLength {
			return ErrInvalidDomain
		}
	}

	return nil
}
