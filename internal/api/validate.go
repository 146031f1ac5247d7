package api

import (
	"net"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/foleys1972/Mobile-trader/internal/bank"
)

// maxNameLen is the maximum length for display names (banks, lines).
const maxNameLen = 200

// maxIDLen is the maximum length for bank, line, user and call ids.
const maxIDLen = 64

// maxPasswordLen is the maximum length for SBC credentials.
const maxPasswordLen = 256

// maxHostLen is the maximum length for hostnames/IP addresses.
const maxHostLen = 253

// maxReasonLen is the maximum length for free-text fault and failure reasons.
const maxReasonLen = 500

// maxLines bounds the line inventory of a single bank.
const maxLines = 2000

// idRe validates identifiers: letters, digits and . _ : - only.
var idRe = regexp.MustCompile(`^[A-Za-z0-9._:-]+$`)

// dialRe validates dialable numbers and caller ids: digits with an optional
// leading +, plus the * and # keypad symbols.
var dialRe = regexp.MustCompile(`^\+?[0-9*#]{1,32}$`)

// validateStringLen checks that a string does not exceed maxLen characters.
// Returns an error message if invalid, empty string if OK.
func validateStringLen(field, value string, maxLen int) string {
	if utf8.RuneCountInString(value) > maxLen {
		return field + " exceeds maximum length"
	}
	return ""
}

// validateRequiredStringLen checks that a non-empty string does not exceed maxLen characters.
func validateRequiredStringLen(field, value string, maxLen int) string {
	if value == "" {
		return field + " is required"
	}
	return validateStringLen(field, value, maxLen)
}

// validateID checks a required identifier.
func validateID(field, value string) string {
	if msg := validateRequiredStringLen(field, value, maxIDLen); msg != "" {
		return msg
	}
	if !idRe.MatchString(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateDialString checks an optional number or caller id.
func validateDialString(field, value string) string {
	if value == "" {
		return ""
	}
	if !dialRe.MatchString(value) {
		return field + " must be a dialable number"
	}
	return ""
}

// validateHost checks that a string looks like a valid hostname or IP.
func validateHost(field, value string) string {
	if value == "" {
		return ""
	}
	if len(value) > maxHostLen {
		return field + " exceeds maximum length"
	}
	if net.ParseIP(value) != nil {
		return ""
	}
	if strings.ContainsAny(value, " \t\n\r/@") {
		return field + " contains invalid characters"
	}
	return ""
}

// containsControlChars checks whether a string has control characters
// (except common whitespace like \n, \r, \t).
func containsControlChars(s string) bool {
	for _, r := range s {
		if r < 32 && r != '\n' && r != '\r' && r != '\t' {
			return true
		}
	}
	return false
}

// validateText checks optional free text such as names and reasons.
func validateText(field, value string, maxLen int) string {
	if msg := validateStringLen(field, value, maxLen); msg != "" {
		return msg
	}
	if containsControlChars(value) {
		return field + " contains invalid characters"
	}
	return ""
}

// validateBank checks the request-level shape of a bank configuration.
// Structural rules (unique line ids, kinds, statuses, ports) are enforced by
// the registry.
func validateBank(b bank.Bank) string {
	if msg := validateID("bank_id", b.ID); msg != "" {
		return msg
	}
	checks := []string{
		validateText("bank_name", b.Name, maxNameLen),
		validateHost("oracle_sbc.host", b.SBC.Host),
		validateHost("audiocodes.host", b.AudioCodes.Host),
		validateHost("sip_domain", b.SIPDomain),
		validateText("username", b.Username, maxNameLen),
		validateStringLen("password", b.Password, maxPasswordLen),
	}
	for _, msg := range checks {
		if msg != "" {
			return msg
		}
	}
	if len(b.Lines) > maxLines {
		return "lines exceeds maximum count"
	}
	for _, l := range b.Lines {
		if msg := validateID("lines.id", l.ID); msg != "" {
			return msg
		}
		if msg := validateText("lines.name", l.Name, maxNameLen); msg != "" {
			return msg
		}
		if msg := validateDialString("lines.number", l.Number); msg != "" {
			return msg
		}
		for _, p := range l.Participants {
			if msg := validateID("lines.participants", p); msg != "" {
				return msg
			}
		}
	}
	return ""
}
