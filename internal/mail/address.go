package mail

import "strings"

// Address is a mail address with an optional display name.
type Address struct {
	Name  string
	Email string
}

// Display formats the address the way it appears in a header:
// "Name <email>" when a name is present, the bare email otherwise.
func (a Address) Display() string {
	if a.Name == "" {
		return a.Email
	}
	return a.Name + " <" + a.Email + ">"
}

// ParseAddress parses a single address like "Ada Lovelace <ada@example.com>".
// Parsing is lenient: if the name/email split fails the whole trimmed
// input becomes the email and the name is left empty.
func ParseAddress(s string) Address {
	s = strings.TrimSpace(s)

	open := strings.LastIndexByte(s, '<')
	end := strings.LastIndexByte(s, '>')
	if open >= 0 && end > open {
		name := strings.TrimSpace(s[:open])
		name = strings.Trim(name, `"`)
		email := strings.TrimSpace(s[open+1 : end])
		return Address{Name: name, Email: email}
	}

	return Address{Email: s}
}

// ParseAddressList parses a comma separated header value such as a To
// or Cc line.  Commas inside quoted names or angle brackets do not
// split.
func ParseAddressList(s string) []Address {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []Address
	var depth int
	var quoted bool
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '"':
			quoted = !quoted
		case '<':
			if !quoted {
				depth++
			}
		case '>':
			if !quoted && depth > 0 {
				depth--
			}
		case ',':
			if !quoted && depth == 0 {
				if part := strings.TrimSpace(s[start:i]); part != "" {
					out = append(out, ParseAddress(part))
				}
				start = i + 1
			}
		}
	}
	if part := strings.TrimSpace(s[start:]); part != "" {
		out = append(out, ParseAddress(part))
	}
	return out
}
