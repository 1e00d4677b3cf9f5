package model

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	MaxNameLength        = 50
	MaxDescriptionLength = 500
)

var nameRe = regexp.MustCompile(`^[\p{L}\s\-']+$`)

// NormalizeName trims and validates a display name.
func NormalizeName(raw string) (string, error) {
	name := strings.Join(strings.Fields(raw), " ")
	if name == "" {
		return "", NewValidationError("name", "empty")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", NewValidationError("name", "too long")
	}
	if !nameRe.MatchString(name) {
		return "", NewValidationError("name", "only letters and spaces are allowed")
	}
	return name, nil
}

// NormalizeDescription trims and validates a master bio.
func NormalizeDescription(raw string) (string, error) {
	desc := strings.TrimSpace(raw)
	if desc == "" {
		return "", NewValidationError("description", "empty")
	}
	if utf8.RuneCountInString(desc) > MaxDescriptionLength {
		return "", NewValidationError("description", "too long")
	}
	return desc, nil
}

// NormalizePhone converts a phone number to E.164. Russian local formats
// (8XXXXXXXXXX, XXXXXXXXXX) are mapped to +7.
func NormalizePhone(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", NewValidationError("phone", "empty")
	}
	plus := strings.HasPrefix(s, "+")
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9', r == '+', r == ' ', r == '-', r == '(', r == ')', r == '\t':
		default:
			return "", NewValidationError("phone", "unexpected character")
		}
	}
	digits := filterDigits(s)

	switch {
	case plus:
	case len(digits) == 11 && digits[0] == '8':
		digits = "7" + digits[1:]
	case len(digits) == 10:
		digits = "7" + digits
	}
	if len(digits) < 10 || len(digits) > 15 {
		return "", NewValidationError("phone", "wrong length")
	}
	return "+" + digits, nil
}

// ParseTimeOfDay parses "HH:MM" (also "H:MM" and "HH.MM").
func ParseTimeOfDay(raw string) (hour, minute int, err error) {
	s := strings.ReplaceAll(strings.TrimSpace(raw), ".", ":")
	parts := strings.Split(s, ":")
	if len(parts) != 2 || len(parts[1]) != 2 || parts[0] == "" || len(parts[0]) > 2 {
		return 0, 0, NewValidationError("time", "expected HH:MM")
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, NewValidationError("time", "hour out of range")
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, NewValidationError("time", "minute out of range")
	}
	return hour, minute, nil
}

// ParseServiceList parses "Service: Sub, Sub; Service2" into a service map.
// A service without sub-services maps to an empty slice.
func ParseServiceList(raw string) (map[string][]string, error) {
	out := make(map[string][]string)
	for _, chunk := range strings.Split(raw, ";") {
		chunk = strings.TrimSpace(chunk)
		if chunk == "" {
			continue
		}
		name, subs, _ := strings.Cut(chunk, ":")
		name = strings.TrimSpace(name)
		if name == "" {
			return nil, NewValidationError("services", "empty service name")
		}
		list := out[name]
		if list == nil {
			list = []string{}
		}
		for _, sub := range strings.Split(subs, ",") {
			sub = strings.TrimSpace(sub)
			if sub != "" {
				list = append(list, sub)
			}
		}
		out[name] = list
	}
	if len(out) == 0 {
		return nil, NewValidationError("services", "no services given")
	}
	return out, nil
}

func filterDigits(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
