package mailsource

import (
	"net/mail"
	"strings"
)

// NormalizeAddress returns the lower-case bare address in s, or "" when s
// holds no address.
func NormalizeAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}

	if i := strings.LastIndexByte(s, '<'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSpace(strings.Trim(s, "<> \""))
	if !strings.Contains(s, "@") {
		return ""
	}
	return strings.ToLower(s)
}

// ParseAddressList parses a To or Cc header into normalized addresses,
// keeping header order and dropping duplicates.
func ParseAddressList(header string) []string {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	var candidates []string
	if list, err := mail.ParseAddressList(header); err == nil {
		for _, a := range list {
			candidates = append(candidates, a.Address)
		}
	} else {
		candidates = strings.Split(header, ",")
	}
	return NormalizeAddresses(candidates)
}

// NormalizeAddresses normalizes each entry, dropping empties and duplicates.
func NormalizeAddresses(in []string) []string {
	out := make([]string, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, s := range in {
		addr := NormalizeAddress(s)
		if addr == "" {
			continue
		}
		if _, dup := seen[addr]; dup {
			continue
		}
		seen[addr] = struct{}{}
		out = append(out, addr)
	}
	return out
}

// ParseSender returns the normalized address and display name of a From header.
func ParseSender(header string) (address, name string) {
	if addr, err := mail.ParseAddress(strings.TrimSpace(header)); err == nil {
		return strings.ToLower(addr.Address), addr.Name
	}
	return NormalizeAddress(header), ""
}

// ParseReferences splits a References header into message ids.
func ParseReferences(header string) []string {
	return strings.Fields(header)
}
