package text

import "strings"

// Recipient is one parsed line of a submitted recipient list.
//
// Malformed lines (missing name or phone) are kept with Valid=false so the
// engine can record them as failed results in submission order.
type Recipient struct {
	Raw   string
	Name  string
	Phone string
	Valid bool
}

// Descriptor is how a recipient appears in progress events and result lists,
// e.g. "Budi (0812-3456-7890)".
func (r Recipient) Descriptor() string {
	if !r.Valid {
		return r.Raw
	}
	return r.Name + " (" + r.Phone + ")"
}

// ParseRecipients splits newline-delimited "name, phone" lines.
// Blank lines are skipped; lines missing either field come back with
// Valid=false.
func ParseRecipients(input string) []Recipient {
	var out []Recipient
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if line == "" {
			continue
		}
		name, phone, ok := splitLine(line)
		out = append(out, Recipient{
			Raw:   line,
			Name:  name,
			Phone: phone,
			Valid: ok,
		})
	}
	return out
}

func splitLine(line string) (name, phone string, ok bool) {
	parts := strings.SplitN(line, ",", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	name = strings.TrimSpace(parts[0])
	phone = strings.TrimSpace(parts[1])
	if name == "" || phone == "" {
		return name, phone, false
	}
	return name, phone, true
}
