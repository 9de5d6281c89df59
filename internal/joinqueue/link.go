package joinqueue

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

type Kind string

const (
	KindWhatsApp Kind = "whatsapp"
	KindTelegram Kind = "telegram"
)

// Link is a discovered invite link reduced to a canonical form. Canonical is
// the dedupe/blacklist key; Identifier is what the provider adapter joins by
// (invite code or public slug).
type Link struct {
	Raw        string
	Canonical  string
	Identifier string
	Kind       Kind
}

var ErrBadLink = errors.New("invalid group link")

var linkRe = regexp.MustCompile(`^(?i)https?://(chat\.whatsapp\.com|t\.me)/([A-Za-z0-9_-]+)`)

// Normalize reduces raw to its canonical form: https scheme, lowercase host,
// first path segment only, query and fragments stripped.
func Normalize(raw string) (Link, error) {
	raw = strings.TrimSpace(raw)
	m := linkRe.FindStringSubmatch(raw)
	if m == nil {
		return Link{}, fmt.Errorf("%w: %q", ErrBadLink, raw)
	}
	host := strings.ToLower(m[1])
	id := m[2]

	kind := KindTelegram
	if host == "chat.whatsapp.com" {
		kind = KindWhatsApp
	}
	return Link{
		Raw:        raw,
		Canonical:  "https://" + host + "/" + id,
		Identifier: id,
		Kind:       kind,
	}, nil
}

var extractRe = regexp.MustCompile(`https?://(?:chat\.whatsapp\.com|t\.me)/[A-Za-z0-9_-]+`)

// Extract pulls every group link out of free-form message text.
func Extract(text string) []string {
	return extractRe.FindAllString(text, -1)
}
