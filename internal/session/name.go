package session

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// Session names key on-disk credential directories, so they are validated
// and canonicalized before any filesystem use.

var nameRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{1,63}$`)

var ErrBadName = errors.New("invalid session name")

// ValidName reports whether s is an acceptable session name as-is:
// alphanumeric first rune, then alphanumeric plus "_-", 2..64 runes.
func ValidName(s string) bool { return nameRe.MatchString(s) }

var translit = map[rune]string{
	'а': "a", 'б': "b", 'в': "v", 'г': "g", 'д': "d", 'е': "e", 'ё': "yo",
	'ж': "zh", 'з': "z", 'и': "i", 'й': "y", 'к': "k", 'л': "l", 'м': "m",
	'н': "n", 'о': "o", 'п': "p", 'р': "r", 'с': "s", 'т': "t", 'у': "u",
	'ф': "f", 'х': "h", 'ц': "ts", 'ч': "ch", 'ш': "sh", 'щ': "sch",
	'ъ': "", 'ы': "y", 'ь': "", 'э': "e", 'ю': "yu", 'я': "ya",
}

// Canonize lowercases, transliterates Cyrillic, replaces anything outside
// [a-z0-9_-] with "_", squeezes runs, and trims leading/trailing separators.
// The result may still fail ValidName (e.g. empty after trimming).
func Canonize(s string) string {
	n := strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder
	for _, r := range n {
		if t, ok := translit[r]; ok {
			b.WriteString(t)
			continue
		}
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	n = b.String()

	for strings.Contains(n, "__") {
		n = strings.ReplaceAll(n, "__", "_")
	}
	n = strings.Trim(n, "_-")
	return n
}

// SafePath joins name under baseDir and rejects any result that escapes it,
// including via symlinks that already exist on disk.
func SafePath(baseDir, name string) (string, error) {
	if !ValidName(name) {
		return "", fmt.Errorf("%w: %q", ErrBadName, name)
	}
	base, err := filepath.Abs(baseDir)
	if err != nil {
		return "", err
	}
	p := filepath.Join(base, name)
	if filepath.Dir(p) != base {
		return "", fmt.Errorf("%w: %q escapes sessions dir", ErrBadName, name)
	}
	// If the path exists, make sure it doesn't resolve outside the base.
	if rp, err := filepath.EvalSymlinks(p); err == nil {
		rb, berr := filepath.EvalSymlinks(base)
		if berr == nil && !strings.HasPrefix(rp, rb+string(os.PathSeparator)) && rp != rb {
			return "", fmt.Errorf("%w: %q resolves outside sessions dir", ErrBadName, name)
		}
	}
	return p, nil
}

// ListDirs returns the valid session directory names under baseDir.
func ListDirs(baseDir string) []string {
	ents, err := os.ReadDir(baseDir)
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range ents {
		if e.IsDir() && ValidName(e.Name()) {
			out = append(out, e.Name())
		}
	}
	return out
}
