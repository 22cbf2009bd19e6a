package secrets

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// fallbackFile serves secrets from a local "reference=value" file for development and for
// environments where Secret Manager cannot be reached. The file is read once.
type fallbackFile struct {
	path   string
	once   sync.Once
	values map[string]string
	err    error
}

func newFallbackFile(path string) *fallbackFile {
	return &fallbackFile{path: strings.TrimSpace(path)}
}

// lookup finds a pinned version first, then the unversioned entry.
func (f *fallbackFile) lookup(ref reference, version string) (string, bool, error) {
	f.once.Do(f.load)
	if f.err != nil {
		return "", false, f.err
	}
	if value, ok := f.values[versionKey(ref.canonical, version)]; ok {
		return value, true, nil
	}
	value, ok := f.values[ref.canonical]
	return value, ok, nil
}

func (f *fallbackFile) load() {
	f.values = map[string]string{}
	if f.path == "" {
		return
	}
	file, err := os.Open(f.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			f.err = fmt.Errorf("secrets: open fallback file %s: %w", f.path, err)
		}
		return
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := splitEntry(line)
		if !ok {
			continue
		}
		ref, err := parseReference(key)
		if err != nil {
			continue
		}
		value = strings.TrimSpace(value)
		if ref.version != "" {
			f.values[versionKey(ref.canonical, ref.version)] = value
			continue
		}
		f.values[ref.canonical] = value
	}
	if err := scanner.Err(); err != nil {
		f.err = fmt.Errorf("secrets: read fallback file %s: %w", f.path, err)
	}
}

// splitEntry separates "reference=value" at the first '=' that is not part of the
// reference's own query string, so "secret://x?version=2=v" yields value "v".
func splitEntry(line string) (string, string, bool) {
	for i := 0; i < len(line); i++ {
		if line[i] != '=' {
			continue
		}
		key := line[:i]
		_, query, hasQuery := strings.Cut(key, "?")
		if hasQuery && !completeQuery(query) {
			continue
		}
		return strings.TrimSpace(key), line[i+1:], true
	}
	return "", "", false
}

func completeQuery(query string) bool {
	for _, param := range strings.Split(query, "&") {
		if !strings.Contains(param, "=") {
			return false
		}
	}
	return true
}
