package linklist

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

var (
	// ErrEmptyList is returned when a list contains no links
	ErrEmptyList = errors.New("link list is empty")

	// ErrInvalidLink is returned for entries that are not absolute http(s) URLs
	ErrInvalidLink = errors.New("invalid link")

	// ErrUnsafePath is returned when a relative path escapes the destination
	ErrUnsafePath = errors.New("path escapes destination")

	// ErrDuplicatePath is returned when two links would be written to the same file
	ErrDuplicatePath = errors.New("path already used by another link")
)

// List is an ordered set of links with their relative file paths
type List struct {
	Links []string
	Files map[string]string
}

type entry struct {
	URL  string `yaml:"url"`
	Path string `yaml:"path"`
}

type manifest struct {
	Links []entry `yaml:"links"`
}

// Load reads a link list from path. Files ending in .yaml or .yml are read as a
// manifest; anything else as plain text with one link per line.
func Load(path string) (*List, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open link list: %w", err)
	}
	defer file.Close()

	var entries []entry
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		entries, err = parseYAML(file)
	default:
		entries, err = parseText(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse link list %s: %w", path, err)
	}

	return build(entries)
}

// Parse reads a plain text link list from r
func Parse(r io.Reader) (*List, error) {
	entries, err := parseText(r)
	if err != nil {
		return nil, err
	}
	return build(entries)
}

func parseText(r io.Reader) ([]entry, error) {
	var entries []entry

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		fields := strings.Fields(line)
		e := entry{URL: fields[0]}
		if len(fields) > 1 {
			e.Path = strings.Join(fields[1:], " ")
		}
		if err := validate(e.URL); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

func parseYAML(r io.Reader) ([]entry, error) {
	var m manifest
	if err := yaml.NewDecoder(r).Decode(&m); err != nil && !errors.Is(err, io.EOF) {
		return nil, err
	}

	for i, e := range m.Links {
		if err := validate(e.URL); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
	}
	return m.Links, nil
}

func validate(link string) error {
	u, err := url.Parse(link)
	if err != nil {
		return fmt.Errorf("%w: %q: %w", ErrInvalidLink, link, err)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%w: %q", ErrInvalidLink, link)
	}
	return nil
}

func build(entries []entry) (*List, error) {
	list := &List{
		Links: make([]string, 0, len(entries)),
		Files: make(map[string]string, len(entries)),
	}

	owners := make(map[string]string, len(entries))

	for _, e := range entries {
		if _, ok := list.Files[e.URL]; ok {
			continue
		}

		derived := e.Path == ""
		rel := e.Path
		if derived {
			rel = FileName(e.URL)
		}
		rel, err := clean(rel)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", e.URL, err)
		}

		if _, taken := owners[rel]; taken && derived {
			rel = withSuffix(rel, e.URL)
		}
		if owner, taken := owners[rel]; taken {
			return nil, fmt.Errorf("%s: %w: %s (%s)", e.URL, ErrDuplicatePath, rel, owner)
		}

		owners[rel] = e.URL
		list.Links = append(list.Links, e.URL)
		list.Files[e.URL] = rel
	}

	if len(list.Links) == 0 {
		return nil, ErrEmptyList
	}
	return list, nil
}

func clean(rel string) (string, error) {
	rel = filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return rel, nil
}

// withSuffix inserts a short hash of link before the extension of rel
func withSuffix(rel, link string) string {
	ext := filepath.Ext(rel)
	return strings.TrimSuffix(rel, ext) + "-" + linkHash(link)[:8] + ext
}

func linkHash(link string) string {
	return linkHash(link)
}

// FileName derives a file name from the last element of the link's path. Links
// without one get a stable name from a hash of the link.
func FileName(link string) string {
	if u, err := url.Parse(link); err == nil {
		base := path.Base(u.Path)
		if base != "/" && base != "." && base != "" {
			return base
		}
	}

	return linkHash(link)
}
