// Package config reads the driveboard configuration file: an ini-style file
// of [section] blocks with option: value lines, supporting [include path]
// directives.
package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Config provides access to a parsed configuration file.
type Config struct {
	sections map[string]*Section
	order    []string
}

// New creates an empty Config.
func New() *Config {
	return &Config{sections: make(map[string]*Section)}
}

// Load reads a configuration file.
func Load(path string) (*Config, error) {
	c := New()
	visited := make(map[string]bool)
	if err := c.parseFile(path, visited); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) parseFile(path string, visited map[string]bool) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config: invalid path %s: %w", path, err)
	}
	if visited[abs] {
		return fmt.Errorf("config: recursive include: %s", path)
	}
	visited[abs] = true
	defer func() { visited[abs] = false }()

	f, err := os.Open(abs)
	if err != nil {
		return fmt.Errorf("config: unable to open %s: %w", path, err)
	}
	defer f.Close()

	dir := filepath.Dir(abs)
	var current *Section

	scanner := bufio.NewScanner(f)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if idx := strings.IndexAny(line, "#;"); idx >= 0 {
			line = strings.TrimSpace(line[:idx])
		}
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			if rest, ok := strings.CutPrefix(name, "include "); ok {
				incPath := strings.TrimSpace(rest)
				if !filepath.IsAbs(incPath) {
					incPath = filepath.Join(dir, incPath)
				}
				if err := c.parseFile(incPath, visited); err != nil {
					return err
				}
				current = nil
				continue
			}
			current = c.section(name)
			continue
		}

		sep := strings.IndexAny(line, ":=")
		if sep < 0 {
			return fmt.Errorf("config: %s:%d: expected option: value", path, lineNum)
		}
		if current == nil {
			return fmt.Errorf("config: %s:%d: option outside of a section", path, lineNum)
		}
		key := strings.ToLower(strings.TrimSpace(line[:sep]))
		val := strings.TrimSpace(line[sep+1:])
		current.options[key] = val
	}
	return scanner.Err()
}

// section returns the named section, creating it if needed.
func (c *Config) section(name string) *Section {
	name = strings.ToLower(name)
	if s, ok := c.sections[name]; ok {
		return s
	}
	s := &Section{name: name, options: make(map[string]string)}
	c.sections[name] = s
	c.order = append(c.order, name)
	return s
}

// Section returns the named section, or an empty one so defaults apply.
func (c *Config) Section(name string) *Section {
	if s, ok := c.sections[strings.ToLower(name)]; ok {
		return s
	}
	return &Section{name: strings.ToLower(name), options: make(map[string]string)}
}

// HasSection reports whether the named section was present in the file.
func (c *Config) HasSection(name string) bool {
	_, ok := c.sections[strings.ToLower(name)]
	return ok
}

// Sections lists section names in file order.
func (c *Config) Sections() []string {
	out := make([]string, len(c.order))
	copy(out, c.order)
	return out
}

// Section is one [name] block of options.
type Section struct {
	name    string
	options map[string]string
}

// Name returns the section name.
func (s *Section) Name() string { return s.name }

// Has reports whether the option is present.
func (s *Section) Has(option string) bool {
	_, ok := s.options[strings.ToLower(option)]
	return ok
}

// Get returns a string option, or def if absent.
func (s *Section) Get(option, def string) string {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		return v
	}
	return def
}

// GetFloat returns a float option, or def if absent or malformed.
func (s *Section) GetFloat(option string, def float64) float64 {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

// GetInt returns an integer option, or def if absent or malformed.
func (s *Section) GetInt(option string, def int) int {
	if v, ok := s.options[strings.ToLower(option)]; ok {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

// GetBool returns a boolean option (true/false, yes/no, on/off, 1/0).
func (s *Section) GetBool(option string, def bool) bool {
	v, ok := s.options[strings.ToLower(option)]
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "true", "yes", "on", "1":
		return true
	case "false", "no", "off", "0":
		return false
	}
	return def
}
