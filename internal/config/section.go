package config

import (
	"regexp"
	"slices"
	"strconv"
	"strings"
)

// Section is one raw configuration section, e.g. [ad_client]. Keys are
// lower case; values are unparsed strings.
type Section map[string]string

// Get returns the trimmed value of key and whether it is set.
func (s Section) Get(key string) (string, bool) {
	v, ok := s[key]
	return strings.TrimSpace(v), ok
}

// Has reports whether key is set to a non-empty value.
func (s Section) Has(key string) bool {
	v, _ := s.Get(key)
	return v != ""
}

// NumberedKeys returns base followed by every base_N key present, in numeric
// order: host, host_1, host_2, host_10.
func (s Section) NumberedKeys(base string) []string {
	var keys []string
	if _, ok := s[base]; ok {
		keys = append(keys, base)
	}

	prefix := base + "_"
	var numbers []int
	for key := range s {
		suffix, ok := strings.CutPrefix(key, prefix)
		if !ok {
			continue
		}
		if n, err := strconv.Atoi(suffix); err == nil && n >= 0 {
			numbers = append(numbers, n)
		}
	}
	slices.Sort(numbers)

	for _, n := range numbers {
		keys = append(keys, prefix+strconv.Itoa(n))
	}
	return keys
}

// without returns a copy of s minus the keys matched by drop.
func (s Section) without(drop func(key string) bool) Section {
	out := make(Section, len(s))
	for k, v := range s {
		if !drop(k) {
			out[k] = v
		}
	}
	return out
}

var numberedKey = regexp.MustCompile(`^(.+)_(\d+)$`)

// isNumbered reports whether key is base or base_N for one of bases.
func isNumbered(key string, bases ...string) bool {
	if slices.Contains(bases, key) {
		return true
	}
	m := numberedKey.FindStringSubmatch(key)
	return m != nil && slices.Contains(bases, m[1])
}

// numberSuffix returns the "_N" suffix of a numbered key, or "".
func numberSuffix(key string) string {
	if m := numberedKey.FindStringSubmatch(key); m != nil {
		return "_" + m[2]
	}
	return ""
}

// sectionKind strips a numeric suffix from a section name: radius_client_2
// is a radius_client section.
func sectionKind(name string) string {
	if m := numberedKey.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return name
}
