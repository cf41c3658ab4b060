package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
)

// maxLevenshteinDistance is the maximum edit distance for "did you mean?"
// suggestions when unknown config keys are detected.
const maxLevenshteinDistance = 3

// knownKeys lists the valid keys of each section.
var knownKeys = map[string][]string{
	"backend":    {"url", "anon_key", "internet_probe_url", "session_path"},
	"monitor":    {"poll_interval", "reconnect_interval", "expiry_threshold", "refresh_min_gap", "refresh_retries", "auth_max_retries"},
	"queue":      {"db_path"},
	"cyclecount": {"max_attempts", "base_delay", "max_delay"},
	"logging":    {"log_level", "log_format"},
	"network":    {"request_timeout", "user_agent"},
	"metrics":    {"listen"},
}

// knownSections is the sorted list of section names for suggestions.
var knownSections = func() []string {
	names := make([]string, 0, len(knownKeys))
	for k := range knownKeys {
		names = append(names, k)
	}

	sort.Strings(names)

	return names
}()

// checkUnknownKeys inspects TOML metadata for undecoded keys and returns
// an error with "did you mean?" suggestions for each unknown key.
func checkUnknownKeys(md *toml.MetaData) error {
	var errs []error

	// An unknown table is reported once, not once per key inside it.
	reported := make(map[string]bool)

	for _, key := range md.Undecoded() {
		if _, ok := knownKeys[key[0]]; !ok {
			if reported[key[0]] {
				continue
			}

			reported[key[0]] = true
		}

		errs = append(errs, unknownKeyError(key))
	}

	return errors.Join(errs...)
}

func unknownKeyError(key toml.Key) error {
	section := key[0]

	fields, ok := knownKeys[section]
	if !ok || len(key) == 1 {
		if s := closestMatch(section, knownSections); s != "" {
			return fmt.Errorf("unknown config section or key %q (did you mean [%s]?)", section, s)
		}

		return fmt.Errorf("unknown config section or key %q", section)
	}

	field := strings.Join(key[1:], ".")

	if s := closestMatch(field, fields); s != "" {
		return fmt.Errorf("unknown config key %q in [%s] (did you mean %q?)", field, section, s)
	}

	return fmt.Errorf("unknown config key %q in [%s]", field, section)
}

// closestMatch finds the closest known key by Levenshtein distance.
// Returns empty string if no match is within maxLevenshteinDistance.
func closestMatch(unknown string, known []string) string {
	best := ""
	bestDist := maxLevenshteinDistance + 1

	for _, k := range known {
		d := levenshtein(unknown, k)
		if d < bestDist {
			bestDist = d
			best = k
		}
	}

	if bestDist <= maxLevenshteinDistance {
		return best
	}

	return ""
}

// levenshtein computes the edit distance between two strings.
func levenshtein(a, b string) int {
	if a == "" {
		return len(b)
	}

	if b == "" {
		return len(a)
	}

	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)

	for j := range prev {
		prev[j] = j
	}

	for i := range len(a) {
		curr[0] = i + 1

		for j := range len(b) {
			cost := 1
			if a[i] == b[j] {
				cost = 0
			}

			curr[j+1] = min(curr[j]+1, prev[j+1]+1, prev[j]+cost)
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}
