package bids

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog/log"
)

// Entities is a parsed BIDS filename: key-value entities, the trailing
// suffix (contrast/modality token) and the image extension.
type Entities struct {
	Values map[string]string
	Suffix string
	Ext    string
}

// ParseName splits name (e.g. sub-01_ses-01_acq-T1w_echo-01_part-mag.nii.gz)
// into entities, suffix and extension. Non-image extensions yield Ext == "".
func ParseName(name string) Entities {
	ent := Entities{Values: map[string]string{}}
	switch {
	case strings.HasSuffix(name, ".nii.gz"):
		ent.Ext = ".nii.gz"
	case strings.HasSuffix(name, ".nii"):
		ent.Ext = ".nii"
	default:
		return ent
	}
	base := strings.TrimSuffix(name, ent.Ext)
	for _, part := range strings.Split(base, "_") {
		if k, v, ok := strings.Cut(part, "-"); ok {
			ent.Values[k] = v
		} else {
			ent.Suffix = part
		}
	}
	return ent
}

// Rule is the declarative description of the files one acquisition token
// selects: the token itself (matched against the acq entity or the suffix),
// the accepted first-echo spellings and the required part entity.
type Rule struct {
	Token string
	Echo  []string
	Part  string
}

// FirstEchoMagnitude is the selection rule shared by all pipelines here:
// first echo in either zero-padding convention, magnitude part.
func FirstEchoMagnitude(token string) Rule {
	return Rule{Token: token, Echo: []string{"1", "01"}, Part: "mag"}
}

// Matches reports whether the parsed entities satisfy the rule.
func (r Rule) Matches(ent Entities) bool {
	if ent.Ext == "" {
		return false
	}
	if ent.Values["acq"] != r.Token && ent.Suffix != r.Token {
		return false
	}
	if r.Part != "" && ent.Values["part"] != r.Part {
		return false
	}
	if len(r.Echo) > 0 {
		ok := false
		for _, e := range r.Echo {
			if ent.Values["echo"] == e {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

// Match returns every file in anatDir satisfying the rule. Multiple matches
// are legitimate (multi-run acquisitions) and produce a warning, not a
// truncation; zero matches produce a warning and an empty result.
func Match(anatDir string, rule Rule) ([]string, error) {
	entries, err := os.ReadDir(anatDir)
	if err != nil {
		return nil, fmt.Errorf("read anat dir: %w", err)
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if rule.Matches(ParseName(e.Name())) {
			paths = append(paths, filepath.Join(anatDir, e.Name()))
		}
	}
	switch len(paths) {
	case 0:
		log.Warn().Str("dir", anatDir).Str("token", rule.Token).Msg("no files match acquisition token")
	case 1:
	default:
		log.Warn().Str("dir", anatDir).Str("token", rule.Token).Int("count", len(paths)).Msg("multiple files match acquisition token, processing all")
	}
	return paths, nil
}
