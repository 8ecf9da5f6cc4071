package config

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
)

// maxLineLen caps one INI line; longer lines are truncated with a warning
// rather than failing the load.
const maxLineLen = 512

// loadINI applies the file at path onto st. The parser is deliberately
// tolerant: a camera must come up with whatever config survived the last
// flash write. Unknown sections and keys are logged and skipped, numeric
// values outside schema bounds are clamped to the nearest bound, over-length
// strings are truncated.
func loadINI(path string, st *Settings, log zerolog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return errors.NotFoundf("config file %q", path)
		}
		return errors.Trace(err)
	}
	defer f.Close()

	var (
		section   Section
		inKnown   bool
		lineNo    int
		firstLine = true
		sc        = bufio.NewScanner(f)
	)
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if firstLine {
			line = strings.TrimPrefix(line, "\uFEFF")
			firstLine = false
		}
		if len(line) > maxLineLen {
			log.Warn().Int("line", lineNo).Msg("config line truncated")
			line = line[:maxLineLen]
		}
		line = stripComment(line)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "[") && strings.HasSuffix(line, "]") {
			name := strings.TrimSpace(line[1 : len(line)-1])
			sec, ok := SectionByName(name)
			if !ok {
				log.Warn().Str("section", name).Msg("unknown config section ignored")
				inKnown = false
				continue
			}
			section, inKnown = sec, true
			continue
		}

		if !inKnown {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			log.Warn().Int("line", lineNo).Msg("malformed config line ignored")
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		applyRaw(st, section, key, value, log)
	}
	if err := sc.Err(); err != nil {
		return errors.Trace(err)
	}
	return nil
}

// applyRaw validates one raw key=value against the schema and stores it,
// clamping or truncating instead of rejecting.
func applyRaw(st *Settings, section Section, key, value string, log zerolog.Logger) {
	entry, ok := SchemaLookup(section, key)
	if !ok {
		log.Warn().Str("section", section.String()).Str("key", key).Msg("unknown config key ignored")
		return
	}
	ref, ok := st.field(section, key)
	if !ok {
		return
	}

	switch entry.Type {
	case TypeInt:
		v, err := strconv.Atoi(value)
		if err != nil {
			log.Warn().Str("key", key).Str("value", value).Msg("non-numeric config value ignored")
			return
		}
		if clamped := clampInt(v, entry.Min, entry.Max); clamped != v {
			log.Warn().Str("section", section.String()).Str("key", key).
				Int("value", v).Int("clamped", clamped).
				Msg("config value out of range, clamped")
			v = clamped
		}
		*ref.i = v
	case TypeBool:
		switch strings.ToLower(value) {
		case "1", "true", "yes", "on":
			*ref.b = true
		case "0", "false", "no", "off":
			*ref.b = false
		default:
			log.Warn().Str("key", key).Str("value", value).Msg("non-boolean config value ignored")
		}
	case TypeString:
		if entry.MaxLen > 0 && len(value) >= entry.MaxLen {
			log.Warn().Str("section", section.String()).Str("key", key).
				Int("length", len(value)).Int("max", entry.MaxLen-1).
				Msg("config string truncated")
			value = value[:entry.MaxLen-1]
		}
		*ref.s = value
	case TypeFloat:
		v, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.Warn().Str("key", key).Str("value", value).Msg("non-numeric config value ignored")
			return
		}
		if v < float64(entry.Min) {
			v = float64(entry.Min)
		} else if v > float64(entry.Max) {
			v = float64(entry.Max)
		}
		*ref.f = v
	}
}

func clampInt(v, min, max int) int {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

func stripComment(line string) string {
	for _, marker := range []string{";", "#"} {
		if idx := strings.Index(line, marker); idx >= 0 {
			line = line[:idx]
		}
	}
	return line
}

// saveINI writes the complete configuration — every schema entry, current
// value or default — to path via a temp file and rename, so a power cut
// mid-write leaves the old file intact.
func saveINI(path string, st *Settings) error {
	var b strings.Builder
	for sec := Section(0); sec < sectionCount; sec++ {
		fmt.Fprintf(&b, "[%s]\n", sec)
		for _, e := range SchemaEntries(sec) {
			fmt.Fprintf(&b, "%s=%s\n", e.Key, st.formatValue(e))
		}
		b.WriteByte('\n')
	}

	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Trace(err)
	}
	if err := os.WriteFile(tmp, []byte(b.String()), 0o644); err != nil {
		return errors.Trace(err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Trace(err)
	}
	return nil
}
