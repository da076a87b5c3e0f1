package importer

import (
	"bufio"
	"bytes"
	"fmt"
	"strings"

	"cryonix-panel/work/config"
	"cryonix-panel/work/database"
	"cryonix-panel/work/logger"
	"cryonix-panel/work/metrics"
	"cryonix-panel/work/utils"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// Entry is one channel definition parsed from a playlist document.
type Entry struct {
	Name     string
	URL      string
	Category string
	LogoURL  string
	RawLine  string // The metadata line the entry came from
}

// Report summarizes one import run. SkippedLines carries the raw lines of
// malformed entries for operator review.
type Report struct {
	Imported     int      `json:"imported"`
	Updated      int      `json:"updated"`
	Skipped      int      `json:"skipped"`
	Filtered     int      `json:"filtered"`
	SkippedLines []string `json:"skippedLines"`
}

// Importer converts playlist documents into channel upserts. It never touches
// stream rows or running state; imports are purely definitional.
type Importer struct {
	db      *database.DB
	cfg     *config.Config
	logger  *logger.Logger
	include *regexp.Regexp
	exclude *regexp.Regexp
}

// New creates an Importer, compiling the optional include/exclude name
// filters from configuration.
func New(cfg *config.Config, db *database.DB, log *logger.Logger) (*Importer, error) {
	im := &Importer{
		db:     db,
		cfg:    cfg,
		logger: log,
	}

	var err error
	if cfg.ImportIncludeRegex != "" {
		if im.include, err = regexp.Compile(cfg.ImportIncludeRegex); err != nil {
			return nil, fmt.Errorf("invalid importIncludeRegex: %w", err)
		}
	}
	if cfg.ImportExcludeRegex != "" {
		if im.exclude, err = regexp.Compile(cfg.ImportExcludeRegex); err != nil {
			return nil, fmt.Errorf("invalid importExcludeRegex: %w", err)
		}
	}

	return im, nil
}

// Import parses a raw playlist document and upserts its entries as channels.
// Malformed entries are collected in the report, never fatal; store failures
// abort the run. When asInactive is set (or globally configured), newly
// created channels start disabled.
func (im *Importer) Import(data []byte, asInactive bool) (*Report, error) {
	// A master playlist describes variants of a single stream, not a channel
	// list; importing one would create channels named after bitrates.
	if isMasterPlaylist(data) {
		return nil, fmt.Errorf("document is an HLS master playlist, not a channel playlist")
	}

	entries, skipped := ParseDocument(data)
	report := &Report{
		Skipped:      len(skipped),
		SkippedLines: skipped,
	}

	active := !im.cfg.ImportAsInactive && !asInactive

	for _, entry := range entries {
		if im.filteredOut(entry.Name) {
			report.Filtered++
			metrics.ImportEntries.WithLabelValues("filtered").Inc()
			continue
		}

		_, created, err := im.db.UpsertChannelByName(entry.Name, entry.URL, entry.Category, entry.LogoURL, active)
		if err != nil {
			return nil, fmt.Errorf("import aborted at %q: %w", entry.Name, err)
		}

		if created {
			report.Imported++
			metrics.ImportEntries.WithLabelValues("imported").Inc()
		} else {
			report.Updated++
			metrics.ImportEntries.WithLabelValues("updated").Inc()
		}

		if im.cfg.Debug {
			im.logger.Debug("imported channel %q (%s)", entry.Name,
				utils.LogURL(im.cfg.ObfuscateUrls, entry.URL))
		}
	}

	for range skipped {
		metrics.ImportEntries.WithLabelValues("skipped").Inc()
	}

	im.logger.Info("playlist import: %d new, %d updated, %d skipped, %d filtered",
		report.Imported, report.Updated, report.Skipped, report.Filtered)

	return report, nil
}

// filteredOut applies the configured include/exclude name regexes.
func (im *Importer) filteredOut(name string) bool {
	if im.include != nil && !im.include.MatchString(name) {
		return true
	}
	if im.exclude != nil && im.exclude.MatchString(name) {
		return true
	}
	return false
}

// isMasterPlaylist decodes the document with the m3u8 parser and reports
// whether it is a master (multi-variant) playlist. Decode failures mean the
// document is a plain extended playlist and go to the lenient parser.
func isMasterPlaylist(data []byte) bool {
	_, listType, err := m3u8.DecodeFrom(bufio.NewReader(bytes.NewReader(data)), true)
	return err == nil && listType == m3u8.MASTER
}

// ParseDocument scans an extended playlist. Each #EXTINF metadata line is
// paired with the next non-empty, non-comment line as its URL; the display
// name is the text after the final comma of the metadata line. Entries with a
// missing URL line, an unparsable URL or an empty name are returned as skipped
// raw lines. The leniency is deliberate: one bad entry must never abort a
// bulk import.
func ParseDocument(data []byte) ([]Entry, []string) {
	var entries []Entry
	var skipped []string

	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var lines []string
	for scanner.Scan() {
		lines = append(lines, strings.TrimSpace(scanner.Text()))
	}

	for i := 0; i < len(lines); i++ {
		line := lines[i]
		if !strings.HasPrefix(line, "#EXTINF:") {
			continue
		}

		name, attrs := parseExtinf(line)
		name = utils.SanitizeChannelName(name)

		// Find the paired URL line
		urlLine := ""
		next := i + 1
		for ; next < len(lines); next++ {
			if lines[next] == "" {
				continue
			}
			if !strings.HasPrefix(lines[next], "#") {
				urlLine = lines[next]
			}
			break
		}

		if urlLine == "" {
			skipped = append(skipped, line)
			continue
		}
		i = next

		if name == "" {
			skipped = append(skipped, line)
			continue
		}
		if !utils.ValidateStreamURL(urlLine) {
			skipped = append(skipped, urlLine)
			continue
		}

		entries = append(entries, Entry{
			Name:     name,
			URL:      urlLine,
			Category: attrs["group-title"],
			LogoURL:  attrs["tvg-logo"],
			RawLine:  line,
		})
	}

	return entries, skipped
}

// parseExtinf splits an #EXTINF line into the display name after the final
// unquoted comma and its key="value" attributes.
func parseExtinf(line string) (string, map[string]string) {
	attrs := make(map[string]string)
	line = strings.TrimPrefix(line, "#EXTINF:")

	// Last comma outside quotes separates attributes from the name
	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}

	if lastComma == -1 {
		return "", attrs
	}

	attrPart := strings.TrimSpace(line[:lastComma])
	name := strings.TrimSpace(line[lastComma+1:])

	for _, part := range strings.Fields(attrPart) {
		if eqIdx := strings.Index(part, "="); eqIdx != -1 {
			key := part[:eqIdx]
			value := strings.Trim(part[eqIdx+1:], "\"")
			attrs[key] = value
		}
	}

	if name == "" {
		name = attrs["tvg-name"]
	}

	return name, attrs
}
