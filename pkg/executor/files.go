package executor

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/morezero/taskrunner/pkg/access"
	"github.com/morezero/taskrunner/pkg/taskerr"
	"github.com/morezero/taskrunner/pkg/tasks"
)

const filesLogPrefix = "executor:files"

// dateLayouts are tried in order for each line of a dates file.
var dateLayouts = []string{
	"2006-01-02",
	"02-Jan-2006",
	"Jan 02, 2006",
	"2006/01/02 15:04:05",
	"2006/01/02",
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// CountWeekday counts the dates in input_file that fall on weekday and writes the count
// to output_file.
type CountWeekday struct {
	Access *access.Policy
}

// Execute reads one date per line from input_file (default /data/dates.txt). Blank and
// unparseable lines are skipped. weekday defaults to wednesday.
func (e *CountWeekday) Execute(_ context.Context, params tasks.Parameters) (bool, error) {
	const stage = "count_weekday"
	name := strings.ToLower(strings.TrimSpace(params.StringOr("weekday", "wednesday")))
	day, ok := weekdays[name]
	if !ok {
		return false, taskerr.Newf(taskerr.CodeValidation, stage, "unknown weekday: %s", name)
	}
	input := params.StringOr("input_file", "/data/dates.txt")
	output := params.StringOr("output_file", "/data/dates-"+name+"s.txt")

	data, err := e.Access.ReadFile(input)
	if err != nil {
		return false, err
	}

	count, skipped := 0, 0
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		t, ok := parseDate(line)
		if !ok {
			skipped++
			continue
		}
		if t.Weekday() == day {
			count++
		}
	}
	if err := scanner.Err(); err != nil {
		return false, taskerr.Wrap(taskerr.CodeExecution, stage, "failed to scan dates", err)
	}
	if skipped > 0 {
		slog.Warn(fmt.Sprintf("%s - Skipped %d unparseable dates in %s", filesLogPrefix, skipped, input))
	}

	if err := e.Access.WriteFile(output, []byte(strconv.Itoa(count)), 0o644); err != nil {
		return false, err
	}
	slog.Info(fmt.Sprintf("%s - Counted %d %ss in %s", filesLogPrefix, count, name, input))
	return true, nil
}

func parseDate(s string) (time.Time, bool) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// SortContacts sorts a JSON array of contacts by last_name, then first_name.
type SortContacts struct {
	Access *access.Policy
}

// Execute reads input_file and writes the sorted array to output_file.
func (e *SortContacts) Execute(_ context.Context, params tasks.Parameters) (bool, error) {
	const stage = "sort_contacts"
	input := params.StringOr("input_file", "/data/contacts.json")
	output := params.StringOr("output_file", "/data/contacts-sorted.json")

	data, err := e.Access.ReadFile(input)
	if err != nil {
		return false, err
	}
	var contacts []map[string]interface{}
	if err := json.Unmarshal(data, &contacts); err != nil {
		return false, taskerr.Wrap(taskerr.CodeExecution, stage, "contacts file must be a JSON array of objects", err)
	}

	field := func(c map[string]interface{}, k string) string {
		s, _ := c[k].(string)
		return s
	}
	sort.SliceStable(contacts, func(i, j int) bool {
		li, lj := field(contacts[i], "last_name"), field(contacts[j], "last_name")
		if li != lj {
			return li < lj
		}
		return field(contacts[i], "first_name") < field(contacts[j], "first_name")
	})

	out, err := json.MarshalIndent(contacts, "", "  ")
	if err != nil {
		return false, taskerr.Wrap(taskerr.CodeExecution, stage, "failed to encode contacts", err)
	}
	if err := e.Access.WriteFile(output, out, 0o644); err != nil {
		return false, err
	}
	slog.Info(fmt.Sprintf("%s - Sorted %d contacts into %s", filesLogPrefix, len(contacts), output))
	return true, nil
}

// RecentLogs writes the first line of the most recently modified .log files, newest first.
type RecentLogs struct {
	Access *access.Policy
	// Count defaults to 10.
	Count int
}

// Execute scans input_dir (default /data/logs) and writes one line per log to output_file.
func (e *RecentLogs) Execute(_ context.Context, params tasks.Parameters) (bool, error) {
	const stage = "recent_logs"
	inputDir := params.StringOr("input_dir", "/data/logs")
	output := params.StringOr("output_file", "/data/logs-recent.txt")
	count := e.Count
	if count <= 0 {
		count = 10
	}

	dir, err := e.Access.CheckDir(inputDir)
	if err != nil {
		return false, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return false, taskerr.Newf(taskerr.CodeNotFound, stage, "directory not found: %s", inputDir)
		}
		return false, taskerr.Wrap(taskerr.CodeExecution, stage, "failed to list logs", err)
	}

	type logFile struct {
		path    string
		modTime time.Time
	}
	var logs []logFile
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		logs = append(logs, logFile{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	sort.SliceStable(logs, func(i, j int) bool {
		if !logs[i].modTime.Equal(logs[j].modTime) {
			return logs[i].modTime.After(logs[j].modTime)
		}
		return logs[i].path < logs[j].path
	})
	if len(logs) > count {
		logs = logs[:count]
	}

	var b strings.Builder
	for _, l := range logs {
		data, err := e.Access.ReadFile(l.path)
		if err != nil {
			return false, err
		}
		first, _, _ := strings.Cut(string(data), "\n")
		b.WriteString(strings.TrimRight(first, "\r"))
		b.WriteString("\n")
	}

	if err := e.Access.WriteFile(output, []byte(b.String()), 0o644); err != nil {
		return false, err
	}
	slog.Info(fmt.Sprintf("%s - Wrote first lines of %d logs to %s", filesLogPrefix, len(logs), output))
	return true, nil
}

// MarkdownIndex maps each Markdown file under input_dir to its first H1 title.
type MarkdownIndex struct {
	Access *access.Policy
}

// Execute walks input_dir recursively and writes the index as JSON keyed by the path
// relative to input_dir. Files without an H1 are left out.
func (e *MarkdownIndex) Execute(_ context.Context, params tasks.Parameters) (bool, error) {
	const stage = "markdown_index"
	inputDir := params.StringOr("input_dir", "/data/docs")
	output := params.StringOr("output_file", "/data/docs/index.json")

	root, err := e.Access.CheckDir(inputDir)
	if err != nil {
		return false, err
	}
	if info, err := os.Stat(root); err != nil || !info.IsDir() {
		return false, taskerr.Newf(taskerr.CodeNotFound, stage, "directory not found: %s", inputDir)
	}

	index := map[string]string{}
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		data, err := e.Access.ReadFile(path)
		if err != nil {
			return err
		}
		title, ok := firstHeading(data)
		if !ok {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		index[filepath.ToSlash(rel)] = title
		return nil
	})
	if err != nil {
		if taskerr.CodeOf(err) != taskerr.CodeInternal {
			return false, err
		}
		return false, taskerr.Wrap(taskerr.CodeExecution, stage, "failed to index markdown files", err)
	}

	out, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return false, taskerr.Wrap(taskerr.CodeExecution, stage, "failed to encode index", err)
	}
	if err := e.Access.WriteFile(output, out, 0o644); err != nil {
		return false, err
	}
	slog.Info(fmt.Sprintf("%s - Indexed %d markdown files into %s", filesLogPrefix, len(index), output))
	return true, nil
}

// firstHeading returns the text of the first "# " line.
func firstHeading(data []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if strings.HasPrefix(line, "# ") {
			return strings.TrimSpace(strings.TrimPrefix(line, "# ")), true
		}
	}
	return "", false
}
