package usage

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// LoadResult holds loaded entries and any per-file errors.
type LoadResult struct {
	Entries []LogEntry
	Errors  []error
}

// Load reads every daily file in dir. A missing directory yields an empty
// result.
func Load(dir string) LoadResult {
	var result LoadResult

	files, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return result
	}
	if err != nil {
		result.Errors = append(result.Errors, err)
		return result
	}

	for _, file := range files {
		if file.IsDir() || !strings.HasSuffix(file.Name(), ".jsonl") {
			continue
		}
		entries, errs := loadFile(filepath.Join(dir, file.Name()))
		result.Entries = append(result.Entries, entries...)
		result.Errors = append(result.Errors, errs...)
	}
	return result
}

// LoadForDateRange reads only the daily files between since and until,
// inclusive.
func LoadForDateRange(dir string, since, until time.Time) LoadResult {
	var result LoadResult
	for d := since; !d.After(until); d = d.AddDate(0, 0, 1) {
		filePath := filepath.Join(dir, d.Format("2006-01-02")+".jsonl")
		if _, err := os.Stat(filePath); os.IsNotExist(err) {
			continue
		}
		entries, errs := loadFile(filePath)
		result.Entries = append(result.Entries, entries...)
		result.Errors = append(result.Errors, errs...)
	}
	return result
}

func loadFile(path string) ([]LogEntry, []error) {
	var entries []LogEntry
	var errs []error

	file, err := os.Open(path)
	if err != nil {
		return nil, []error{err}
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		var entry LogEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			continue // Skip invalid lines
		}
		if entry.InputTokens == 0 && entry.OutputTokens == 0 {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		errs = append(errs, err)
	}
	return entries, errs
}

// Summary aggregates usage for one day, provider and model.
type Summary struct {
	Date         string
	Provider     string
	Model        string
	Turns        int
	InputTokens  int
	OutputTokens int
}

// Summarize groups entries by day, provider and model, newest day first.
func Summarize(entries []LogEntry) []Summary {
	type key struct{ date, provider, model string }
	byKey := make(map[key]*Summary)
	for _, e := range entries {
		k := key{e.Timestamp.Format("2006-01-02"), e.Provider, e.Model}
		s, ok := byKey[k]
		if !ok {
			s = &Summary{Date: k.date, Provider: k.provider, Model: k.model}
			byKey[k] = s
		}
		s.Turns++
		s.InputTokens += e.InputTokens
		s.OutputTokens += e.OutputTokens
	}

	out := make([]Summary, 0, len(byKey))
	for _, s := range byKey {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Date != out[j].Date {
			return out[i].Date > out[j].Date
		}
		if out[i].Provider != out[j].Provider {
			return out[i].Provider < out[j].Provider
		}
		return out[i].Model < out[j].Model
	})
	return out
}
