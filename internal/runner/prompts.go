package runner

import (
	"encoding/csv"
	"fmt"
	"os"
	"strings"
)

// LoadPrompts reads task prompts from a CSV file. The file must have a
// header row containing a "prompt" column (case-insensitive); other columns
// are ignored. Rows with an empty prompt are skipped.
func LoadPrompts(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening prompts file: %w", err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%s is empty", path)
	}

	col := -1
	for i, name := range records[0] {
		if strings.EqualFold(strings.TrimSpace(name), "prompt") {
			col = i
			break
		}
	}
	if col < 0 {
		return nil, fmt.Errorf("%s has no prompt column", path)
	}

	var prompts []string
	for _, row := range records[1:] {
		if col >= len(row) {
			continue
		}
		p := strings.TrimSpace(row[col])
		if p == "" {
			continue
		}
		prompts = append(prompts, p)
	}
	if len(prompts) == 0 {
		return nil, fmt.Errorf("%s contains no prompts", path)
	}
	return prompts, nil
}

// LoadPrompt returns the prompt at the given zero-based index.
func LoadPrompt(path string, index int) (string, error) {
	prompts, err := LoadPrompts(path)
	if err != nil {
		return "", err
	}
	if index < 0 || index >= len(prompts) {
		return "", fmt.Errorf("prompt index %d out of range, file has %d prompts", index, len(prompts))
	}
	return prompts[index], nil
}
