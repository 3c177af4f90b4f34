package retrieval

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// LoadFewShotExamples reads every CSV file in dir that has patient_input and
// student_response columns and renders the rows as example exchanges for
// the patient persona. A missing directory yields no examples.
func LoadFewShotExamples(dir string) (string, error) {
	if dir == "" {
		return "", nil
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.csv"))
	if err != nil {
		return "", err
	}
	sort.Strings(files)

	var examples []string
	for _, f := range files {
		rows, err := readExamples(f)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f, err)
		}
		examples = append(examples, rows...)
	}
	return strings.Join(examples, "\n\n"), nil
}

func readExamples(path string) ([]string, error) {
	f, err := os.Open(path) //nolint:gosec // path comes from a glob over the configured directory
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.FieldsPerRecord = -1
	header, err := r.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, err
	}
	patientCol, studentCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")) {
		case "patient_input":
			patientCol = i
		case "student_response":
			studentCol = i
		}
	}
	if patientCol < 0 || studentCol < 0 {
		return nil, nil
	}

	var out []string
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if patientCol >= len(rec) || studentCol >= len(rec) {
			continue
		}
		p, s := strings.TrimSpace(rec[patientCol]), strings.TrimSpace(rec[studentCol])
		if p == "" || s == "" {
			continue
		}
		out = append(out, fmt.Sprintf("Student: %s\nPatient: %s", s, p))
	}
	return out, nil
}
