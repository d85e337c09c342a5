package cohorts

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Comparison is a target/comparator exposure pair under study.
type Comparison struct {
	TargetID     int
	ComparatorID int
}

// CombinedCohortID derives the cohort definition id for the union of a
// target/comparator pair.
func (c Comparison) CombinedCohortID() int {
	return c.TargetID*1000 + c.ComparatorID
}

// ExposureIDs returns the distinct exposure cohort ids across comparisons,
// in first-seen order.
func ExposureIDs(comparisons []Comparison) []int {
	seen := make(map[int]bool)
	var ids []int
	for _, c := range comparisons {
		for _, id := range []int{c.TargetID, c.ComparatorID} {
			if !seen[id] {
				seen[id] = true
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// LoadComparisons reads the comparison set from a CSV file with header
// target_id,comparator_id.
func LoadComparisons(path string) ([]Comparison, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open comparisons file: %w", err)
	}
	defer func() { _ = f.Close() }()

	reader := csv.NewReader(f)
	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("failed to read comparisons header: %w", err)
	}

	targetCol, comparatorCol := -1, -1
	for i, name := range header {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "target_id":
			targetCol = i
		case "comparator_id":
			comparatorCol = i
		}
	}
	if targetCol < 0 || comparatorCol < 0 {
		return nil, fmt.Errorf("comparisons file must have target_id and comparator_id columns, got %v", header)
	}

	var comparisons []Comparison
	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read comparisons: %w", err)
	}
	for i, record := range records {
		target, err := strconv.Atoi(strings.TrimSpace(record[targetCol]))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid target_id %q", i+2, record[targetCol])
		}
		comparator, err := strconv.Atoi(strings.TrimSpace(record[comparatorCol]))
		if err != nil {
			return nil, fmt.Errorf("row %d: invalid comparator_id %q", i+2, record[comparatorCol])
		}
		comparisons = append(comparisons, Comparison{TargetID: target, ComparatorID: comparator})
	}

	if len(comparisons) == 0 {
		return nil, fmt.Errorf("comparisons file contains no comparisons")
	}

	return comparisons, nil
}
