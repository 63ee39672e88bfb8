package measurement

import "sort"

// Merge combines two record sets by identifier. The result holds every
// record of a in its original order, followed by the records of b whose
// ID has not been seen yet, also in order. Neither input is modified.
func Merge(a, b []Record) []Record {
	out := make([]Record, 0, len(a)+len(b))
	seen := make(map[string]struct{}, len(a)+len(b))

	for _, rec := range a {
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}
	for _, rec := range b {
		if _, dup := seen[rec.ID]; dup {
			continue
		}
		seen[rec.ID] = struct{}{}
		out = append(out, rec)
	}

	return out
}

// IDs returns the identifiers of records in order.
func IDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

// SortByTimestamp orders records chronologically, keeping arrival order
// between records with equal timestamps.
func SortByTimestamp(records []Record) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Timestamp.Before(records[j].Timestamp)
	})
}
