package reconcile

import (
	"math"
	"sort"
	"time"

	"github.com/hpungsan/devmem/internal/record"
)

// DuplicateCandidate is a pair of records whose embeddings are at least as
// similar as the configured threshold. Candidates are never merged here.
type DuplicateCandidate struct {
	A           string             `json:"a"`
	B           string             `json:"b"`
	ContentType record.ContentType `json:"content_type"`
	Score       float64            `json:"score"`
	Gap         string             `json:"gap"`
}

// duplicateScan is the outcome of FindDuplicates.
type duplicateScan struct {
	candidates []DuplicateCandidate
	compared   int
	skipped    int
}

// FindDuplicates compares embeddings only within the same content type and
// only when created_at values are at most window apart. Entries without a
// vector or timestamp are skipped.
func FindDuplicates(items []Embedded, threshold float64, window time.Duration) ([]DuplicateCandidate, int) {
	scan := findDuplicates(items, threshold, window)
	return scan.candidates, scan.compared
}

func findDuplicates(items []Embedded, threshold float64, window time.Duration) duplicateScan {
	var scan duplicateScan
	groups := make(map[record.ContentType][]Embedded)
	for _, it := range items {
		if len(it.Vector) == 0 || it.CreatedAt.IsZero() {
			scan.skipped++
			continue
		}
		groups[it.ContentType] = append(groups[it.ContentType], it)
	}

	for _, group := range groups {
		sort.Slice(group, func(i, j int) bool {
			if !group[i].CreatedAt.Equal(group[j].CreatedAt) {
				return group[i].CreatedAt.Before(group[j].CreatedAt)
			}
			return group[i].ID < group[j].ID
		})
		for i := range group {
			for j := i + 1; j < len(group); j++ {
				gap := group[j].CreatedAt.Sub(group[i].CreatedAt)
				if gap > window {
					break
				}
				scan.compared++
				score, ok := Cosine(group[i].Vector, group[j].Vector)
				if !ok || score < threshold {
					continue
				}
				a, b := group[i].ID, group[j].ID
				if b < a {
					a, b = b, a
				}
				scan.candidates = append(scan.candidates, DuplicateCandidate{
					A:           a,
					B:           b,
					ContentType: group[i].ContentType,
					Score:       score,
					Gap:         gap.String(),
				})
			}
		}
	}

	sort.Slice(scan.candidates, func(i, j int) bool {
		ci, cj := scan.candidates[i], scan.candidates[j]
		if ci.Score != cj.Score {
			return ci.Score > cj.Score
		}
		if ci.A != cj.A {
			return ci.A < cj.A
		}
		return ci.B < cj.B
	})
	return scan
}

// Cosine returns the cosine similarity of a and b. ok is false when the
// vectors differ in length or either has zero magnitude.
func Cosine(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}
