// Package version orders release version strings such as "11.13.4",
// "2.0.0-rc" and "1.0.0.1".
package version

import (
	"sort"
	"strconv"
	"strings"
)

var tagRank = map[string]int{
	"alpha":  1,
	"beta":   2,
	"rc":     3,
	"ga":     4,
	"stable": 5,
}

// Compare returns -1, 0 or 1 as a sorts before, equal to or after b.
// Dots and dashes both separate segments. Numeric segments compare by
// value; tags rank alpha < beta < rc < ga < stable, and a version without a
// trailing tag sorts after the same version with one.
func Compare(a, b string) int {
	pa, pb := segments(a), segments(b)
	for i := 0; i < len(pa) || i < len(pb); i++ {
		if i >= len(pa) || i >= len(pb) {
			extraOnA := i < len(pa)
			extra := pb
			if extraOnA {
				extra = pa
			}
			_, numeric := number(extra[i])
			_, known := tagRank[extra[i]]
			if !numeric && known {
				// 1.0.0 > 1.0.0-rc
				if extraOnA {
					return -1
				}
				return 1
			}
			if extraOnA {
				return 1
			}
			return -1
		}

		sa, sb := pa[i], pb[i]
		na, aNum := number(sa)
		nb, bNum := number(sb)
		switch {
		case aNum && bNum:
			if na != nb {
				return sign(na - nb)
			}
		case !aNum && !bNum:
			if ra, rb := tagRank[sa], tagRank[sb]; ra != rb {
				return sign(float64(ra - rb))
			}
			if c := strings.Compare(sa, sb); c != 0 {
				return c
			}
		case aNum:
			return 1
		default:
			return -1
		}
	}
	return 0
}

// Sort returns a sorted copy of versions.
func Sort(versions []string, descending bool) []string {
	out := append([]string(nil), versions...)
	sort.SliceStable(out, func(i, j int) bool {
		if descending {
			return Compare(out[i], out[j]) > 0
		}
		return Compare(out[i], out[j]) < 0
	})
	return out
}

func segments(v string) []string {
	return strings.Split(strings.ReplaceAll(strings.ToLower(v), "-", "."), ".")
}

// number parses a numeric segment. An empty segment counts as zero.
func number(s string) (float64, bool) {
	if s == "" {
		return 0, true
	}
	n, err := strconv.ParseFloat(s, 64)
	return n, err == nil
}

func sign(f float64) int {
	switch {
	case f > 0:
		return 1
	case f < 0:
		return -1
	}
	return 0
}
