package domain

import (
	"sort"
	"strconv"
)

// seasonSegments maps a championship year to the season identifier the FIA
// document site uses in its URLs.
var seasonSegments = map[int]string{
	2019: "2019-971",
	2020: "2020-1059",
	2021: "2021-1108",
	2022: "2022-2005",
	2023: "2023-2042",
}

// SeasonSegment returns the URL season segment for year, or a validation error
// wrapping ErrUnsupportedYear.
func SeasonSegment(year int) (string, error) {
	seg, ok := seasonSegments[year]
	if !ok {
		return "", NewValidationError("year", strconv.Itoa(year), ErrUnsupportedYear)
	}
	return seg, nil
}

// SupportedYears lists the years with a known season segment, ascending.
func SupportedYears() []int {
	years := make([]int, 0, len(seasonSegments))
	for y := range seasonSegments {
		years = append(years, y)
	}
	sort.Ints(years)
	return years
}
