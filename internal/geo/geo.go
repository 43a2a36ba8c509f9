// Package geo decides whether two same-intent pages may coexist because they
// target different locations.
package geo

import (
	"regexp"
	"strings"

	"content-governance/internal/intent"
)

// Source says where an extracted location came from.
type Source string

const (
	SourceNone     Source = ""
	SourceExplicit Source = "explicit"
	SourceTitle    Source = "title"
	SourcePath     Source = "path"
)

// Subject is the part of a page the resolver reads.
type Subject struct {
	ID       string
	Title    string
	Path     string
	Location string
}

// Location is an extracted, normalized location.
type Location struct {
	Value  string `json:"value"`
	Source Source `json:"source,omitempty"`
}

// Decision is the tie-break outcome.
type Decision struct {
	Granted   bool     `json:"granted"`
	LocationA Location `json:"location_a"`
	LocationB Location `json:"location_b"`
	Reason    string   `json:"reason"`
}

// Resolver extracts locations and grants or denies the exception.
type Resolver struct {
	heuristics bool
}

// NewResolver builds a resolver. With heuristics disabled only the explicit
// location field counts.
func NewResolver(heuristics bool) *Resolver {
	return &Resolver{heuristics: heuristics}
}

// Resolve grants the exception iff both pages have non-empty locations that differ.
func (r *Resolver) Resolve(a, b Subject) Decision {
	la := r.Extract(a)
	lb := r.Extract(b)
	d := Decision{LocationA: la, LocationB: lb}
	switch {
	case la.Value == "" || lb.Value == "":
		d.Reason = "location missing on at least one page"
	case la.Value == lb.Value:
		d.Reason = "both pages target " + la.Value
	default:
		d.Granted = true
		d.Reason = "pages target different locations: " + la.Value + " vs " + lb.Value
	}
	return d
}

// Extract returns the page location, preferring the explicit field.
func (r *Resolver) Extract(s Subject) Location {
	if v := intent.Normalize(s.Location); v != "" {
		return Location{Value: v, Source: SourceExplicit}
	}
	if !r.heuristics {
		return Location{}
	}
	if v := fromTitle(s.Title); v != "" {
		return Location{Value: v, Source: SourceTitle}
	}
	if v := fromPath(s.Path); v != "" {
		return Location{Value: v, Source: SourcePath}
	}
	return Location{}
}

var (
	// "Best Plumbers in Austin", "Roof Repair near San Antonio, TX"
	titleIn = regexp.MustCompile(`\b(?:in|near)\s+((?:[A-Z][\p{L}'.-]*)(?:\s+[A-Z][\p{L}'.-]*)*)(?:,\s*([A-Z]{2}))?\s*$`)
	// "Austin, TX Plumbers", "Plumbers - Denver, CO"
	titleCityState = regexp.MustCompile(`((?:[A-Z][\p{L}'.-]*)(?:\s+[A-Z][\p{L}'.-]*)*),\s*([A-Z]{2})\b`)
	// "/plumbers-in-austin", "/services/roofing-in-san-antonio-tx"
	pathIn = regexp.MustCompile(`-in-([a-z]+(?:-[a-z]+)*)$`)
)

// A heuristic match only counts as a location when it names a known city or
// carries a state code. Codes that are also English words ("in", "or", "me")
// need a known city on their own.

func fromTitle(title string) string {
	title = strings.TrimSpace(title)
	if m := titleIn.FindStringSubmatch(title); m != nil {
		if city := intent.Normalize(m[1]); located(city, m[2]) {
			return city
		}
	}
	if m := titleCityState.FindStringSubmatch(title); m != nil {
		if city := intent.Normalize(cityTail(m[1])); located(city, m[2]) {
			return city
		}
	}
	return ""
}

func fromPath(path string) string {
	segments := strings.Split(strings.Trim(strings.ToLower(path), "/"), "/")
	for i := len(segments) - 1; i >= 0; i-- {
		seg := segments[i]
		if m := pathIn.FindStringSubmatch(seg); m != nil {
			city, state := splitState(m[1])
			if city = intent.Normalize(city); located(city, state) {
				return city
			}
		}
		parts := strings.Split(seg, "-")
		n := len(parts)
		if n < 2 || !usStates[strings.ToUpper(parts[n-1])] {
			continue
		}
		// Longest known city first: "salt-lake-city-ut" before "city-ut".
		for k := min(3, n-1); k >= 2; k-- {
			if city := intent.Normalize(strings.Join(parts[n-1-k:n-1], " ")); knownCities[city] {
				return city
			}
		}
		if city := intent.Normalize(parts[n-2]); located(city, strings.ToUpper(parts[n-1])) {
			return city
		}
	}
	return ""
}

// splitState separates a trailing state code from a slug.
func splitState(slug string) (city, state string) {
	parts := strings.Split(slug, "-")
	if n := len(parts); n >= 2 && usStates[strings.ToUpper(parts[n-1])] {
		return strings.Join(parts[:n-1], " "), strings.ToUpper(parts[n-1])
	}
	return strings.Join(parts, " "), ""
}

func located(city, state string) bool {
	if city == "" {
		return false
	}
	if knownCities[city] {
		return true
	}
	return usStates[state] && !wordStates[state]
}

// cityTail keeps the last word of a capitalized run, plus the word before it
// when that is a common city prefix ("San Antonio", "New York").
// The leading words of "Emergency Plumbers Austin, TX" are the service.
func cityTail(s string) string {
	words := strings.Fields(s)
	n := len(words)
	if n == 0 {
		return ""
	}
	if n >= 2 && cityPrefixes[words[n-2]] {
		return words[n-2] + " " + words[n-1]
	}
	return words[n-1]
}

var cityPrefixes = map[string]bool{
	"San": true, "Santa": true, "Los": true, "Las": true, "New": true, "Fort": true,
	"Saint": true, "St.": true, "El": true, "Palm": true, "Salt": true, "Baton": true,
	"Kansas": true, "Oklahoma": true, "Colorado": true, "Corpus": true, "Grand": true,
}

var usStates = map[string]bool{
	"AL": true, "AK": true, "AZ": true, "AR": true, "CA": true, "CO": true, "CT": true, "DE": true,
	"FL": true, "GA": true, "HI": true, "ID": true, "IL": true, "IN": true, "IA": true, "KS": true,
	"KY": true, "LA": true, "ME": true, "MD": true, "MA": true, "MI": true, "MN": true, "MS": true,
	"MO": true, "MT": true, "NE": true, "NV": true, "NH": true, "NJ": true, "NM": true, "NY": true,
	"NC": true, "ND": true, "OH": true, "OK": true, "OR": true, "PA": true, "RI": true, "SC": true,
	"SD": true, "TN": true, "TX": true, "UT": true, "VT": true, "VA": true, "WA": true, "WV": true,
	"WI": true, "WY": true, "DC": true,
}

// wordStates are state codes that double as common English words.
var wordStates = map[string]bool{
	"IN": true, "OR": true, "ME": true, "HI": true, "OH": true, "OK": true, "LA": true,
	"DE": true, "PA": true, "MA": true, "CO": true, "ID": true, "AL": true, "MD": true,
}

// knownCities are normalized names of large US cities.
var knownCities = map[string]bool{
	"new york": true, "los angeles": true, "chicago": true, "houston": true, "phoenix": true,
	"philadelphia": true, "san antonio": true, "san diego": true, "dallas": true, "san jose": true,
	"austin": true, "jacksonville": true, "fort worth": true, "columbus": true, "charlotte": true,
	"indianapolis": true, "san francisco": true, "seattle": true, "denver": true, "oklahoma city": true,
	"nashville": true, "washington": true, "el paso": true, "las vegas": true, "boston": true,
	"detroit": true, "portland": true, "louisville": true, "memphis": true, "baltimore": true,
	"milwaukee": true, "albuquerque": true, "tucson": true, "fresno": true, "sacramento": true,
	"mesa": true, "atlanta": true, "kansas city": true, "colorado springs": true, "omaha": true,
	"raleigh": true, "miami": true, "long beach": true, "virginia beach": true, "oakland": true,
	"minneapolis": true, "tulsa": true, "tampa": true, "arlington": true, "new orleans": true,
	"wichita": true, "cleveland": true, "bakersfield": true, "aurora": true, "anaheim": true,
	"honolulu": true, "santa ana": true, "riverside": true, "corpus christi": true, "lexington": true,
	"henderson": true, "stockton": true, "saint paul": true, "st paul": true, "cincinnati": true,
	"st louis": true, "saint louis": true, "pittsburgh": true, "greensboro": true, "lincoln": true,
	"anchorage": true, "plano": true, "orlando": true, "irvine": true, "newark": true,
	"durham": true, "chula vista": true, "toledo": true, "fort wayne": true, "st petersburg": true,
	"laredo": true, "jersey city": true, "chandler": true, "madison": true, "lubbock": true,
	"scottsdale": true, "reno": true, "buffalo": true, "gilbert": true, "glendale": true,
	"north las vegas": true, "winston salem": true, "chesapeake": true, "norfolk": true, "fremont": true,
	"garland": true, "irving": true, "hialeah": true, "richmond": true, "boise": true,
	"spokane": true, "baton rouge": true, "salt lake city": true, "des moines": true, "birmingham": true,
	"rochester": true, "tacoma": true, "grand rapids": true, "little rock": true, "knoxville": true,
	"providence": true, "hartford": true, "charleston": true, "savannah": true, "palm springs": true,
}
