package shipz

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// DefaultCountry is the only destination country the engine quotes for
// unless a Normalizer is built for another one.
const DefaultCountry = "MX"

var postalCodePattern = regexp.MustCompile(`^\d{5}$`)

// Address is a destination or origin as entered by a customer or operator.
type Address struct {
	PostalCode string `json:"postal_code"`
	State      string `json:"state"`
	City       string `json:"city"`
	Country    string `json:"country"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
}

// NormalizedAddress is an Address in canonical form. Known ambiguous metros
// are rewritten to one spelling so that cache keys and carrier calls agree.
type NormalizedAddress struct {
	PostalCode string `json:"postal_code"`
	State      string `json:"state"`
	City       string `json:"city"`
	Country    string `json:"country"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	Metro      string `json:"metro,omitempty"`
}

// WithLocality returns a copy of a with state and city replaced.
func (a NormalizedAddress) WithLocality(l Locality) NormalizedAddress {
	a.State = l.State
	a.City = l.City
	return a
}

// Locality is one state/city spelling tried against the carrier.
type Locality struct {
	State string `json:"state"`
	City  string `json:"city"`
}

// MetroAlias describes a metropolitan area the carrier geocodes
// inconsistently. Variants[0] is canonical; later entries are progressively
// older spellings. An address belongs to the metro when its folded state or
// city matches one of Aliases, or its postal code starts with one of
// PostalPrefixes.
type MetroAlias struct {
	Name           string
	Aliases        []string
	PostalPrefixes []string
	Variants       []Locality
}

// DefaultMetros returns the built-in metro table.
func DefaultMetros() []MetroAlias {
	return []MetroAlias{
		{
			Name: "mexico-city",
			Aliases: []string{
				"cdmx", "ciudad de mexico", "ciudad de méxico", "mexico city",
				"df", "d.f.", "distrito federal", "mexico df", "mexico d.f.",
			},
			PostalPrefixes: []string{
				"01", "02", "03", "04", "05", "06", "07", "08",
				"09", "10", "11", "12", "13", "14", "15", "16",
			},
			Variants: []Locality{
				{State: "Ciudad de Mexico", City: "Ciudad de Mexico"},
				{State: "CDMX", City: "Ciudad de Mexico"},
				{State: "Distrito Federal", City: "Mexico"},
			},
		},
	}
}

// Normalizer canonicalizes addresses. It is immutable after construction
// and safe for concurrent use.
type Normalizer struct {
	country string
	metros  []MetroAlias
	aliases map[string]int
}

// NewNormalizer creates a Normalizer for the supported country. When no
// metros are given DefaultMetros is used.
func NewNormalizer(country string, metros ...MetroAlias) *Normalizer {
	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		country = DefaultCountry
	}
	if len(metros) == 0 {
		metros = DefaultMetros()
	}
	n := &Normalizer{
		country: country,
		metros:  metros,
		aliases: make(map[string]int),
	}
	for i, m := range metros {
		for _, a := range m.Aliases {
			n.aliases[fold(a)] = i
		}
		// Variant cities are not registered: "Mexico" is also a state.
		for _, v := range m.Variants {
			n.aliases[fold(v.State)] = i
		}
	}
	return n
}

// Country returns the supported destination country.
func (n *Normalizer) Country() string {
	return n.country
}

// Validate rejects destinations the carrier cannot be asked about.
// All failures are KindInvalidDestination with the offending field set.
func (n *Normalizer) Validate(a Address) error {
	country := strings.ToUpper(strings.TrimSpace(a.Country))
	if country != "" && country != n.country {
		return &Error{Kind: KindInvalidDestination, Op: []string{"validate"}, Field: "country",
			Err: errors.New("unsupported country " + country)}
	}
	if !postalCodePattern.MatchString(strings.TrimSpace(a.PostalCode)) {
		return &Error{Kind: KindInvalidDestination, Op: []string{"validate"}, Field: "postal_code",
			Err: errors.New("postal code must be five digits")}
	}
	if strings.TrimSpace(a.State) == "" && strings.TrimSpace(a.City) == "" {
		return &Error{Kind: KindInvalidDestination, Op: []string{"validate"}, Field: "city",
			Err: errors.New("state or city is required")}
	}
	return nil
}

// Normalize returns the canonical form of a. It never fails: addresses
// outside the metro table are trimmed and title-cased.
func (n *Normalizer) Normalize(a Address) NormalizedAddress {
	out := NormalizedAddress{
		PostalCode: strings.TrimSpace(a.PostalCode),
		State:      collapseSpaces(a.State),
		City:       collapseSpaces(a.City),
		Country:    strings.ToUpper(strings.TrimSpace(a.Country)),
		Line1:      collapseSpaces(a.Line1),
		Line2:      collapseSpaces(a.Line2),
	}
	if out.Country == "" {
		out.Country = n.country
	}
	if i, ok := n.metroFor(out); ok {
		m := n.metros[i]
		out.Metro = m.Name
		if len(m.Variants) > 0 {
			return out.WithLocality(m.Variants[0])
		}
		return out
	}
	caser := cases.Title(language.Und, cases.NoLower)
	out.State = caser.String(out.State)
	out.City = caser.String(out.City)
	return out
}

// FallbackAttempts returns the ordered spellings to try against the
// carrier, most canonical first. Non-metro addresses yield exactly one
// entry, the address itself.
func (n *Normalizer) FallbackAttempts(a NormalizedAddress) []NormalizedAddress {
	if a.Metro == "" {
		return []NormalizedAddress{a}
	}
	for _, m := range n.metros {
		if m.Name != a.Metro || len(m.Variants) == 0 {
			continue
		}
		attempts := make([]NormalizedAddress, 0, len(m.Variants))
		seen := make(map[Locality]bool, len(m.Variants))
		for _, v := range m.Variants {
			if seen[v] {
				continue
			}
			seen[v] = true
			attempts = append(attempts, a.WithLocality(v))
		}
		return attempts
	}
	return []NormalizedAddress{a}
}

func (n *Normalizer) metroFor(a NormalizedAddress) (int, bool) {
	if a.Country != n.country {
		return 0, false
	}
	if i, ok := n.aliases[fold(a.State)]; ok && a.State != "" {
		return i, true
	}
	if i, ok := n.aliases[fold(a.City)]; ok && a.City != "" {
		return i, true
	}
	// Postal prefixes only decide when the locality is blank; a named
	// locality outside the table wins over a coincidental prefix.
	if a.State != "" || a.City != "" {
		return 0, false
	}
	for i, m := range n.metros {
		for _, p := range m.PostalPrefixes {
			if strings.HasPrefix(a.PostalCode, p) {
				return i, true
			}
		}
	}
	return 0, false
}

// fold lower-cases s, strips diacritics and collapses whitespace.
func fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(collapseSpaces(out))
}

func collapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
