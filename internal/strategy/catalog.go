package strategy

import (
	"os"
	"slices"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Industry describes how to widen the search for one industry.
type Industry struct {
	Name string `yaml:"name"`
	// Match lists lower-case substrings of a query label that select this industry.
	Match         []string `yaml:"match"`
	Terms         []string `yaml:"terms"`
	KnownEntities []string `yaml:"known_entities"`
	ExcludeTerms  []string `yaml:"exclude_terms"`
}

// Catalog is the set of industries and location subdivisions the
// strategies draw their search variants from.
type Catalog struct {
	Industries []Industry `yaml:"industries"`
	// Subdivisions maps a lower-case location key to nearby alternate areas.
	Subdivisions map[string][]string `yaml:"subdivisions"`
}

// LoadCatalog reads a YAML catalog. An empty path returns DefaultCatalog.
// A file without subdivisions keeps the default ones.
func LoadCatalog(path string) (*Catalog, error) {
	if path == "" {
		return DefaultCatalog(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "strategy: read catalog %s", path)
	}

	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, eris.Wrapf(err, "strategy: parse catalog %s", path)
	}
	for i, ind := range c.Industries {
		if strings.TrimSpace(ind.Name) == "" {
			return nil, eris.Errorf("strategy: catalog %s: industry %d has no name", path, i)
		}
		if len(ind.Match) == 0 {
			c.Industries[i].Match = []string{strings.ToLower(ind.Name)}
		}
	}
	if c.Subdivisions == nil {
		c.Subdivisions = DefaultCatalog().Subdivisions
	}
	return &c, nil
}

// Lookup returns the first industry whose match keys occur in query.
func (c *Catalog) Lookup(query string) (Industry, bool) {
	lower := strings.ToLower(query)
	for _, ind := range c.Industries {
		for _, m := range ind.Match {
			if m != "" && strings.Contains(lower, strings.ToLower(m)) {
				return ind, true
			}
		}
	}
	return Industry{}, false
}

// Terms returns up to limit search variants for query, excluding query
// itself. Unknown industries get generic variants.
func (c *Catalog) Terms(query string, limit int) []string {
	query = strings.TrimSpace(query)
	var terms []string
	if ind, ok := c.Lookup(query); ok {
		terms = ind.Terms
	} else {
		terms = []string{
			query + " company",
			query + " services",
			query + " business",
			query + " centre",
		}
	}
	return limitDistinct(terms, limit, query)
}

// KnownEntities returns the known entity names for query's industry.
func (c *Catalog) KnownEntities(query string) []string {
	ind, ok := c.Lookup(query)
	if !ok {
		return nil
	}
	return ind.KnownEntities
}

// Exclusions returns the exclude terms for query's industry.
func (c *Catalog) Exclusions(query string) []string {
	ind, ok := c.Lookup(query)
	if !ok {
		return nil
	}
	return ind.ExcludeTerms
}

// AreasFor returns up to limit alternate areas for location, never
// including location itself. The longest matching key wins.
func (c *Catalog) AreasFor(location string, limit int) []string {
	lower := strings.ToLower(location)
	keys := make([]string, 0, len(c.Subdivisions))
	for k := range c.Subdivisions {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, func(a, b string) int {
		if len(a) != len(b) {
			return len(b) - len(a)
		}
		return strings.Compare(a, b)
	})

	for _, k := range keys {
		if strings.Contains(lower, strings.ToLower(k)) {
			return limitDistinct(c.Subdivisions[k], limit, location)
		}
	}
	return nil
}

// limitDistinct returns the first limit case-insensitively distinct values,
// skipping any equal to skip. A non-positive limit means no limit.
func limitDistinct(values []string, limit int, skip string) []string {
	seen := map[string]bool{strings.ToLower(strings.TrimSpace(skip)): true}
	var out []string
	for _, v := range values {
		key := strings.ToLower(strings.TrimSpace(v))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, strings.TrimSpace(v))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// DefaultCatalog returns the built-in industries and subdivisions.
func DefaultCatalog() *Catalog {
	return &Catalog{
		Industries: []Industry{
			{
				Name:         "restaurants",
				Match:        []string{"restaurant", "food", "cafe", "dining"},
				Terms:        []string{"restaurant", "cafe", "bistro", "diner", "eatery", "brasserie", "gastropub", "fine dining"},
				ExcludeTerms: []string{"fast food", "takeaway"},
			},
			{
				Name:         "retail",
				Match:        []string{"retail", "shop", "store", "boutique"},
				Terms:        []string{"shop", "store", "retail", "boutique", "retail store"},
				ExcludeTerms: []string{"online", "warehouse"},
			},
			{
				Name:  "professional_services",
				Match: []string{"professional", "accountant", "solicitor", "lawyer", "consultant"},
				Terms: []string{"accountant", "lawyer", "solicitor", "consultant", "advisor"},
			},
			{
				Name:         "healthcare",
				Match:        []string{"healthcare", "medical", "dentist", "dental", "clinic", "pharmacy"},
				Terms:        []string{"dentist", "clinic", "medical centre", "pharmacy", "doctors"},
				ExcludeTerms: []string{"NHS", "hospital"},
			},
			{
				Name:  "technology",
				Match: []string{"technology", "tech", "software", "it services"},
				Terms: []string{"technology", "software company", "IT services", "digital services", "computer services"},
			},
			{
				Name:  "construction_training",
				Match: []string{"cpcs", "cscs", "plant training", "construction training"},
				Terms: []string{
					"CPCS training", "CSCS training", "construction training", "plant training",
					"operator training", "plant operator training", "forklift training",
					"excavator training", "telehandler training", "crane training",
				},
				KnownEntities: []string{
					"Operator Skills Hub", "CITB", "Construction Industry Training Board",
					"NPORS", "IPAF", "Lantra", "Construction Skills Hub",
				},
			},
		},
		Subdivisions: map[string][]string{
			"manchester": {
				"Salford, UK", "Stockport, UK", "Bolton, UK", "Bury, UK",
				"Oldham, UK", "Rochdale, UK", "Manchester City Centre, UK",
			},
			"london": {
				"Central London, UK", "East London, UK", "West London, UK",
				"North London, UK", "South London, UK", "Greater London, UK",
			},
			"birmingham": {
				"Birmingham City Centre, UK", "West Midlands, UK", "Coventry, UK", "Wolverhampton, UK",
			},
			"leeds": {
				"Leeds City Centre, UK", "Bradford, UK", "Wakefield, UK", "Harrogate, UK",
			},
			"glasgow": {
				"Glasgow City Centre, UK", "Paisley, UK", "East Kilbride, UK",
			},
		},
	}
}
