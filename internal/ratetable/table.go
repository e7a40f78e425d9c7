// Package ratetable holds the versioned ICMS, NCM and CFOP tables consumed by
// the validator. A Snapshot is immutable once built; reloads swap snapshots.
package ratetable

import (
	_ "embed"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/rezonia/fiscal-processor/internal/accesskey"
	"github.com/rezonia/fiscal-processor/internal/model"
)

//go:embed default_rates.yaml
var defaultRates []byte

// Basis names the rule that produced an expected ICMS rate
type Basis string

const (
	BasisPair       Basis = "pair"
	BasisInternal   Basis = "internal"
	BasisImported   Basis = "imported"
	BasisReduced    Basis = "reduced"
	BasisInterstate Basis = "interstate"
)

// Snapshot is one immutable version of the rate tables
type Snapshot struct {
	Version   string
	Source    string
	LoadedAt  time.Time
	Tolerance decimal.Decimal
	ICMS      ICMSTable
	NCM       []NCMRate
	CFOP      map[string]string
}

// ICMSTable holds intrastate and interstate ICMS rates
type ICMSTable struct {
	DefaultInterstate decimal.Decimal
	ReducedInterstate decimal.Decimal
	Imported          decimal.Decimal
	Internal          map[string]decimal.Decimal
	Pairs             map[string]decimal.Decimal
}

// NCMRate is the federal tax profile of an NCM prefix
type NCMRate struct {
	Prefix      string
	Description string
	IPI         decimal.Decimal
	PIS         decimal.Decimal
	COFINS      decimal.Decimal
}

// Counts summarizes a snapshot for reporting
type Counts struct {
	InternalRates int `json:"internal_rates"`
	Pairs         int `json:"pairs"`
	NCM           int `json:"ncm"`
	CFOP          int `json:"cfop"`
}

// raw YAML layout; decimals stay strings until validated
type rawSnapshot struct {
	Version   string `yaml:"version"`
	Tolerance string `yaml:"tolerance"`
	ICMS      struct {
		DefaultInterstate string            `yaml:"default_interstate"`
		ReducedInterstate string            `yaml:"reduced_interstate"`
		Imported          string            `yaml:"imported"`
		Internal          map[string]string `yaml:"internal"`
		Pairs             []struct {
			Origin      string `yaml:"origin"`
			Destination string `yaml:"destination"`
			Rate        string `yaml:"rate"`
		} `yaml:"pairs"`
	} `yaml:"icms"`
	NCM []struct {
		Prefix      string `yaml:"prefix"`
		Description string `yaml:"description"`
		IPI         string `yaml:"ipi"`
		PIS         string `yaml:"pis"`
		COFINS      string `yaml:"cofins"`
	} `yaml:"ncm"`
	CFOP map[string]string `yaml:"cfop"`
}

// Default returns the embedded table
func Default() *Snapshot {
	s, err := Parse(defaultRates, "embedded")
	if err != nil {
		panic(fmt.Sprintf("embedded rate table: %v", err))
	}
	return s
}

// Parse builds a snapshot from YAML
func Parse(data []byte, source string) (*Snapshot, error) {
	var raw rawSnapshot
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rate table: %w", err)
	}

	p := &rateParser{}
	s := &Snapshot{
		Version:   strings.TrimSpace(raw.Version),
		Source:    source,
		LoadedAt:  time.Now(),
		Tolerance: p.rate("tolerance", raw.Tolerance, true),
		ICMS: ICMSTable{
			DefaultInterstate: p.rate("icms.default_interstate", raw.ICMS.DefaultInterstate, false),
			ReducedInterstate: p.rate("icms.reduced_interstate", raw.ICMS.ReducedInterstate, false),
			Imported:          p.rate("icms.imported", raw.ICMS.Imported, false),
			Internal:          make(map[string]decimal.Decimal, len(raw.ICMS.Internal)),
			Pairs:             make(map[string]decimal.Decimal, len(raw.ICMS.Pairs)),
		},
		CFOP: make(map[string]string, len(raw.CFOP)),
	}
	if s.Version == "" {
		p.fail(fmt.Errorf("version is required"))
	}

	for uf, v := range raw.ICMS.Internal {
		uf = strings.ToUpper(uf)
		if !accesskey.KnownUF(uf) {
			p.fail(fmt.Errorf("icms.internal: unknown UF %q", uf))
		}
		s.ICMS.Internal[uf] = p.rate("icms.internal."+uf, v, false)
	}
	for i, pair := range raw.ICMS.Pairs {
		o, d := strings.ToUpper(pair.Origin), strings.ToUpper(pair.Destination)
		if !knownParty(o) || !knownParty(d) {
			p.fail(fmt.Errorf("icms.pairs[%d]: unknown UF pair %s-%s", i, o, d))
		}
		s.ICMS.Pairs[pairKey(o, d)] = p.rate(fmt.Sprintf("icms.pairs[%d].rate", i), pair.Rate, false)
	}

	for i, n := range raw.NCM {
		prefix := strings.TrimSpace(n.Prefix)
		if len(prefix) < 2 || len(prefix) > 8 || !isDigits(prefix) {
			p.fail(fmt.Errorf("ncm[%d]: invalid prefix %q", i, n.Prefix))
		}
		field := fmt.Sprintf("ncm[%d]", i)
		s.NCM = append(s.NCM, NCMRate{
			Prefix:      prefix,
			Description: n.Description,
			IPI:         p.rate(field+".ipi", n.IPI, true),
			PIS:         p.rate(field+".pis", n.PIS, true),
			COFINS:      p.rate(field+".cofins", n.COFINS, true),
		})
	}
	// longest prefix first, then lexical, so lookups are deterministic
	sort.SliceStable(s.NCM, func(i, j int) bool {
		if len(s.NCM[i].Prefix) != len(s.NCM[j].Prefix) {
			return len(s.NCM[i].Prefix) > len(s.NCM[j].Prefix)
		}
		return s.NCM[i].Prefix < s.NCM[j].Prefix
	})

	for code, desc := range raw.CFOP {
		if len(code) != 4 || !isDigits(code) {
			p.fail(fmt.Errorf("cfop: invalid code %q", code))
		}
		s.CFOP[code] = desc
	}

	if p.err != nil {
		return nil, p.err
	}
	return s, nil
}

// ExpectedICMS returns the ICMS rate expected for an operation from origin to
// destination. ok is false when no rate applies (unknown UF, exports, or an
// intrastate operation for a UF missing from the table).
func (s *Snapshot) ExpectedICMS(origin, destination string, imported bool) (rate decimal.Decimal, basis Basis, ok bool) {
	if origin == "" || destination == "" {
		return decimal.Zero, "", false
	}
	if r, found := s.ICMS.Pairs[pairKey(origin, destination)]; found {
		return r, BasisPair, true
	}
	if destination == model.ForeignUF {
		return decimal.Zero, "", false
	}
	if origin == destination {
		r, found := s.ICMS.Internal[origin]
		return r, BasisInternal, found
	}
	if !accesskey.KnownUF(origin) || !accesskey.KnownUF(destination) {
		return decimal.Zero, "", false
	}
	if imported {
		return s.ICMS.Imported, BasisImported, true
	}
	if southSoutheast(origin) && !southSoutheast(destination) {
		return s.ICMS.ReducedInterstate, BasisReduced, true
	}
	return s.ICMS.DefaultInterstate, BasisInterstate, true
}

// LookupNCM returns the entry with the longest prefix of ncm
func (s *Snapshot) LookupNCM(ncm string) (NCMRate, bool) {
	for _, n := range s.NCM {
		if strings.HasPrefix(ncm, n.Prefix) {
			return n, true
		}
	}
	return NCMRate{}, false
}

// HasCFOPTable reports whether the snapshot lists CFOP codes
func (s *Snapshot) HasCFOPTable() bool {
	return len(s.CFOP) > 0
}

// CFOPDescription returns the description of code
func (s *Snapshot) CFOPDescription(code string) (string, bool) {
	d, ok := s.CFOP[code]
	return d, ok
}

// Counts summarizes table sizes
func (s *Snapshot) Counts() Counts {
	return Counts{
		InternalRates: len(s.ICMS.Internal),
		Pairs:         len(s.ICMS.Pairs),
		NCM:           len(s.NCM),
		CFOP:          len(s.CFOP),
	}
}

// Within reports whether declared is within the snapshot tolerance of expected
func (s *Snapshot) Within(declared, expected decimal.Decimal) bool {
	return declared.Sub(expected).Abs().LessThanOrEqual(s.Tolerance)
}

// South and Southeast states that take the 7% rate toward other regions; ES is excluded
var southSoutheastUFs = map[string]bool{
	"SP": true, "RJ": true, "MG": true,
	"PR": true, "SC": true, "RS": true,
}

func southSoutheast(uf string) bool {
	return southSoutheastUFs[uf]
}

func pairKey(origin, destination string) string {
	return origin + "-" + destination
}

func knownParty(uf string) bool {
	return uf == model.ForeignUF || accesskey.KnownUF(uf)
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return s != ""
}

type rateParser struct {
	err error
}

func (p *rateParser) fail(err error) {
	if p.err == nil {
		p.err = err
	}
}

func (p *rateParser) rate(field, raw string, optional bool) decimal.Decimal {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		if !optional {
			p.fail(fmt.Errorf("%s is required", field))
		}
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		p.fail(fmt.Errorf("%s: %w", field, err))
		return decimal.Zero
	}
	if d.IsNegative() || d.GreaterThan(decimal.NewFromInt(100)) {
		p.fail(fmt.Errorf("%s: rate %s out of range", field, raw))
	}
	return d
}
