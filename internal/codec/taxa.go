package codec

import (
	"fmt"
	"strings"
	"unicode"

	"github.com/antonholmquist/jason"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/tphakala/wow-sync/internal/errors"
)

// Taxon is one entry of the prebuilt lookup dataset
type Taxon struct {
	ID         int64
	Name       string
	CommonName string
	Rank       string
}

// TaxaIndex answers species name lookups against the prebuilt dataset.
// It is immutable after decoding and safe for concurrent use.
type TaxaIndex struct {
	version int64
	byID    map[int64]Taxon
	byName  map[string]Taxon
}

// DecodeTaxa parses the compact dataset:
//
//	{"version": 3, "taxa": [[47217, "Orchis mascula", "Early-purple Orchid", "species"], ...]}
//
// Rows may omit trailing columns.
func DecodeTaxa(data []byte) (*TaxaIndex, error) {
	obj, err := jason.NewObjectFromBytes(data)
	if err != nil {
		return nil, taxaError(err)
	}

	version, err := obj.GetInt64("version")
	if err != nil {
		return nil, taxaError(fmt.Errorf("version: %w", err))
	}

	rows, err := obj.GetValueArray("taxa")
	if err != nil {
		return nil, taxaError(fmt.Errorf("taxa: %w", err))
	}

	idx := &TaxaIndex{
		version: version,
		byID:    make(map[int64]Taxon, len(rows)),
		byName:  make(map[string]Taxon, len(rows)*2),
	}

	for i, row := range rows {
		cols, err := row.Array()
		if err != nil || len(cols) < 2 {
			return nil, taxaError(fmt.Errorf("row %d: expected [id, name, ...]", i))
		}

		var t Taxon
		if t.ID, err = cols[0].Int64(); err != nil {
			return nil, taxaError(fmt.Errorf("row %d id: %w", i, err))
		}
		if t.Name, err = cols[1].String(); err != nil {
			return nil, taxaError(fmt.Errorf("row %d name: %w", i, err))
		}
		if len(cols) > 2 {
			t.CommonName, _ = cols[2].String()
		}
		if len(cols) > 3 {
			t.Rank, _ = cols[3].String()
		}

		idx.byID[t.ID] = t
		idx.byName[NormalizeName(t.Name)] = t
		if t.CommonName != "" {
			if _, taken := idx.byName[NormalizeName(t.CommonName)]; !taken {
				idx.byName[NormalizeName(t.CommonName)] = t
			}
		}
	}

	return idx, nil
}

func taxaError(err error) error {
	return errors.New(fmt.Errorf("decode taxa dataset: %w", err)).
		Component("codec").
		Category(errors.CategoryFileParsing).
		Build()
}

// Version returns the dataset version
func (t *TaxaIndex) Version() int64 {
	return t.version
}

// Len returns the number of taxa
func (t *TaxaIndex) Len() int {
	return len(t.byID)
}

// ByID returns the taxon with the given id
func (t *TaxaIndex) ByID(id int64) (Taxon, bool) {
	taxon, ok := t.byID[id]
	return taxon, ok
}

// Lookup finds a taxon by scientific or common name, ignoring case,
// diacritics and surrounding whitespace
func (t *TaxaIndex) Lookup(name string) (Taxon, bool) {
	taxon, ok := t.byName[NormalizeName(name)]
	return taxon, ok
}

// NormalizeName folds case, strips diacritics and collapses whitespace
func NormalizeName(name string) string {
	stripper := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(stripper, name)
	if err != nil {
		stripped = name
	}
	return strings.Join(strings.Fields(cases.Fold().String(stripped)), " ")
}
