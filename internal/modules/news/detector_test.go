package news

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/wojtczak/sygnal/internal/domain"
)

func testUniverse() []domain.Stock {
	return []domain.Stock{
		{Symbol: "CDR", Name: "CD Projekt S.A.", IsMonitored: true},
		{Symbol: "PKN", Name: "PKN Orlen S.A.", IsMonitored: true},
		{Symbol: "ALE", Name: "Allegro.eu SA", IsMonitored: true},
		{Symbol: "ZYW", Name: "Żywiec", IsMonitored: true},
	}
}

func TestDetect_SymbolWordBoundary(t *testing.T) {
	d := NewDetector(testUniverse())

	assert.Equal(t, []string{"CDR"}, d.Detect("Kurs CDR wzrósł o 4%"))
	assert.Equal(t, []string{"CDR"}, d.Detect("kurs cdr wzrósł"), "matching is case-insensitive")
	assert.Empty(t, d.Detect("Obligacje SCDRX bez zmian"), "symbol inside a longer token does not match")
}

func TestDetect_CompanyNameAndLegalSuffix(t *testing.T) {
	d := NewDetector(testUniverse())

	assert.Equal(t, []string{"PKN"}, d.Detect("PKN Orlen podnosi prognozy"))
	assert.Equal(t, []string{"CDR"}, d.Detect("CD Projekt zapowiada nową grę"), "name matches without the S.A. suffix")
	assert.Equal(t, []string{"ALE"}, d.Detect("Allegro.eu notuje rekordowe obroty"))
}

func TestDetect_PolishDiacriticsBoundary(t *testing.T) {
	d := NewDetector(testUniverse())

	assert.Equal(t, []string{"ZYW"}, d.Detect("Grupa Żywiec zwiększa produkcję"))
	assert.Empty(t, d.Detect("powiat żywiecki ogłasza przetarg"), "derived word forms do not match")
}

func TestDetect_MultipleMentionsSorted(t *testing.T) {
	d := NewDetector(testUniverse())

	got := d.Detect("PKN Orlen i CD Projekt liderami sesji; Żywiec bez zmian")
	assert.Equal(t, []string{"CDR", "PKN", "ZYW"}, got)
}

func TestDetect_EmptyText(t *testing.T) {
	d := NewDetector(testUniverse())
	assert.Empty(t, d.Detect(""))
}
