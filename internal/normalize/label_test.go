package normalize

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTokenNormalizerDropsStopwordsAndSorts(t *testing.T) {
	n := NewTokenNormalizer()
	require.Equal(t, "household income", n.Normalize("Income of the Household"))
}

func TestTokenNormalizerIgnoresDigitsAndPunctuation(t *testing.T) {
	n := NewTokenNormalizer()
	require.Equal(t, "age group year", n.Normalize("Age group (5-year)"))
}

func TestHasTotalTokenMatchesEnglishAndFrench(t *testing.T) {
	require.True(t, HasTotalToken("all ages total"))
	require.True(t, HasTotalToken("totale canada"))
	require.False(t, HasTotalToken("ontario quebec"))
}

func TestMemberLabelNormLowercasesAndTrims(t *testing.T) {
	require.Equal(t, "nova scotia", MemberLabelNorm("  Nova Scotia  "))
}

func TestEnglishGrabbagHeuristicMatchesSourceMarkers(t *testing.T) {
	h := NewEnglishGrabbagHeuristic()
	require.True(t, h.IsGrabbag("Type of characteristics", ""))
	require.True(t, h.IsGrabbag("Other geographic areas", ""))
	require.False(t, h.IsGrabbag("Age group", ""))
}

func TestEnglishGrabbagHeuristicIgnoresFrenchName(t *testing.T) {
	h := NewEnglishGrabbagHeuristic()
	require.False(t, h.IsGrabbag("Age group", "Caractéristiques"))
}

func TestEnglishGrabbagHeuristicCustomMarkers(t *testing.T) {
	h := EnglishGrabbagHeuristic{Markers: []string{"misc"}}
	require.True(t, h.IsGrabbag("Miscellaneous items", ""))
	require.False(t, h.IsGrabbag("Other geographic areas", ""))
}
