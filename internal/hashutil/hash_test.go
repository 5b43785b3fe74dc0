package hashutil

import (
	"strings"
	"testing"

	"github.com/statcan-wds/ingestor/internal/normalize"
	"github.com/stretchr/testify/require"
)

func TestH12IsDeterministic(t *testing.T) {
	a := H12("1", "canada", "", "")
	b := H12("1", "canada", "", "")
	require.Equal(t, a, b)
	require.Len(t, string(a), PrefixLen)
}

func TestMemberHashNormalizesLabelCase(t *testing.T) {
	// Scenario S3: labels "Canada" and "canada" normalize equal.
	h1 := H12("1", normalize.MemberLabelNorm("Canada"), "", "")
	h2 := H12("2", normalize.MemberLabelNorm("canada"), "", "")
	// memberId is part of the hash, so members 1 and 2 still hash
	// differently; the same memberId with either label hashes identically.
	require.NotEqual(t, h1, h2)

	same1 := H12("1", normalize.MemberLabelNorm("Canada"), "", "")
	same2 := H12("1", normalize.MemberLabelNorm("canada"), "", "")
	require.Equal(t, same1, same2)
}

func TestDimensionHashFromSortedMemberHashes(t *testing.T) {
	memberHash := H12("1", "canada", "", "")
	dimHash := H12(string(memberHash), string(memberHash))
	require.Len(t, string(dimHash), PrefixLen)
	require.False(t, strings.Contains(string(dimHash), "|"))
}
