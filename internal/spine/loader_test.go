package spine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func makeCubes(n int) []Cube {
	cubes := make([]Cube, n)
	for i := range cubes {
		cubes[i] = Cube{
			ProductID:   10_000_000 + int64(i),
			CubeTitleEn: "Title",
			SubjectCode: []string{"13"},
		}
	}
	return cubes
}

func TestValidateRejectsTooFewCubes(t *testing.T) {
	_, err := Validate(makeCubes(5), 0, DefaultThresholds())
	require.Error(t, err)
}

func TestValidateRejectsDuplicateProductID(t *testing.T) {
	cubes := makeCubes(1000)
	cubes[1].ProductID = cubes[0].ProductID
	_, err := Validate(cubes, 0, DefaultThresholds())
	require.Error(t, err)
}

func TestValidateRejectsSevereShrink(t *testing.T) {
	_, err := Validate(makeCubes(1000), 5000, DefaultThresholds())
	require.Error(t, err)
}

func TestValidateWarnsOnLowSubjectCoverage(t *testing.T) {
	cubes := makeCubes(1000)
	for i := range cubes[:900] {
		cubes[i].SubjectCode = nil
	}
	warnings, err := Validate(cubes, 0, DefaultThresholds())
	require.NoError(t, err)
	require.NotEmpty(t, warnings)
}
