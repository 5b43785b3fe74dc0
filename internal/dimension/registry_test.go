package dimension

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"

	"github.com/statcan-wds/ingestor/internal/hashutil"
	"github.com/statcan-wds/ingestor/internal/normalize"
)

func TestTreeLevelsForEdgesSimpleChain(t *testing.T) {
	// Scenario S5: [(1,null),(2,1),(3,2),(4,1)] -> {1:1, 2:2, 3:3, 4:2}.
	edges := []treeEdge{
		{memberID: 1},
		{memberID: 2, parentID: 1, hasParent: true},
		{memberID: 3, parentID: 2, hasParent: true},
		{memberID: 4, parentID: 1, hasParent: true},
	}
	levels := treeLevelsForEdges(edges)
	require.Equal(t, map[int64]int{1: 1, 2: 2, 3: 3, 4: 2}, levels)
}

func TestTreeLevelsForEdgesCycleDegradesToEmpty(t *testing.T) {
	edges := []treeEdge{
		{memberID: 1, parentID: 2, hasParent: true},
		{memberID: 2, parentID: 1, hasParent: true},
	}
	levels := treeLevelsForEdges(edges)
	require.Empty(t, levels)
}

func TestTreeLevelsForEdgesOrphanParentTreatedAsRoot(t *testing.T) {
	edges := []treeEdge{
		{memberID: 5, parentID: 999, hasParent: true},
	}
	levels := treeLevelsForEdges(edges)
	require.Equal(t, map[int64]int{5: 1}, levels)
}

func TestPickModeMajorityWins(t *testing.T) {
	// Scenario S4: ["Geography","Geography","geography"] -> "Geography".
	candidates := tallyModes([]string{"Geography", "Geography", "geography"}, func(s string) string { return s })
	require.Equal(t, "Geography", titleCase(pickMode(candidates)))
}

func TestPickModeTieBreaksLexicographically(t *testing.T) {
	candidates := tallyModes([]string{"Bravo", "Alpha"}, func(s string) string { return s })
	require.Equal(t, "Alpha", pickMode(candidates))
}

func TestTitleCase(t *testing.T) {
	require.Equal(t, "Geography", titleCase("geography"))
	require.Equal(t, "North America", titleCase("NORTH AMERICA"))
}

func TestStageOneClearsThenUpsertsFullColumnSet(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	labelNorm := normalize.MemberLabelNorm("Canada")
	hash := hashutil.H12("1", labelNorm, "", "")

	mock.ExpectQuery("FROM processing.raw_member").
		WillReturnRows(sqlmock.NewRows([]string{
			"productid", "dimension_position", "member_id", "member_name_en", "member_name_fr",
			"parent_member_id", "member_uom_code", "classification_code", "classification_type_code",
			"geo_level", "vintage", "terminated",
		}).AddRow(int64(10100001), int64(1), int64(1), "Canada", "Canada (FR)", nil, nil, nil, nil, nil, nil, nil))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM processing.processed_members").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO processing.processed_members")
	mock.ExpectExec("INSERT INTO processing.processed_members").
		WithArgs(int64(10100001), int64(1), int64(1), string(hash), "Canada", "Canada (FR)", labelNorm, nil, nil, nil, nil, nil, nil, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b := NewBuilder(db, nil)
	count, err := b.StageOne(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageTwoClearsThenUpsertsNameColumns(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	memberHash := hashutil.H12("1", "canada", "", "")
	dimHash := hashutil.H12(string(memberHash))

	mock.ExpectQuery("FROM processing.processed_members").
		WillReturnRows(sqlmock.NewRows([]string{"productid", "dimension_position", "member_id", "member_hash", "member_uom_code"}).
			AddRow(int64(10100001), int64(1), int64(1), string(memberHash), nil))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM processing.processed_dimensions").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO processing.processed_dimensions")
	mock.ExpectPrepare("UPDATE processing.processed_members SET dimension_hash")
	mock.ExpectExec("INSERT INTO processing.processed_dimensions").
		WithArgs(int64(10100001), int64(1), string(dimHash), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE processing.processed_members SET dimension_hash").
		WithArgs(string(dimHash), int64(10100001), int64(1)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b := NewBuilder(db, nil)
	count, err := b.StageTwo(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageThreeClassifiesShapeAndInsertsCanonicalDimension(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	hash := "deadbeef1234"

	mock.ExpectQuery("FROM processing.processed_dimensions pd").
		WillReturnRows(sqlmock.NewRows([]string{"dimension_hash", "productid", "name_en", "name_fr", "has_uom"}).
			AddRow(hash, int64(10100001), "Geography", "Geographie", false))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM dictionary.dimension_set").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO dictionary.dimension_set ")

	mock.ExpectQuery(`SELECT EXISTS\(SELECT 1 FROM processing.processed_members WHERE dimension_hash=\$1 AND parent_member_id IS NOT NULL\)`).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery(`SELECT COUNT\(DISTINCT member_uom_code\)`).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery(`SELECT member_label_norm FROM processing.processed_members WHERE dimension_hash=\$1`).
		WithArgs(hash).
		WillReturnRows(sqlmock.NewRows([]string{"member_label_norm"}).AddRow("geography"))

	mock.ExpectExec("INSERT INTO dictionary.dimension_set ").
		WithArgs(hash, "Geography", "Geographie", 1, false, false, false, false, false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b := NewBuilder(db, nil)
	count, err := b.StageThree(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStageFourClearsThenInsertsMemberWithNilTreeLevel(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	hash := "deadbeef1234"

	mock.ExpectQuery("FROM processing.processed_members").
		WillReturnRows(sqlmock.NewRows([]string{
			"dimension_hash", "member_id", "productid", "member_name_en", "member_name_fr",
			"parent_member_id", "member_uom_code",
		}).AddRow(hash, int64(1), int64(10100001), "Canada", "Canada (FR)", nil, nil))

	mock.ExpectQuery("FROM dictionary.dimension_set ds").
		WillReturnRows(sqlmock.NewRows([]string{"dimension_hash", "member_id", "parent_member_id"}))

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM dictionary.dimension_set_member").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectPrepare("INSERT INTO dictionary.dimension_set_member")
	mock.ExpectExec("INSERT INTO dictionary.dimension_set_member").
		WithArgs(hash, int64(1), "Canada", "Canada (FR)", nil, nil, 1, nil, "").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	b := NewBuilder(db, nil)
	count, err := b.StageFour(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.NoError(t, mock.ExpectationsWereMet())
}
