package dimension

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/statcan-wds/ingestor/internal/hashutil"
	"github.com/statcan-wds/ingestor/internal/normalize"
)

// Builder executes the four deterministic stages of the Dimension
// Registry Builder against the raw/processed/canonical tables. Every
// stage is rerunnable and idempotent: running all four twice without raw
// changes must produce byte-identical canonical tables.
type Builder struct {
	db         *sql.DB
	normalizer normalize.Normalizer
	grabbag    normalize.GrabbagClassifier
}

// NewBuilder returns a Builder. normalizer is the injectable Label
// Normalizer (component H) used to compute baseName in Stage 4. The grab
// bag classifier defaults to normalize.NewEnglishGrabbagHeuristic(); use
// WithGrabbagClassifier to override it.
func NewBuilder(db *sql.DB, normalizer normalize.Normalizer) *Builder {
	return &Builder{db: db, normalizer: normalizer, grabbag: normalize.NewEnglishGrabbagHeuristic()}
}

// WithGrabbagClassifier overrides the default is_grabbag heuristic, per
// spec.md §9's note that the source's English-only marker match is
// ambiguous for non-English cube names and should stay pluggable.
func (b *Builder) WithGrabbagClassifier(c normalize.GrabbagClassifier) *Builder {
	b.grabbag = c
	return b
}

// Summary reports row counts produced by a Rebuild pass.
type Summary struct {
	Dimensions int
	Members    int
}

// Rebuild runs stages 2 through 4 in order, the portion of the Registry
// Builder spec.md §5 marks as an exclusive phase (stage 1 is cheap enough,
// and sufficiently independent per-member, to run outside the lock as the
// normalize-labels command). Callers are responsible for holding the
// Registry Builder advisory lock around this call.
func (b *Builder) Rebuild(ctx context.Context) (Summary, error) {
	if _, err := b.StageTwo(ctx); err != nil {
		return Summary{}, fmt.Errorf("stage 2 (processed dimensions): %w", err)
	}
	dimCount, err := b.StageThree(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("stage 3 (dimension_set): %w", err)
	}
	memberCount, err := b.StageFour(ctx)
	if err != nil {
		return Summary{}, fmt.Errorf("stage 4 (dimension_set_member): %w", err)
	}
	return Summary{Dimensions: dimCount, Members: memberCount}, nil
}

// StageOne computes memberHash for every raw member and writes
// processing.processed_members. memberLabelNorm = NFC-normalized,
// lowercased, trimmed nameEn; memberHash = h12(memberId | labelNorm |
// parentMemberId | uomCode) with "" as the null sentinel.
func (b *Builder) StageOne(ctx context.Context) (int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT productid, dimension_position, member_id, member_name_en, member_name_fr,
		       parent_member_id, member_uom_code, classification_code, classification_type_code,
		       geo_level, vintage, terminated
		FROM processing.raw_member
		ORDER BY productid, dimension_position, member_id`)
	if err != nil {
		return 0, fmt.Errorf("query raw members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stage 1 transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM processing.processed_members"); err != nil {
		return 0, fmt.Errorf("clear processed_members: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processing.processed_members (
			productid, dimension_position, member_id, member_hash, member_name_en, member_name_fr,
			member_label_norm, parent_member_id, member_uom_code, classification_code,
			classification_type_code, geo_level, vintage, terminated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
		ON CONFLICT (productid, dimension_position, member_id) DO UPDATE SET
			member_hash = EXCLUDED.member_hash,
			member_name_en = EXCLUDED.member_name_en,
			member_name_fr = EXCLUDED.member_name_fr,
			member_label_norm = EXCLUDED.member_label_norm,
			parent_member_id = EXCLUDED.parent_member_id,
			member_uom_code = EXCLUDED.member_uom_code,
			classification_code = EXCLUDED.classification_code,
			classification_type_code = EXCLUDED.classification_type_code,
			geo_level = EXCLUDED.geo_level,
			vintage = EXCLUDED.vintage,
			terminated = EXCLUDED.terminated`)
	if err != nil {
		return 0, fmt.Errorf("prepare processed-member upsert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	count := 0
	for rows.Next() {
		var productID int64
		var dimPos int
		var memberID int64
		var nameEn, nameFr sql.NullString
		var parentMemberID sql.NullInt64
		var uomCode, classCode, classTypeCode sql.NullString
		var geoLevel, vintage sql.NullInt64
		var terminated sql.NullBool

		if err := rows.Scan(&productID, &dimPos, &memberID, &nameEn, &nameFr, &parentMemberID, &uomCode,
			&classCode, &classTypeCode, &geoLevel, &vintage, &terminated); err != nil {
			return count, fmt.Errorf("scan raw member: %w", err)
		}

		labelNorm := normalize.MemberLabelNorm(nameEn.String)
		parentStr := ""
		if parentMemberID.Valid {
			parentStr = fmt.Sprintf("%d", parentMemberID.Int64)
		}
		uomStr := ""
		if uomCode.Valid {
			uomStr = uomCode.String
		}
		hash := hashutil.H12(fmt.Sprintf("%d", memberID), labelNorm, parentStr, uomStr)

		if _, err := stmt.ExecContext(ctx, productID, dimPos, memberID, string(hash), nameEn, nameFr,
			labelNorm, nullableInt64(parentMemberID), nullableString(uomCode), nullableString(classCode),
			nullableString(classTypeCode), nullableInt64(geoLevel), nullableInt64(vintage), nullableBool(terminated)); err != nil {
			return count, fmt.Errorf("upsert processed member %d/%d/%d: %w", productID, dimPos, memberID, err)
		}
		count++
	}
	if err := rows.Err(); err != nil {
		return count, fmt.Errorf("iterate raw members: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return count, fmt.Errorf("commit stage 1: %w", err)
	}
	return count, nil
}

// StageTwo groups processed_members by (productid, dimensionPosition),
// sorts by memberId ascending, and computes dimensionHash =
// h12(join(memberHash sorted by memberId)). Writes processing.
// processed_dimensions and backfills dimension_hash on each member row.
func (b *Builder) StageTwo(ctx context.Context) (int, error) {
	type group struct {
		productID int64
		dimPos    int
	}

	rows, err := b.db.QueryContext(ctx, `
		SELECT productid, dimension_position, member_id, member_hash, member_uom_code
		FROM processing.processed_members
		ORDER BY productid, dimension_position, member_id`)
	if err != nil {
		return 0, fmt.Errorf("query processed members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	groups := map[group][]string{}
	hasUom := map[group]bool{}
	order := []group{}
	seen := map[group]bool{}

	for rows.Next() {
		var productID int64
		var dimPos int
		var memberID int64
		var memberHash string
		var uom sql.NullString
		if err := rows.Scan(&productID, &dimPos, &memberID, &memberHash, &uom); err != nil {
			return 0, fmt.Errorf("scan processed member: %w", err)
		}
		g := group{productID, dimPos}
		groups[g] = append(groups[g], memberHash)
		if uom.Valid && uom.String != "" {
			hasUom[g] = true
		}
		if !seen[g] {
			seen[g] = true
			order = append(order, g)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate processed members: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stage 2 transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM processing.processed_dimensions"); err != nil {
		return 0, fmt.Errorf("clear processed_dimensions: %w", err)
	}

	dimStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processing.processed_dimensions (productid, dimension_position, dimension_hash, name_en, name_fr, has_uom)
		SELECT $1, $2, $3, name_en, name_fr, $4 FROM processing.raw_dimension WHERE productid=$1 AND dimension_position=$2
		ON CONFLICT (productid, dimension_position) DO UPDATE SET
			dimension_hash = EXCLUDED.dimension_hash,
			name_en = EXCLUDED.name_en,
			name_fr = EXCLUDED.name_fr,
			has_uom = EXCLUDED.has_uom`)
	if err != nil {
		return 0, fmt.Errorf("prepare processed-dimension upsert: %w", err)
	}
	defer func() { _ = dimStmt.Close() }()

	backfillStmt, err := tx.PrepareContext(ctx, `
		UPDATE processing.processed_members SET dimension_hash = $1
		WHERE productid = $2 AND dimension_position = $3`)
	if err != nil {
		return 0, fmt.Errorf("prepare member backfill: %w", err)
	}
	defer func() { _ = backfillStmt.Close() }()

	count := 0
	for _, g := range order {
		hashes := groups[g]
		// already ordered by memberId ascending from the query's ORDER BY.
		dimHash := hashutil.H12(hashes...)

		if _, err := dimStmt.ExecContext(ctx, g.productID, g.dimPos, string(dimHash), hasUom[g]); err != nil {
			return count, fmt.Errorf("upsert processed dimension %d/%d: %w", g.productID, g.dimPos, err)
		}
		if _, err := backfillStmt.ExecContext(ctx, string(dimHash), g.productID, g.dimPos); err != nil {
			return count, fmt.Errorf("backfill dimension hash %d/%d: %w", g.productID, g.dimPos, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return count, fmt.Errorf("commit stage 2: %w", err)
	}
	return count, nil
}

// modeCount tracks occurrences of a candidate label for the mode-by-
// usage-count consensus selection, with deterministic tie-breaks.
type modeCount struct {
	value     string
	count     int
	minProdID int64
}

// pickMode selects the candidate with highest count, breaking ties
// lexicographically then by smallest contributing productid, per
// spec.md's consensus-selection design note.
func pickMode(candidates []modeCount) string {
	if len(candidates) == 0 {
		return ""
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].count != candidates[j].count {
			return candidates[i].count > candidates[j].count
		}
		if candidates[i].value != candidates[j].value {
			return candidates[i].value < candidates[j].value
		}
		return candidates[i].minProdID < candidates[j].minProdID
	})
	return candidates[0].value
}

func titleCase(s string) string {
	fields := strings.Fields(strings.ToLower(s))
	for i, f := range fields {
		if len(f) > 0 {
			fields[i] = strings.ToUpper(f[:1]) + f[1:]
		}
	}
	return strings.Join(fields, " ")
}

// StageThree builds dictionary.dimension_set: one canonical row per
// distinct dimensionHash, with usageCount, mode-consensus names, and the
// isTree/isHetero/hasTotal shape classifiers.
func (b *Builder) StageThree(ctx context.Context) (int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT pd.dimension_hash, pd.productid, pd.name_en, pd.name_fr, pd.has_uom
		FROM processing.processed_dimensions pd
		ORDER BY pd.dimension_hash, pd.productid`)
	if err != nil {
		return 0, fmt.Errorf("query processed dimensions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type contributor struct {
		productID int64
		nameEn    string
		nameFr    string
		hasUom    bool
	}
	byHash := map[string][]contributor{}
	order := []string{}
	seen := map[string]bool{}

	for rows.Next() {
		var hash string
		var productID int64
		var nameEn, nameFr sql.NullString
		var hasUom bool
		if err := rows.Scan(&hash, &productID, &nameEn, &nameFr, &hasUom); err != nil {
			return 0, fmt.Errorf("scan processed dimension: %w", err)
		}
		byHash[hash] = append(byHash[hash], contributor{productID, nameEn.String, nameFr.String, hasUom})
		if !seen[hash] {
			seen[hash] = true
			order = append(order, hash)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate processed dimensions: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stage 3 transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM dictionary.dimension_set"); err != nil {
		return 0, fmt.Errorf("clear dimension_set: %w", err)
	}

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dictionary.dimension_set (dimension_hash, name_en, name_fr, usage_count, has_uom, is_tree, is_hetero, has_total, is_grabbag)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`)
	if err != nil {
		return 0, fmt.Errorf("prepare dimension_set insert: %w", err)
	}
	defer func() { _ = insertStmt.Close() }()

	count := 0
	for _, hash := range order {
		contributors := byHash[hash]

		enCandidates := tallyModes(contributors, func(c contributor) string { return c.nameEn })
		frCandidates := tallyModes(contributors, func(c contributor) string { return c.nameFr })
		nameEn := titleCase(pickMode(enCandidates))
		nameFr := titleCase(pickMode(frCandidates))

		hasUom := false
		for _, c := range contributors {
			if c.hasUom {
				hasUom = true
				break
			}
		}

		isTree, isHetero, hasTotal, err := b.classifyShape(ctx, hash)
		if err != nil {
			return count, fmt.Errorf("classify shape for %s: %w", hash, err)
		}
		isGrabbag := b.grabbag.IsGrabbag(nameEn, nameFr)

		if _, err := insertStmt.ExecContext(ctx, hash, nameEn, nameFr, len(contributors), hasUom, isTree, isHetero, hasTotal, isGrabbag); err != nil {
			return count, fmt.Errorf("insert dimension_set %s: %w", hash, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return count, fmt.Errorf("commit stage 3: %w", err)
	}
	return count, nil
}

func tallyModes[T any](items []T, extract func(T) string) []modeCount {
	counts := map[string]int{}
	for _, item := range items {
		v := extract(item)
		if v == "" {
			continue
		}
		counts[v]++
	}
	var out []modeCount
	for v, c := range counts {
		out = append(out, modeCount{value: v, count: c})
	}
	return out
}

// classifyShape computes isTree/isHetero/hasTotal for dimensionHash
// directly against processed_members, per Stage 3's definitions.
func (b *Builder) classifyShape(ctx context.Context, dimHash string) (isTree, isHetero, hasTotal bool, err error) {
	var hasParent bool
	if err := b.db.QueryRowContext(ctx,
		"SELECT EXISTS(SELECT 1 FROM processing.processed_members WHERE dimension_hash=$1 AND parent_member_id IS NOT NULL)", dimHash,
	).Scan(&hasParent); err != nil {
		return false, false, false, fmt.Errorf("check tree shape: %w", err)
	}

	var uomCardinality int
	if err := b.db.QueryRowContext(ctx,
		"SELECT COUNT(DISTINCT member_uom_code) FROM processing.processed_members WHERE dimension_hash=$1 AND member_uom_code IS NOT NULL AND member_uom_code != ''", dimHash,
	).Scan(&uomCardinality); err != nil {
		return false, false, false, fmt.Errorf("check hetero shape: %w", err)
	}

	rows, err := b.db.QueryContext(ctx,
		"SELECT member_label_norm FROM processing.processed_members WHERE dimension_hash=$1", dimHash)
	if err != nil {
		return false, false, false, fmt.Errorf("scan labels for total check: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var label string
		if err := rows.Scan(&label); err != nil {
			return false, false, false, fmt.Errorf("scan label: %w", err)
		}
		if normalize.HasTotalToken(label) {
			hasTotal = true
		}
	}

	return hasParent, uomCardinality > 1, hasTotal, rows.Err()
}

// StageFour builds dictionary.dimension_set_member: one canonical row per
// (dimensionHash, memberId), with mode-consensus attributes, usageCount,
// treeLevel (BFS with cycle detection), and baseName from the Label
// Normalizer.
func (b *Builder) StageFour(ctx context.Context) (int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT dimension_hash, member_id, productid, member_name_en, member_name_fr,
		       parent_member_id, member_uom_code
		FROM processing.processed_members
		WHERE dimension_hash IS NOT NULL
		ORDER BY dimension_hash, member_id, productid`)
	if err != nil {
		return 0, fmt.Errorf("query processed members for stage 4: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type contributor struct {
		productID      int64
		nameEn, nameFr string
		parentMemberID *int64
		uomCode        *string
	}
	type key struct {
		dimHash  string
		memberID int64
	}
	byKey := map[key][]contributor{}
	order := []key{}
	seen := map[key]bool{}

	for rows.Next() {
		var dimHash string
		var memberID, productID int64
		var nameEn, nameFr sql.NullString
		var parentMemberID sql.NullInt64
		var uomCode sql.NullString
		if err := rows.Scan(&dimHash, &memberID, &productID, &nameEn, &nameFr, &parentMemberID, &uomCode); err != nil {
			return 0, fmt.Errorf("scan member for stage 4: %w", err)
		}
		k := key{dimHash, memberID}
		c := contributor{productID: productID, nameEn: nameEn.String, nameFr: nameFr.String}
		if parentMemberID.Valid {
			v := parentMemberID.Int64
			c.parentMemberID = &v
		}
		if uomCode.Valid {
			v := uomCode.String
			c.uomCode = &v
		}
		byKey[k] = append(byKey[k], c)
		if !seen[k] {
			seen[k] = true
			order = append(order, k)
		}
	}
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate stage 4 members: %w", err)
	}

	treeLevels, err := b.computeTreeLevels(ctx)
	if err != nil {
		return 0, fmt.Errorf("compute tree levels: %w", err)
	}

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin stage 4 transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "DELETE FROM dictionary.dimension_set_member"); err != nil {
		return 0, fmt.Errorf("clear dimension_set_member: %w", err)
	}

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO dictionary.dimension_set_member
			(dimension_hash, member_id, name_en, name_fr, parent_member_id, uom_code, usage_count, tree_level, base_name)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`)
	if err != nil {
		return 0, fmt.Errorf("prepare dimension_set_member insert: %w", err)
	}
	defer func() { _ = insertStmt.Close() }()

	count := 0
	for _, k := range order {
		contributors := byKey[k]

		enCandidates := tallyModes(contributors, func(c contributor) string { return c.nameEn })
		frCandidates := tallyModes(contributors, func(c contributor) string { return c.nameFr })
		nameEn := pickMode(enCandidates)
		nameFr := pickMode(frCandidates)

		parentMemberID := pickModePtr(contributors, func(c contributor) *int64 { return c.parentMemberID })
		uomCode := pickModeStrPtr(contributors, func(c contributor) *string { return c.uomCode })

		var level *int
		if lv, ok := treeLevels[k.dimHash][k.memberID]; ok {
			level = &lv
		}

		baseName := ""
		if b.normalizer != nil {
			baseName = b.normalizer.Normalize(nameEn)
		}

		if _, err := insertStmt.ExecContext(ctx, k.dimHash, k.memberID, nameEn, nameFr, parentMemberID, uomCode, len(contributors), level, baseName); err != nil {
			return count, fmt.Errorf("insert dimension_set_member %s/%d: %w", k.dimHash, k.memberID, err)
		}
		count++
	}

	if err := tx.Commit(); err != nil {
		return count, fmt.Errorf("commit stage 4: %w", err)
	}
	return count, nil
}

// pickModePtr selects the mode among nullable int64 candidates. NULL wins
// only if it is the sole observed value, per spec.md Stage 4.
func pickModePtr[T comparable](contributors []T, extract func(T) *int64) *int64 {
	counts := map[int64]int{}
	nonNull := false
	for _, c := range contributors {
		if p := extract(c); p != nil {
			counts[*p]++
			nonNull = true
		}
	}
	if !nonNull {
		return nil
	}
	var best int64
	bestCount := -1
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	return &best
}

func pickModeStrPtr[T comparable](contributors []T, extract func(T) *string) *string {
	counts := map[string]int{}
	nonNull := false
	for _, c := range contributors {
		if p := extract(c); p != nil && *p != "" {
			counts[*p]++
			nonNull = true
		}
	}
	if !nonNull {
		return nil
	}
	var best string
	bestCount := -1
	for v, c := range counts {
		if c > bestCount || (c == bestCount && v < best) {
			best, bestCount = v, c
		}
	}
	return &best
}

// computeTreeLevels runs a visited-set BFS per tree dimension. Roots
// (parentMemberId null or not present among siblings) get level 1,
// children get parent+1. On a cycle, the whole dimension's levels are
// left nil and the condition is logged as a warning on the default slog
// logger.
func (b *Builder) computeTreeLevels(ctx context.Context) (map[string]map[int64]int, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT ds.dimension_hash, dsm_ids.member_id, dsm_ids.parent_member_id
		FROM dictionary.dimension_set ds
		JOIN LATERAL (
			SELECT DISTINCT member_id, parent_member_id
			FROM processing.processed_members pm
			WHERE pm.dimension_hash = ds.dimension_hash
		) dsm_ids ON true
		WHERE ds.is_tree`)
	if err != nil {
		return nil, fmt.Errorf("query tree dimension members: %w", err)
	}
	defer func() { _ = rows.Close() }()

	type edge struct {
		memberID, parentID int64
		hasParent          bool
	}
	byDim := map[string][]edge{}
	for rows.Next() {
		var dimHash string
		var memberID int64
		var parentID sql.NullInt64
		if err := rows.Scan(&dimHash, &memberID, &parentID); err != nil {
			return nil, fmt.Errorf("scan tree edge: %w", err)
		}
		e := edge{memberID: memberID}
		if parentID.Valid {
			e.parentID = parentID.Int64
			e.hasParent = true
		}
		byDim[dimHash] = append(byDim[dimHash], e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tree edges: %w", err)
	}

	result := make(map[string]map[int64]int, len(byDim))
	for dimHash, edges := range byDim {
		treeEdges := make([]treeEdge, len(edges))
		for i, e := range edges {
			treeEdges[i] = treeEdge{memberID: e.memberID, parentID: e.parentID, hasParent: e.hasParent}
		}
		levels := treeLevelsForEdges(treeEdges)
		if len(levels) == 0 && len(treeEdges) > 0 {
			slog.Warn("cycle in dimension tree, leaving tree levels NULL", "dimension_hash", dimHash)
		}
		result[dimHash] = levels
	}

	return result, nil
}

// treeEdge is a member's id and optional parent, the pure-data input to
// treeLevelsForEdges.
type treeEdge struct {
	memberID, parentID int64
	hasParent          bool
}

// maxTreeDepth backstops the cycle-detection BFS: a well-formed hierarchy
// in this dataset never nests anywhere near this deep, so hitting it is
// itself treated as a cycle.
const maxTreeDepth = 20

// treeLevelsForEdges computes BFS tree levels from roots (parentMemberId
// null or not present among siblings, which get level 1) down through
// children (parent level + 1). On any cycle — a member revisited during
// BFS, or a member reaching depth maxTreeDepth — it returns an empty map so every
// member in the dimension gets treeLevel=NULL, per spec.md's cycle
// degrade-gracefully requirement.
func treeLevelsForEdges(edges []treeEdge) map[int64]int {
	members := map[int64]bool{}
	parentOf := map[int64]int64{}
	hasParentOf := map[int64]bool{}
	for _, e := range edges {
		members[e.memberID] = true
		if e.hasParent {
			parentOf[e.memberID] = e.parentID
			hasParentOf[e.memberID] = true
		}
	}

	children := map[int64][]int64{}
	var roots []int64
	for m := range members {
		if !hasParentOf[m] {
			roots = append(roots, m)
			continue
		}
		parent := parentOf[m]
		if !members[parent] {
			// parent not present among siblings: treat as root.
			roots = append(roots, m)
			continue
		}
		children[parent] = append(children[parent], m)
	}
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	levels := map[int64]int{}
	queue := append([]int64{}, roots...)
	for _, r := range roots {
		levels[r] = 1
	}

	cycle := false
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		if levels[cur] >= maxTreeDepth {
			cycle = true
			break
		}
		kids := children[cur]
		sort.Slice(kids, func(i, j int) bool { return kids[i] < kids[j] })
		for _, child := range kids {
			if _, visited := levels[child]; visited {
				cycle = true
				continue
			}
			levels[child] = levels[cur] + 1
			queue = append(queue, child)
		}
	}

	if cycle || len(levels) != len(members) {
		return map[int64]int{}
	}
	return levels
}

func nullableInt64(v sql.NullInt64) any {
	if !v.Valid {
		return nil
	}
	return v.Int64
}

func nullableString(v sql.NullString) any {
	if !v.Valid {
		return nil
	}
	return v.String
}

func nullableBool(v sql.NullBool) any {
	if !v.Valid {
		return nil
	}
	return v.Bool
}
