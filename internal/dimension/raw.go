// Package dimension implements the Raw Dimension Loader (component F) and
// the Dimension Registry Builder (component G).
package dimension

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// metadataEnvelope mirrors the WDS cube-metadata response shape observed
// in the source material: a one-element array whose object carries the
// dimension list.
type metadataEnvelope struct {
	Status string           `json:"status"`
	Object metadataObject   `json:"object"`
}

type metadataObject struct {
	ProductID int64           `json:"productId"`
	Dimension []rawDimension  `json:"dimension"`
}

type rawDimension struct {
	DimensionPositionID json.Number `json:"dimensionPositionId"`
	DimensionNameEn     string      `json:"dimensionNameEn"`
	DimensionNameFr     string      `json:"dimensionNameFr"`
	HasUOM              json.RawMessage `json:"hasUom"`
	Member              []rawMember `json:"member"`
}

type rawMember struct {
	MemberID               json.Number `json:"memberId"`
	ParentMemberID         json.RawMessage `json:"parentMemberId"`
	ClassificationCode     json.RawMessage `json:"classificationCode"`
	ClassificationTypeCode json.RawMessage `json:"classificationTypeCode"`
	MemberNameEn           string      `json:"memberNameEn"`
	MemberNameFr           string      `json:"memberNameFr"`
	MemberUomCode          json.RawMessage `json:"memberUomCode"`
	GeoLevel               json.RawMessage `json:"geoLevel"`
	Vintage                json.RawMessage `json:"vintage"`
	Terminated             json.RawMessage `json:"terminated"`
}

// RawDimensionRow is one parsed, type-coerced dimension definition ready
// for insertion into processing.raw_dimension.
type RawDimensionRow struct {
	ProductID          int64
	DimensionPosition   int
	NameEn             string
	NameFr             string
	HasUOM             bool
}

// RawMemberRow is one parsed, type-coerced member definition ready for
// insertion into processing.raw_member.
type RawMemberRow struct {
	ProductID              int64
	DimensionPosition       int
	MemberID               int64
	ParentMemberID          *int64
	ClassificationCode      *string
	ClassificationTypeCode  *string
	MemberNameEn            string
	MemberNameFr            string
	MemberUomCode           *string
	GeoLevel               *int
	Vintage                *int
	Terminated             *bool
}

// ParseMetadata unwraps the [{status, object}] envelope and flattens the
// dimension/member tree into insertable rows. Members with a null
// memberId are skipped (matching the source's permissive behaviour);
// dimensions missing a position are skipped and reported as warnings
// rather than aborting the whole file.
func ParseMetadata(raw []byte) (dims []RawDimensionRow, members []RawMemberRow, warnings []string, err error) {
	var envelopes []metadataEnvelope
	if err := json.Unmarshal(raw, &envelopes); err != nil {
		return nil, nil, nil, fmt.Errorf("decode metadata envelope: %w", err)
	}
	if len(envelopes) == 0 {
		return nil, nil, nil, fmt.Errorf("empty metadata envelope")
	}
	env := envelopes[0]
	if env.Status != "SUCCESS" {
		return nil, nil, nil, fmt.Errorf("metadata envelope status %q", env.Status)
	}

	productID := env.Object.ProductID
	for _, d := range env.Object.Dimension {
		pos, ok := safeInt(jsonNumberRaw(d.DimensionPositionID))
		if !ok {
			warnings = append(warnings, fmt.Sprintf("productid %d: dimension missing position", productID))
			continue
		}
		hasUom := false
		for _, m := range d.Member {
			if raw := safeRaw(m.MemberUomCode); raw != nil && *raw != "" {
				hasUom = true
				break
			}
		}
		dims = append(dims, RawDimensionRow{
			ProductID:        productID,
			DimensionPosition: pos,
			NameEn:           d.DimensionNameEn,
			NameFr:           d.DimensionNameFr,
			HasUOM:           hasUom,
		})

		for _, m := range d.Member {
			memberID, ok := safeInt(jsonNumberRaw(m.MemberID))
			if !ok {
				warnings = append(warnings, fmt.Sprintf("productid %d dim %d: member missing id", productID, pos))
				continue
			}
			members = append(members, RawMemberRow{
				ProductID:             productID,
				DimensionPosition:      pos,
				MemberID:              int64(memberID),
				ParentMemberID:         safeIntPtr(safeRaw(m.ParentMemberID)),
				ClassificationCode:     safeStringPtr(safeRaw(m.ClassificationCode)),
				ClassificationTypeCode: safeStringPtr(safeRaw(m.ClassificationTypeCode)),
				MemberNameEn:           m.MemberNameEn,
				MemberNameFr:           m.MemberNameFr,
				MemberUomCode:          safeStringPtr(safeRaw(m.MemberUomCode)),
				GeoLevel:               intPtrFromRaw(safeRaw(m.GeoLevel)),
				Vintage:                intPtrFromRaw(safeRaw(m.Vintage)),
				Terminated:             safeBoolPtr(safeRaw(m.Terminated)),
			})
		}
	}

	return dims, members, warnings, nil
}

func jsonNumberRaw(n json.Number) *string {
	s := n.String()
	return &s
}

func safeRaw(raw json.RawMessage) *string {
	if len(raw) == 0 {
		return nil
	}
	s := strings.Trim(string(raw), `"`)
	return &s
}

// safeInt mirrors the Python safe_int helper: tolerant coercion of
// strings/nulls to an integer, treating "null"/"none"/"n/a" (any case) as
// absent.
func safeInt(s *string) (int, bool) {
	if s == nil {
		return 0, false
	}
	trimmed := strings.TrimSpace(*s)
	switch strings.ToLower(trimmed) {
	case "", "null", "none", "n/a":
		return 0, false
	}
	v, err := strconv.Atoi(trimmed)
	if err != nil {
		return 0, false
	}
	return v, true
}

func safeIntPtr(s *string) *int64 {
	v, ok := safeInt(s)
	if !ok {
		return nil
	}
	v64 := int64(v)
	return &v64
}

func intPtrFromRaw(s *string) *int {
	v, ok := safeInt(s)
	if !ok {
		return nil
	}
	return &v
}

func safeStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*s)
	switch strings.ToLower(trimmed) {
	case "", "null", "none", "n/a":
		return nil
	}
	return &trimmed
}

// safeBoolPtr mirrors the Python safe_bool helper.
func safeBoolPtr(s *string) *bool {
	if s == nil {
		return nil
	}
	switch strings.ToLower(strings.TrimSpace(*s)) {
	case "true", "1", "yes", "y":
		v := true
		return &v
	case "false", "0", "no", "n":
		v := false
		return &v
	default:
		return nil
	}
}

// LoadProduct inserts dims and members for a single product inside its
// own transaction, so one product's failure can never roll back another's
// — the per-product isolation contract of component F. ON CONFLICT DO
// NOTHING keeps reruns idempotent.
func LoadProduct(ctx context.Context, db *sql.DB, dims []RawDimensionRow, members []RawMemberRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw-dimension transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	dimStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processing.raw_dimension (productid, dimension_position, name_en, name_fr, has_uom)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (productid, dimension_position) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare dimension insert: %w", err)
	}
	defer func() { _ = dimStmt.Close() }()

	for _, d := range dims {
		if _, err := dimStmt.ExecContext(ctx, d.ProductID, d.DimensionPosition, d.NameEn, d.NameFr, d.HasUOM); err != nil {
			return fmt.Errorf("insert raw dimension %d/%d: %w", d.ProductID, d.DimensionPosition, err)
		}
	}

	memberStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO processing.raw_member (
			productid, dimension_position, member_id, parent_member_id,
			classification_code, classification_type_code, member_name_en, member_name_fr,
			member_uom_code, geo_level, vintage, terminated
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (productid, dimension_position, member_id) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("prepare member insert: %w", err)
	}
	defer func() { _ = memberStmt.Close() }()

	for _, m := range members {
		if _, err := memberStmt.ExecContext(ctx, m.ProductID, m.DimensionPosition, m.MemberID, m.ParentMemberID,
			m.ClassificationCode, m.ClassificationTypeCode, m.MemberNameEn, m.MemberNameFr,
			m.MemberUomCode, m.GeoLevel, m.Vintage, m.Terminated); err != nil {
			return fmt.Errorf("insert raw member %d/%d/%d: %w", m.ProductID, m.DimensionPosition, m.MemberID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit raw-dimension transaction: %w", err)
	}
	return nil
}

// activeMetadataArtifact is one row of the (productid, storage_location)
// scan LoadActiveMetadata drives.
type activeMetadataArtifact struct {
	productID int64
	path      string
}

// LoadActiveMetadata drives LoadProduct across every productid with an
// active metadata artifact, reading each file's bytes via readFile
// (injected so this package never depends on contentstore directly). A
// parse or load failure on one product is logged via onError and does
// not abort the pass, per spec.md §4.F's "other products proceed"
// requirement.
func LoadActiveMetadata(ctx context.Context, db *sql.DB, readFile func(path string) ([]byte, error), onError func(productID int64, err error)) (int, error) {
	rows, err := db.QueryContext(ctx, "SELECT productid, storage_location FROM raw_files.manage_metadata_raw_files WHERE active ORDER BY productid")
	if err != nil {
		return 0, fmt.Errorf("query active metadata artifacts: %w", err)
	}
	var artifacts []activeMetadataArtifact
	for rows.Next() {
		var a activeMetadataArtifact
		if err := rows.Scan(&a.productID, &a.path); err != nil {
			_ = rows.Close()
			return 0, fmt.Errorf("scan active metadata artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return 0, err
	}
	_ = rows.Close()

	loaded := 0
	for _, a := range artifacts {
		raw, err := readFile(a.path)
		if err != nil {
			onError(a.productID, fmt.Errorf("read metadata file: %w", err))
			continue
		}
		dims, members, _, err := ParseMetadata(raw)
		if err != nil {
			onError(a.productID, fmt.Errorf("parse metadata: %w", err))
			continue
		}
		if err := LoadProduct(ctx, db, dims, members); err != nil {
			onError(a.productID, fmt.Errorf("load raw dimensions: %w", err))
			continue
		}
		loaded++
	}
	return loaded, nil
}
