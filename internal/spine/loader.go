// Package spine implements the Spine Loader (component E): a
// truncate-and-replace transform from the active spine JSON snapshot into
// the spine.cube / spine.cube_subject / spine.cube_survey tables.
package spine

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// Cube is one spine entry as published by ListAllCubes.
type Cube struct {
	ProductID     int64    `json:"productId"`
	CansimID      string   `json:"cansimId"`
	CubeTitleEn   string   `json:"cubeTitleEn"`
	CubeTitleFr   string   `json:"cubeTitleFr"`
	CubeStartDate string   `json:"cubeStartDate"`
	CubeEndDate   string   `json:"cubeEndDate"`
	ReleaseTime   string   `json:"releaseTime"`
	Archived      *int     `json:"archived"`
	FrequencyCode *int     `json:"frequencyCode"`
	IssueDate     string   `json:"issueDate"`
	SubjectCode   []string `json:"subjectCode"`
	SurveyCode    []string `json:"surveyCode"`
}

// ValidationThresholds gate a spine snapshot before it is allowed to
// replace the canonical spine tables, carried over from
// validate_spine_response / validate_staged_data in the source material:
// a corrupt or truncated snapshot must never silently shrink the catalog.
type ValidationThresholds struct {
	MinCubeCount       int
	MinSubjectsRatio   float64
	MaxSizeVarianceAbs float64 // fraction, e.g. 0.10 for 10%
	ProductIDMin       int64
	ProductIDMax       int64
	ProductIDMinInRange float64 // fraction of ids expected in range; below it Validate warns
}

// DefaultThresholds mirrors 01_spine_fetch_raw.py / 02_spine_load_to_db.py.
func DefaultThresholds() ValidationThresholds {
	return ValidationThresholds{
		MinCubeCount:        1000,
		MinSubjectsRatio:     0.8,
		MaxSizeVarianceAbs:   0.10,
		ProductIDMin:         10_000_000,
		ProductIDMax:         99_999_999,
		ProductIDMinInRange:  0.90,
	}
}

// Validate checks cubes against thresholds and an existing-count baseline
// (0 if there is no prior spine to compare against). It returns a
// descriptive error on hard failure; soft issues are returned as warnings
// and never block the load.
func Validate(cubes []Cube, existingCount int, th ValidationThresholds) (warnings []string, err error) {
	if len(cubes) < th.MinCubeCount {
		return nil, fmt.Errorf("spine snapshot has %d cubes, below minimum %d", len(cubes), th.MinCubeCount)
	}

	seen := make(map[int64]struct{}, len(cubes))
	withSubjects := 0
	inRange := 0
	for _, c := range cubes {
		if c.ProductID == 0 {
			return nil, fmt.Errorf("spine entry missing productId")
		}
		if _, dup := seen[c.ProductID]; dup {
			return nil, fmt.Errorf("duplicate productId %d in spine snapshot", c.ProductID)
		}
		seen[c.ProductID] = struct{}{}

		if c.CubeTitleEn == "" {
			return nil, fmt.Errorf("spine entry %d missing English title", c.ProductID)
		}
		if len(c.SubjectCode) > 0 {
			withSubjects++
		}
		if c.ProductID >= th.ProductIDMin && c.ProductID <= th.ProductIDMax {
			inRange++
		}
	}

	if ratio := float64(withSubjects) / float64(len(cubes)); ratio < th.MinSubjectsRatio {
		warnings = append(warnings, fmt.Sprintf("subject coverage ratio %.2f below expected %.2f", ratio, th.MinSubjectsRatio))
	}
	if ratio := float64(inRange) / float64(len(cubes)); ratio < th.ProductIDMinInRange {
		warnings = append(warnings, fmt.Sprintf("only %.0f%% of productIds fall in expected range", ratio*100))
	}

	if existingCount > 0 {
		variance := float64(len(cubes)-existingCount) / float64(existingCount)
		if variance < 0 {
			variance = -variance
		}
		if len(cubes) < existingCount/2 {
			return nil, fmt.Errorf("new spine count %d is less than half of existing count %d", len(cubes), existingCount)
		}
		if variance > th.MaxSizeVarianceAbs {
			warnings = append(warnings, fmt.Sprintf("spine size changed by %.1f%% since last load", variance*100))
		}
	}

	return warnings, nil
}

// ParseSnapshot decodes the raw ListAllCubes JSON payload into Cube rows.
func ParseSnapshot(raw []byte) ([]Cube, error) {
	var cubes []Cube
	if err := json.Unmarshal(raw, &cubes); err != nil {
		return nil, fmt.Errorf("decode spine snapshot: %w", err)
	}
	return cubes, nil
}

// Load replaces the contents of spine.cube / spine.cube_subject /
// spine.cube_survey with cubes, inside one transaction. On any error the
// transaction rolls back and the previous canonical spine remains
// authoritative, satisfying the phase-level transactional contract.
func Load(ctx context.Context, db *sql.DB, cubes []Cube) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin spine load transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, "TRUNCATE TABLE spine.cube, spine.cube_subject, spine.cube_survey CASCADE"); err != nil {
		return fmt.Errorf("truncate spine tables: %w", err)
	}

	cubeStmt, err := tx.PrepareContext(ctx, `
		INSERT INTO spine.cube (productid, cansim_id, title_en, title_fr, start_date, end_date, release_date, archived_flag, frequency_code, issue_date)
		VALUES ($1, $2, $3, $4, nullif($5,'')::date, nullif($6,'')::date, nullif($7,'')::date, $8, $9, nullif($10,'')::date)`)
	if err != nil {
		return fmt.Errorf("prepare cube insert: %w", err)
	}
	defer func() { _ = cubeStmt.Close() }()

	subjectStmt, err := tx.PrepareContext(ctx, `INSERT INTO spine.cube_subject (productid, subject_code) VALUES ($1, $2)`)
	if err != nil {
		return fmt.Errorf("prepare subject insert: %w", err)
	}
	defer func() { _ = subjectStmt.Close() }()

	surveyStmt, err := tx.PrepareContext(ctx, `INSERT INTO spine.cube_survey (productid, survey_code) VALUES ($1, $2)`)
	if err != nil {
		return fmt.Errorf("prepare survey insert: %w", err)
	}
	defer func() { _ = surveyStmt.Close() }()

	for _, c := range cubes {
		releaseDate := ""
		if len(c.ReleaseTime) >= 10 {
			releaseDate = c.ReleaseTime[:10]
		}
		if _, err := cubeStmt.ExecContext(ctx, c.ProductID, c.CansimID, c.CubeTitleEn, c.CubeTitleFr,
			c.CubeStartDate, c.CubeEndDate, releaseDate, c.Archived, c.FrequencyCode, c.IssueDate); err != nil {
			return fmt.Errorf("insert cube %d: %w", c.ProductID, err)
		}
		for _, subj := range dedupeNonEmpty(c.SubjectCode) {
			if _, err := subjectStmt.ExecContext(ctx, c.ProductID, subj); err != nil {
				return fmt.Errorf("insert subject for cube %d: %w", c.ProductID, err)
			}
		}
		for _, surv := range dedupeNonEmpty(c.SurveyCode) {
			if _, err := surveyStmt.ExecContext(ctx, c.ProductID, surv); err != nil {
				return fmt.Errorf("insert survey for cube %d: %w", c.ProductID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit spine load: %w", err)
	}
	return nil
}

func dedupeNonEmpty(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	var out []string
	for _, c := range codes {
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
