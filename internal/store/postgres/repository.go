package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"

	"github.com/bimquery/bimquery/internal/model"
)

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping store db: %w", err)
	}
	return nil
}

// DiscoverOptions bounds metadata discovery. Zero limits mean unbounded.
type DiscoverOptions struct {
	SampleLimit   int
	BlobScanLimit int
	KeyCap        int
}

// DiscoverMetadata computes the model's category set, per-field sample values,
// and the area/volume-like property keys found in element blobs. It is
// read-only and recomputed per request.
func (r *Repository) DiscoverMetadata(ctx context.Context, urn string, opts DiscoverOptions) (model.ModelMetadata, error) {
	categories, err := r.distinctColumnValues(ctx, urn, "component_type", 0)
	if err != nil {
		return model.ModelMetadata{}, fmt.Errorf("discover categories: %w", err)
	}

	samples := make(map[string][]string, len(model.SampleFields()))
	for _, field := range model.SampleFields() {
		values, err := r.distinctColumnValues(ctx, urn, field.Ident, opts.SampleLimit)
		if err != nil {
			return model.ModelMetadata{}, fmt.Errorf("discover samples for %s: %w", field.Param, err)
		}
		samples[field.Param] = values
	}

	areaKeys, volumeKeys, err := r.discoverPropertyKeys(ctx, urn, opts.BlobScanLimit, opts.KeyCap)
	if err != nil {
		return model.ModelMetadata{}, fmt.Errorf("discover property keys: %w", err)
	}

	return model.ModelMetadata{
		CategoryField: model.CategoryField,
		Categories:    categories,
		ParamSamples:  samples,
		AreaKeys:      areaKeys,
		VolumeKeys:    volumeKeys,
	}, nil
}

// distinctColumnValues returns distinct trimmed non-blank values of a known
// column for one model. The column identifier is supplied by internal callers
// only, never from request input.
func (r *Repository) distinctColumnValues(ctx context.Context, urn, column string, limit int) ([]string, error) {
	query := `
SELECT DISTINCT btrim(` + column + `) AS value
FROM elements
WHERE urn = $1 AND ` + column + ` IS NOT NULL AND btrim(` + column + `) <> ''
ORDER BY value ASC`

	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = r.db.QueryContext(ctx, query+`
LIMIT $2`, urn, limit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, urn)
	}
	if err != nil {
		return nil, fmt.Errorf("query distinct %s: %w", column, err)
	}
	defer func() { _ = rows.Close() }()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan distinct %s: %w", column, err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct %s: %w", column, err)
	}
	return values, nil
}

func (r *Repository) discoverPropertyKeys(ctx context.Context, urn string, scanLimit, keyCap int) (areaKeys, volumeKeys []string, err error) {
	query := `
SELECT props_flat
FROM elements
WHERE urn = $1 AND props_flat IS NOT NULL`

	var rows *sql.Rows
	if scanLimit > 0 {
		rows, err = r.db.QueryContext(ctx, query+`
LIMIT $2`, urn, scanLimit)
	} else {
		rows, err = r.db.QueryContext(ctx, query, urn)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("query property blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	seenArea := map[string]struct{}{}
	seenVolume := map[string]struct{}{}
	areaKeys = make([]string, 0)
	volumeKeys = make([]string, 0)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, nil, fmt.Errorf("scan property blob: %w", err)
		}
		props, ok := model.DecodeProps(blob)
		if !ok {
			// Malformed blobs never abort discovery for the model.
			continue
		}
		for key := range props {
			lower := strings.ToLower(key)
			if strings.Contains(lower, "area") {
				if _, dup := seenArea[key]; !dup && (keyCap <= 0 || len(areaKeys) < keyCap) {
					seenArea[key] = struct{}{}
					areaKeys = append(areaKeys, key)
				}
			}
			if strings.Contains(lower, "volume") {
				if _, dup := seenVolume[key]; !dup && (keyCap <= 0 || len(volumeKeys) < keyCap) {
					seenVolume[key] = struct{}{}
					volumeKeys = append(volumeKeys, key)
				}
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate property blobs: %w", err)
	}
	return areaKeys, volumeKeys, nil
}

// NearestElementIDs returns the db ids of the topK elements closest to the
// query embedding for one model, nearest first. The vector is bound as a text
// parameter and cast server-side.
func (r *Repository) NearestElementIDs(ctx context.Context, urn string, embedding []float64, topK int) ([]int64, error) {
	if len(embedding) == 0 {
		return nil, fmt.Errorf("empty query embedding")
	}
	if topK <= 0 {
		return nil, fmt.Errorf("topK must be positive")
	}

	rows, err := r.db.QueryContext(ctx, `
SELECT db_id
FROM elements
WHERE urn = $1 AND embedding IS NOT NULL
ORDER BY embedding <=> $2::vector
LIMIT $3`, urn, formatVector(embedding), topK)
	if err != nil {
		return nil, fmt.Errorf("query nearest elements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	ids := make([]int64, 0, topK)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan nearest element id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate nearest element ids: %w", err)
	}
	return ids, nil
}

func (r *Repository) CountElements(ctx context.Context, f model.Filter) (int64, error) {
	var count int64
	query := `
SELECT COUNT(*)
FROM elements
WHERE ` + f.Where
	if err := r.db.QueryRowContext(ctx, query, f.Args...).Scan(&count); err != nil {
		return 0, fmt.Errorf("count elements: %w", err)
	}
	return count, nil
}

func (r *Repository) DistinctValues(ctx context.Context, f model.Filter, col model.Column, limit int) ([]string, error) {
	query := `
SELECT DISTINCT btrim(` + col.Ident + `) AS value
FROM elements
WHERE ` + f.Where + ` AND ` + col.Ident + ` IS NOT NULL AND btrim(` + col.Ident + `) <> ''
ORDER BY value ASC`
	args := f.Args
	if limit > 0 {
		query += `
LIMIT $` + strconv.Itoa(len(args)+1)
		args = append(append([]any{}, args...), limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query distinct values: %w", err)
	}
	defer func() { _ = rows.Close() }()

	values := make([]string, 0)
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return nil, fmt.Errorf("scan distinct value: %w", err)
		}
		values = append(values, value)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate distinct values: %w", err)
	}
	return values, nil
}

func (r *Repository) GroupCounts(ctx context.Context, f model.Filter, col model.Column, limit int) ([]model.GroupCount, error) {
	// Secondary sort on the value keeps equal-count groups deterministic.
	query := `
SELECT btrim(` + col.Ident + `) AS value, COUNT(*) AS cnt
FROM elements
WHERE ` + f.Where + ` AND ` + col.Ident + ` IS NOT NULL AND btrim(` + col.Ident + `) <> ''
GROUP BY value
ORDER BY cnt DESC, value ASC`
	args := f.Args
	if limit > 0 {
		query += `
LIMIT $` + strconv.Itoa(len(args)+1)
		args = append(append([]any{}, args...), limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query group counts: %w", err)
	}
	defer func() { _ = rows.Close() }()

	groups := make([]model.GroupCount, 0)
	for rows.Next() {
		var group model.GroupCount
		if err := rows.Scan(&group.Value, &group.Count); err != nil {
			return nil, fmt.Errorf("scan group count: %w", err)
		}
		groups = append(groups, group)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group counts: %w", err)
	}
	return groups, nil
}

func (r *Repository) ListElements(ctx context.Context, f model.Filter, limit int) ([]model.ElementDoc, error) {
	query := `
SELECT guid, db_id, name, component_type, type_name, family_name,
       level_number, room_name, room_type, system_type, system_name,
       manufacturer, model_name, omniclass_title, omniclass_number
FROM elements
WHERE ` + f.Where + `
ORDER BY db_id ASC`
	args := f.Args
	if limit > 0 {
		query += `
LIMIT $` + strconv.Itoa(len(args)+1)
		args = append(append([]any{}, args...), limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query elements: %w", err)
	}
	defer func() { _ = rows.Close() }()

	docs := make([]model.ElementDoc, 0)
	for rows.Next() {
		var doc model.ElementDoc
		if err := rows.Scan(
			&doc.GUID,
			&doc.DBID,
			&doc.Name,
			&doc.ComponentType,
			&doc.TypeName,
			&doc.FamilyName,
			&doc.LevelNumber,
			&doc.RoomName,
			&doc.RoomType,
			&doc.SystemType,
			&doc.SystemName,
			&doc.Manufacturer,
			&doc.ModelName,
			&doc.OmniclassTitle,
			&doc.OmniclassNumber,
		); err != nil {
			return nil, fmt.Errorf("scan element row: %w", err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate element rows: %w", err)
	}
	return docs, nil
}

// PropertyBlobs returns the raw serialized property blobs of elements matching
// the filter, bounded to maxRows. Callers extract individual keys and must
// tolerate malformed blobs.
func (r *Repository) PropertyBlobs(ctx context.Context, f model.Filter, maxRows int) ([][]byte, error) {
	query := `
SELECT props_flat
FROM elements
WHERE ` + f.Where + ` AND props_flat IS NOT NULL`
	args := f.Args
	if maxRows > 0 {
		query += `
LIMIT $` + strconv.Itoa(len(args)+1)
		args = append(append([]any{}, args...), maxRows)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query property blobs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	blobs := make([][]byte, 0)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan property blob: %w", err)
		}
		blobs = append(blobs, blob)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate property blobs: %w", err)
	}
	return blobs, nil
}

func formatVector(values []float64) string {
	var sb strings.Builder
	sb.WriteByte('[')
	for i, v := range values {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(strconv.FormatFloat(v, 'f', -1, 64))
	}
	sb.WriteByte(']')
	return sb.String()
}
