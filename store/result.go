package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx/types"
	"github.com/lib/pq"
)

// MatchType is how an IOC's values are matched against a field.
type MatchType string

const (
	// MatchEquality matches values verbatim.
	MatchEquality MatchType = "equality"
	// MatchRegex matches values as regular expressions.
	MatchRegex MatchType = "regex"
	// MatchQuery matches values as downstream search queries.
	MatchQuery MatchType = "query"
)

// Valid reports whether m is a known match type.
func (m MatchType) Valid() bool {
	switch m {
	case MatchEquality, MatchRegex, MatchQuery:
		return true
	}
	return false
}

// IOC is an indicator of compromise attached to an analysis result.
// IOC rows are owned by their result and cascade on delete.
type IOC struct {
	ID         int64          `db:"id"`
	AnalysisID int64          `db:"analysis_id"`
	MatchType  MatchType      `db:"match_type"`
	Values     pq.StringArray `db:"match_values"`
	Field      *string        `db:"field"`
	Link       *string        `db:"link"`
}

// AsDict renders the IOC in the shape the feed API expects (iocs_v2).
func (i *IOC) AsDict() map[string]any {
	d := map[string]any{
		"id":         fmt.Sprintf("%d", i.ID),
		"match_type": string(i.MatchType),
		"values":     []string(i.Values),
	}
	if i.Field != nil {
		d["field"] = *i.Field
	}
	if i.Link != nil {
		d["link"] = *i.Link
	}
	return d
}

// AnalysisResult models the result of an analysis performed by a connector.
// (sha256, connector_name, analysis_name) is unique across the store.
type AnalysisResult struct {
	ID            int64          `db:"id"`
	SHA256        string         `db:"sha256"`
	ConnectorName string         `db:"connector_name"`
	AnalysisName  string         `db:"analysis_name"`
	Score         int            `db:"score"`
	Error         bool           `db:"error"`
	ScanTime      time.Time      `db:"scan_time"`
	Payload       types.JSONText `db:"payload"`
	JobID         string         `db:"job_id"`
	Dispatched    bool           `db:"dispatched"`

	// IOCs are eagerly loaded with the result.
	IOCs []*IOC `db:"-"`
}

// AsDict renders the result for the front end's completed-analyses response.
func (r *AnalysisResult) AsDict() map[string]any {
	iocs := make([]map[string]any, 0, len(r.IOCs))
	for _, ioc := range r.IOCs {
		iocs = append(iocs, ioc.AsDict())
	}
	return map[string]any{
		"id":             r.ID,
		"sha256":         r.SHA256,
		"connector_name": r.ConnectorName,
		"analysis_name":  r.AnalysisName,
		"score":          r.Score,
		"error":          r.Error,
		"scan_time":      r.ScanTime.UTC().Format(time.RFC3339),
		"payload":        r.Payload,
		"job_id":         r.JobID,
		"dispatched":     r.Dispatched,
		"iocs":           iocs,
	}
}

// CreateResult inserts the result and its IOCs in one transaction.
// The result's ID (and each IOC's ID and AnalysisID) are filled in on
// success. A (sha256, connector_name, analysis_name) conflict rolls the
// transaction back and returns ErrDuplicateResult.
func (s *Store) CreateResult(ctx context.Context, r *AnalysisResult) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: create result: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if r.ScanTime.IsZero() {
		r.ScanTime = time.Now().UTC()
	}
	if r.Payload == nil {
		r.Payload = types.JSONText("{}")
	}

	err = tx.QueryRowxContext(ctx,
		`INSERT INTO results
		   (sha256, connector_name, analysis_name, score, error, scan_time, payload, job_id, dispatched)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, FALSE)
		 RETURNING id`,
		r.SHA256, r.ConnectorName, r.AnalysisName, r.Score, r.Error,
		r.ScanTime, r.Payload, r.JobID,
	).Scan(&r.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: %s/%s/%s", ErrDuplicateResult,
				r.SHA256, r.ConnectorName, r.AnalysisName)
		}
		return fmt.Errorf("store: create result: %w", err)
	}

	for _, ioc := range r.IOCs {
		ioc.AnalysisID = r.ID
		err = tx.QueryRowxContext(ctx,
			`INSERT INTO iocs (analysis_id, match_type, match_values, field, link)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id`,
			ioc.AnalysisID, ioc.MatchType, ioc.Values, ioc.Field, ioc.Link,
		).Scan(&ioc.ID)
		if err != nil {
			return fmt.Errorf("store: create ioc: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: create result: %w", err)
	}
	return nil
}

const resultColumns = `id, sha256, connector_name, analysis_name, score, error,
	scan_time, payload, job_id, dispatched`

// ResultsByIDs returns the results with the given IDs, IOCs included.
// Missing IDs are skipped, not errors.
func (s *Store) ResultsByIDs(ctx context.Context, ids []int64) ([]*AnalysisResult, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var results []*AnalysisResult
	err := s.db.SelectContext(ctx, &results,
		`SELECT `+resultColumns+` FROM results WHERE id = ANY($1) ORDER BY id`,
		pq.Array(ids))
	if err != nil {
		return nil, fmt.Errorf("store: results by ids: %w", err)
	}
	if err := s.loadIOCs(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

// ResultsBySHA256 returns all results for the given hash, IOCs included.
func (s *Store) ResultsBySHA256(ctx context.Context, sha256 string) ([]*AnalysisResult, error) {
	var results []*AnalysisResult
	err := s.db.SelectContext(ctx, &results,
		`SELECT `+resultColumns+` FROM results WHERE sha256 = $1 ORDER BY id`, sha256)
	if err != nil {
		return nil, fmt.Errorf("store: results by sha256: %w", err)
	}
	if err := s.loadIOCs(ctx, results); err != nil {
		return nil, err
	}
	return results, nil
}

// loadIOCs fills in the IOCs relation for each result.
func (s *Store) loadIOCs(ctx context.Context, results []*AnalysisResult) error {
	if len(results) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(results))
	byID := make(map[int64]*AnalysisResult, len(results))
	for _, r := range results {
		ids = append(ids, r.ID)
		byID[r.ID] = r
		r.IOCs = []*IOC{}
	}

	var iocs []*IOC
	err := s.db.SelectContext(ctx, &iocs,
		`SELECT id, analysis_id, match_type, match_values, field, link
		 FROM iocs WHERE analysis_id = ANY($1) ORDER BY id`,
		pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: load iocs: %w", err)
	}
	for _, ioc := range iocs {
		if r, ok := byID[ioc.AnalysisID]; ok {
			r.IOCs = append(r.IOCs, ioc)
		}
	}
	return nil
}

// MarkDispatched sets dispatched=true on the given result IDs.
func (s *Store) MarkDispatched(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE results SET dispatched = TRUE WHERE id = ANY($1)`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("store: mark dispatched: %w", err)
	}
	return nil
}

// DeleteBy selects which result field a bulk delete matches on.
type DeleteBy string

const (
	// ByHashes deletes results whose sha256 is in the item list.
	ByHashes DeleteBy = "hashes"
	// ByConnectorNames deletes results whose connector_name is in the list.
	ByConnectorNames DeleteBy = "connector_names"
	// ByAnalysisNames deletes results whose analysis_name is in the list.
	ByAnalysisNames DeleteBy = "analysis_names"
	// ByJobIDs deletes results whose job_id is in the list.
	ByJobIDs DeleteBy = "job_ids"
)

// DeleteResults removes all results matching the selector, along with their
// IOCs (enforced by the cascade on the iocs foreign key). Returns the number
// of results removed.
func (s *Store) DeleteResults(ctx context.Context, by DeleteBy, items []string) (int64, error) {
	if len(items) == 0 {
		return 0, nil
	}

	var column string
	switch by {
	case ByHashes:
		column = "sha256"
	case ByConnectorNames:
		column = "connector_name"
	case ByAnalysisNames:
		column = "analysis_name"
	case ByJobIDs:
		column = "job_id"
	default:
		return 0, fmt.Errorf("store: unknown delete selector %q", by)
	}

	res, err := s.db.ExecContext(ctx,
		`DELETE FROM results WHERE `+column+` = ANY($1)`, pq.Array(items))
	if err != nil {
		return 0, fmt.Errorf("store: delete results by %s: %w", by, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: delete results by %s: %w", by, err)
	}
	return n, nil
}
