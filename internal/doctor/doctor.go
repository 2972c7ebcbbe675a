// Package doctor provides health checks for a loft deployment.
//
// The doctor command validates that the hierarchy store is reachable,
// migrated, and internally consistent: parent chains are acyclic, every
// share declares or inherits a location, and stored permission strings are
// canonical.
//
// Example usage:
//
//	d := doctor.New(db)
//	report, err := d.Run(ctx)
//	if err != nil {
//		log.Fatal(err)
//	}
//	report.Print(os.Stdout, true) // verbose=true
package doctor

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"strings"

	"github.com/loftshare/loft/permission"
)

// Status represents the result of a health check.
type Status int

const (
	// StatusPass indicates the check passed.
	StatusPass Status = iota
	// StatusWarn indicates a non-critical issue.
	StatusWarn
	// StatusFail indicates a critical issue that will cause failures.
	StatusFail
)

func (s Status) String() string {
	switch s {
	case StatusPass:
		return "pass"
	case StatusWarn:
		return "warn"
	case StatusFail:
		return "fail"
	default:
		return "unknown"
	}
}

// Symbol returns a status indicator symbol for terminal output.
func (s Status) Symbol() string {
	switch s {
	case StatusPass:
		return "✓"
	case StatusWarn:
		return "⚠"
	case StatusFail:
		return "✗"
	default:
		return "?"
	}
}

// CheckResult represents the outcome of a single health check.
type CheckResult struct {
	// Category groups related checks (e.g., "Schema", "Hierarchy").
	Category string

	// Name is a short identifier for the check.
	Name string

	// Status is the check outcome.
	Status Status

	// Message is a human-readable description of the result.
	Message string

	// Details provides additional information for verbose output.
	Details string

	// FixHint suggests how to resolve issues.
	FixHint string
}

// Report contains all health check results.
type Report struct {
	Checks []CheckResult

	// Summary counts.
	Passed   int
	Warnings int
	Errors   int
}

// AddCheck adds a check result and updates summary counts.
func (r *Report) AddCheck(check CheckResult) {
	r.Checks = append(r.Checks, check)
	switch check.Status {
	case StatusPass:
		r.Passed++
	case StatusWarn:
		r.Warnings++
	case StatusFail:
		r.Errors++
	}
}

// Print writes the report to the given writer.
func (r *Report) Print(w io.Writer, verbose bool) {
	// Group checks by category
	categories := make(map[string][]CheckResult)
	var categoryOrder []string
	for _, check := range r.Checks {
		if _, exists := categories[check.Category]; !exists {
			categoryOrder = append(categoryOrder, check.Category)
		}
		categories[check.Category] = append(categories[check.Category], check)
	}

	for _, cat := range categoryOrder {
		_, _ = fmt.Fprintf(w, "\n%s\n", cat)
		for _, check := range categories[cat] {
			_, _ = fmt.Fprintf(w, "  %s %s\n", check.Status.Symbol(), check.Message)
			if verbose && check.Details != "" {
				for _, line := range strings.Split(check.Details, "\n") {
					_, _ = fmt.Fprintf(w, "      %s\n", line)
				}
			}
			if check.Status != StatusPass && check.FixHint != "" {
				_, _ = fmt.Fprintf(w, "      Fix: %s\n", check.FixHint)
			}
		}
	}

	_, _ = fmt.Fprintf(w, "\nSummary: %d passed, %d warnings, %d errors\n",
		r.Passed, r.Warnings, r.Errors)
}

// HasErrors returns true if any check failed.
func (r *Report) HasErrors() bool {
	return r.Errors > 0
}

// Doctor performs health checks against the hierarchy store.
type Doctor struct {
	db *sql.DB

	// Set during Run once the schema check passes; data checks are
	// skipped when the tables are missing.
	tablesPresent bool
}

// hierarchyTables is the full table set the migration creates.
var hierarchyTables = []string{
	"loft_users",
	"loft_groups",
	"loft_group_users",
	"loft_files",
	"loft_spaces",
	"loft_space_roots",
	"loft_shares",
	"loft_memberships",
}

// New creates a new Doctor instance.
func New(db *sql.DB) *Doctor {
	return &Doctor{db: db}
}

// Run executes all health checks and returns a report.
func (d *Doctor) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := d.checkConnection(ctx, report); err != nil {
		return report, nil
	}
	if err := d.checkSchema(ctx, report); err != nil {
		return nil, fmt.Errorf("checking schema: %w", err)
	}
	if !d.tablesPresent {
		return report, nil
	}
	if err := d.checkHierarchy(ctx, report); err != nil {
		return nil, fmt.Errorf("checking hierarchy: %w", err)
	}
	if err := d.checkPermissions(ctx, report); err != nil {
		return nil, fmt.Errorf("checking permissions: %w", err)
	}

	return report, nil
}

// checkConnection verifies the database is reachable. A failure here makes
// every other check pointless, so it short-circuits the run.
func (d *Doctor) checkConnection(ctx context.Context, report *Report) error {
	if err := d.db.PingContext(ctx); err != nil {
		report.AddCheck(CheckResult{
			Category: "Connection",
			Name:     "ping",
			Status:   StatusFail,
			Message:  "Database is not reachable",
			Details:  err.Error(),
			FixHint:  "Check the database URL and that PostgreSQL is running",
		})
		return err
	}
	report.AddCheck(CheckResult{
		Category: "Connection",
		Name:     "ping",
		Status:   StatusPass,
		Message:  "Database is reachable",
	})
	return nil
}

// checkSchema verifies every hierarchy table exists.
func (d *Doctor) checkSchema(ctx context.Context, report *Report) error {
	const probe = `SELECT EXISTS (
		SELECT 1 FROM information_schema.tables WHERE table_name = $1
	)`

	var missing []string
	for _, table := range hierarchyTables {
		var exists bool
		if err := d.db.QueryRowContext(ctx, probe, table).Scan(&exists); err != nil {
			return fmt.Errorf("probing %s: %w", table, err)
		}
		if !exists {
			missing = append(missing, table)
		}
	}

	if len(missing) > 0 {
		report.AddCheck(CheckResult{
			Category: "Schema",
			Name:     "tables",
			Status:   StatusFail,
			Message:  fmt.Sprintf("%d of %d hierarchy tables missing", len(missing), len(hierarchyTables)),
			Details:  strings.Join(missing, "\n"),
			FixHint:  "Run 'loft migrate' to create the hierarchy schema",
		})
		return nil
	}

	d.tablesPresent = true
	report.AddCheck(CheckResult{
		Category: "Schema",
		Name:     "tables",
		Status:   StatusPass,
		Message:  fmt.Sprintf("All %d hierarchy tables present", len(hierarchyTables)),
	})
	return nil
}

// checkHierarchy validates structural invariants of the share tree: every
// share resolves to a location, anchors stay within their space, and the
// parent chain is acyclic.
func (d *Doctor) checkHierarchy(ctx context.Context, report *Report) error {
	if err := d.countCheck(ctx, report, "Hierarchy", "locationless",
		`SELECT count(*) FROM loft_shares
		 WHERE parent_id IS NULL AND file_id IS NULL
		   AND external_path IS NULL AND space_id IS NULL`,
		"All shares declare or inherit a location",
		"%d shares have no location and no parent",
		"These shares can never resolve; delete them"); err != nil {
		return err
	}

	if err := d.countCheck(ctx, report, "Hierarchy", "cross_space_anchor",
		`SELECT count(*) FROM loft_shares s
		 JOIN loft_space_roots r ON r.id = s.space_root_id
		 WHERE s.space_id IS NOT NULL AND r.space_id <> s.space_id`,
		"All share anchors stay within their space",
		"%d shares anchor at a root of another space",
		"Re-anchor or delete the affected shares"); err != nil {
		return err
	}

	if err := d.countCheck(ctx, report, "Hierarchy", "foreign_root_file",
		`SELECT count(*) FROM loft_space_roots r
		 JOIN loft_files f ON f.id = r.file_id
		 WHERE r.owner_id IS NOT NULL AND f.owner_id <> r.owner_id`,
		"All space root files belong to their root owner",
		"%d space roots reference files owned by someone else",
		"Fix the root owner or point the root at the owner's file"); err != nil {
		return err
	}

	// Walk every parent chain; a chain that revisits its start is a cycle.
	// The depth bound keeps the recursion finite even on corrupted data.
	const cycleQuery = `
		WITH RECURSIVE walk(start_id, current_id, depth) AS (
			SELECT id, parent_id, 1 FROM loft_shares WHERE parent_id IS NOT NULL
			UNION ALL
			SELECT w.start_id, s.parent_id, w.depth + 1
			FROM walk w
			JOIN loft_shares s ON s.id = w.current_id
			WHERE s.parent_id IS NOT NULL AND w.depth < 64
		)
		SELECT count(DISTINCT start_id) FROM walk WHERE current_id = start_id`
	return d.countCheck(ctx, report, "Hierarchy", "parent_cycles", cycleQuery,
		"Share parent chains are acyclic",
		"%d shares sit on a parent cycle",
		"Break the cycle by clearing one share's parent")
}

// checkPermissions validates that stored permission strings round-trip
// through the canonical serialization. Non-canonical strings still parse,
// but diffing and narrowing compare serialized forms.
func (d *Doctor) checkPermissions(ctx context.Context, report *Report) error {
	const query = `
		SELECT DISTINCT permissions FROM loft_memberships WHERE permissions <> ''
		UNION
		SELECT DISTINCT permissions FROM loft_space_roots WHERE permissions <> ''`
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return fmt.Errorf("loading permission strings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var bad []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return fmt.Errorf("scanning permission string: %w", err)
		}
		if permission.Parse(s).String() != s {
			bad = append(bad, s)
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating permission strings: %w", err)
	}

	if len(bad) > 0 {
		report.AddCheck(CheckResult{
			Category: "Permissions",
			Name:     "canonical",
			Status:   StatusWarn,
			Message:  fmt.Sprintf("%d non-canonical permission strings stored", len(bad)),
			Details:  strings.Join(bad, "\n"),
			FixHint:  "Rewrite the affected rows through the store to canonicalize them",
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: "Permissions",
		Name:     "canonical",
		Status:   StatusPass,
		Message:  "All stored permission strings are canonical",
	})
	return nil
}

// countCheck runs a scalar count query and reports pass when zero.
func (d *Doctor) countCheck(ctx context.Context, report *Report, category, name, query, passMsg, failMsg, fixHint string) error {
	var n int64
	if err := d.db.QueryRowContext(ctx, query).Scan(&n); err != nil {
		return fmt.Errorf("%s/%s: %w", category, name, err)
	}
	if n > 0 {
		report.AddCheck(CheckResult{
			Category: category,
			Name:     name,
			Status:   StatusFail,
			Message:  fmt.Sprintf(failMsg, n),
			FixHint:  fixHint,
		})
		return nil
	}
	report.AddCheck(CheckResult{
		Category: category,
		Name:     name,
		Status:   StatusPass,
		Message:  passMsg,
	})
	return nil
}
