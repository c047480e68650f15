package migration

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/erp/fiscalsync/internal/domain/fiscal"
)

// TableStatus describes one family lease table on a postgres database
type TableStatus struct {
	Family fiscal.Family
	Table  string
	Exists bool
	Rows   map[fiscal.LeaseState]int64
}

// Total is the number of leases in the table
func (s TableStatus) Total() int64 {
	var n int64
	for _, c := range s.Rows {
		n += c
	}
	return n
}

// InspectLotTables reports existence and per-state row counts of every family table.
func InspectLotTables(ctx context.Context, db *sql.DB) ([]TableStatus, error) {
	out := make([]TableStatus, 0, len(fiscal.Families()))
	for _, f := range fiscal.Families() {
		st := TableStatus{Family: f, Table: f.Table(), Rows: map[fiscal.LeaseState]int64{}}

		var reg sql.NullString
		if err := db.QueryRowContext(ctx, "SELECT to_regclass($1)::text", st.Table).Scan(&reg); err != nil {
			return nil, fmt.Errorf("lookup %s: %w", st.Table, err)
		}
		st.Exists = reg.Valid
		if !st.Exists {
			out = append(out, st)
			continue
		}

		// table names come from the closed family set, never from input
		rows, err := db.QueryContext(ctx, "SELECT state, COUNT(*) FROM "+st.Table+" GROUP BY state")
		if err != nil {
			return nil, fmt.Errorf("count %s: %w", st.Table, err)
		}
		for rows.Next() {
			var state int16
			var n int64
			if err := rows.Scan(&state, &n); err != nil {
				_ = rows.Close()
				return nil, fmt.Errorf("scan %s: %w", st.Table, err)
			}
			st.Rows[fiscal.LeaseState(state)] = n
		}
		if err := rows.Close(); err != nil {
			return nil, err
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("count %s: %w", st.Table, err)
		}
		out = append(out, st)
	}
	return out, nil
}

// MissingTables returns the family tables absent from statuses
func MissingTables(statuses []TableStatus) []string {
	var missing []string
	for _, s := range statuses {
		if !s.Exists {
			missing = append(missing, s.Table)
		}
	}
	return missing
}
