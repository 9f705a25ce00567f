package store

import (
	"database/sql"
	"fmt"

	"github.com/BTreeMap/AffirmFlow/internal/models"
)

// scanTemplates reads prompt template rows selected as
// (template_key, version, implementation, body, updated_at).
func scanTemplates(rows *sql.Rows) ([]models.PromptTemplate, error) {
	var out []models.PromptTemplate
	for rows.Next() {
		var t models.PromptTemplate
		if err := rows.Scan(&t.Key, &t.Version, &t.Implementation, &t.Body, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan template row: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate template rows: %w", err)
	}
	return out, nil
}
