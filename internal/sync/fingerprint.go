package sync

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"strings"
)

// Fingerprint returns the content hash of a schema shape. Table and column
// order do not matter; names are compared case-insensitively and types are
// normalized to upper case.
func Fingerprint(tables []TableDef) string {
	norm := make([]TableDef, len(tables))
	for i, t := range tables {
		cols := make([]ColumnDef, len(t.Columns))
		for j, c := range t.Columns {
			cols[j] = ColumnDef{
				Name:       strings.ToLower(c.Name),
				Type:       strings.ToUpper(strings.TrimSpace(c.Type)),
				NotNull:    c.NotNull,
				PrimaryKey: c.PrimaryKey,
			}
		}
		sort.Slice(cols, func(a, b int) bool { return cols[a].Name < cols[b].Name })
		norm[i] = TableDef{Name: strings.ToLower(t.Name), Columns: cols}
	}
	sort.Slice(norm, func(a, b int) bool { return norm[a].Name < norm[b].Name })

	data, _ := json.Marshal(norm)
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:16])
}
