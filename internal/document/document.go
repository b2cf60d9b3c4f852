// Package document flattens CSV tables into one text document per row.
package document

import (
	"strings"

	"github.com/seanblong/csvrag/internal/loader"
	"github.com/seanblong/csvrag/pkg/models"
)

// Delimiter separates "column: value" pairs within a row document.
const Delimiter = " | "

// Row renders a single row as "col1: v1 | col2: v2 | ...", in column order.
func Row(columns, values []string) string {
	var b strings.Builder
	for i, col := range columns {
		if i > 0 {
			b.WriteString(Delimiter)
		}
		b.WriteString(col)
		b.WriteString(": ")
		if i < len(values) {
			b.WriteString(values[i])
		}
	}
	return b.String()
}

// Build converts every row of every table into a Document.
func Build(tables ...*loader.Table) []models.Document {
	var n int
	for _, t := range tables {
		n += len(t.Rows)
	}
	docs := make([]models.Document, 0, n)
	for _, t := range tables {
		for i, row := range t.Rows {
			docs = append(docs, models.Document{
				Source: t.Source,
				Row:    i,
				Text:   Row(t.Columns, row),
			})
		}
	}
	return docs
}
