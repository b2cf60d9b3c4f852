package models

import "time"

// Document is one CSV row flattened to text.
type Document struct {
	Source string `json:"source"`
	Row    int    `json:"row"`
	Text   string `json:"text"`
}

type Chunk struct {
	ID        string    `json:"id"`
	Source    string    `json:"source"`
	Row       int       `json:"row"`
	Ordinal   int       `json:"ordinal"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

type SearchResult struct {
	Chunk Chunk   `json:"chunk"`
	Score float64 `json:"score"`
}

// Answer is the result of a retrieve-then-generate call.
type Answer struct {
	Question string         `json:"question"`
	Answer   string         `json:"answer"`
	Sources  []SearchResult `json:"sources"`
	Cached   bool           `json:"cached,omitempty"`
}

// IndexMeta describes a persisted index.
type IndexMeta struct {
	Dim        int       `json:"dim"`
	Provider   string    `json:"provider"`
	EmbedModel string    `json:"embed_model"`
	Chunks     int64     `json:"chunks"`
	BuiltAt    time.Time `json:"built_at"`
}
