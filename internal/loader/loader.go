package loader

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/karrick/godirwalk"
	"github.com/rs/zerolog/log"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
)

var (
	// ErrUnsupportedEncoding is returned when no encoding in Encodings yields a parseable table.
	ErrUnsupportedEncoding = errors.New("could not read CSV file with any supported encoding")
	// ErrMalformedCSV is returned when a data row has more cells than the header.
	ErrMalformedCSV = errors.New("malformed csv")
	// ErrNoCSVFiles is returned when a directory holds no *.csv files.
	ErrNoCSVFiles = errors.New("no csv files found")
)

// Encodings lists the encodings tried, in priority order.
var Encodings = []string{"utf-8", "latin-1", "iso-8859-1", "cp1252"}

// Table is a decoded CSV file: a header row and the data rows.
type Table struct {
	Source   string
	Encoding string
	Columns  []string
	Rows     [][]string
}

// Attempt records the outcome of parsing a file with one encoding.
type Attempt struct {
	Encoding string
	Columns  []string
	Rows     int
	Err      error
}

// FileSystemWalker defines the interface for walking directories
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

// FileReader defines the interface for reading files
type FileReader interface {
	ReadFile(filename string) ([]byte, error)
}

// DefaultFileSystemWalker implements FileSystemWalker using godirwalk
type DefaultFileSystemWalker struct{}

func (d *DefaultFileSystemWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// DefaultFileReader implements FileReader using os
type DefaultFileReader struct{}

func (d *DefaultFileReader) ReadFile(filename string) ([]byte, error) {
	return os.ReadFile(filename)
}

// Loader reads CSV files from disk.
type Loader struct {
	Walker FileSystemWalker
	Reader FileReader
}

// New creates a Loader backed by the real filesystem.
func New() *Loader {
	return &Loader{
		Walker: &DefaultFileSystemWalker{},
		Reader: &DefaultFileReader{},
	}
}

// NewWithDependencies creates a Loader with custom dependencies for testing
func NewWithDependencies(walker FileSystemWalker, reader FileReader) *Loader {
	return &Loader{Walker: walker, Reader: reader}
}

// Load reads the CSV at path, returning the table from the first encoding that parses.
func (l *Loader) Load(path string) (*Table, error) {
	raw, err := l.Reader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var shapeErr error
	for _, enc := range Encodings {
		t, err := parse(raw, enc)
		if err != nil {
			log.Debug().Err(err).Str("path", path).Str("encoding", enc).Msg("csv parse failed")
			if errors.Is(err, ErrMalformedCSV) && shapeErr == nil {
				shapeErr = err
			}
			continue
		}
		t.Source = path
		log.Info().Str("path", path).Str("encoding", enc).
			Int("rows", len(t.Rows)).Int("columns", len(t.Columns)).
			Msg("loaded csv")
		return t, nil
	}
	// the delimiters are ASCII, so a shape error is the same under every encoding
	if shapeErr != nil {
		return nil, fmt.Errorf("%s: %w", path, shapeErr)
	}
	return nil, fmt.Errorf("%s: %w", path, ErrUnsupportedEncoding)
}

// Probe parses path with every encoding and reports each outcome.
func (l *Loader) Probe(path string) ([]Attempt, error) {
	raw, err := l.Reader.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	out := make([]Attempt, 0, len(Encodings))
	for _, enc := range Encodings {
		a := Attempt{Encoding: enc}
		t, err := parse(raw, enc)
		if err != nil {
			a.Err = err
		} else {
			a.Columns = t.Columns
			a.Rows = len(t.Rows)
		}
		out = append(out, a)
	}
	return out, nil
}

// LoadDir loads every *.csv below root, ordered by path.
func (l *Loader) LoadDir(root string) ([]*Table, error) {
	var paths []string
	err := l.Walker.Walk(root, &godirwalk.Options{
		Callback: func(path string, de *godirwalk.Dirent) error {
			if de != nil && de.IsDir() {
				return nil
			}
			if strings.EqualFold(filepath.Ext(path), ".csv") {
				paths = append(paths, path)
			}
			return nil
		},
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%s: %w", root, ErrNoCSVFiles)
	}
	sort.Strings(paths)

	tables := make([]*Table, 0, len(paths))
	for _, p := range paths {
		t, err := l.Load(p)
		if err != nil {
			return nil, err
		}
		tables = append(tables, t)
	}
	return tables, nil
}

// LoadPath loads a single file or, when path is a directory, every CSV beneath it.
func (l *Loader) LoadPath(path string) ([]*Table, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.IsDir() {
		return l.LoadDir(path)
	}
	t, err := l.Load(path)
	if err != nil {
		return nil, err
	}
	return []*Table{t}, nil
}

// decode converts raw bytes to UTF-8 text using the named encoding.
func decode(raw []byte, enc string) (string, error) {
	switch enc {
	case "utf-8":
		if !utf8.Valid(raw) {
			return "", errors.New("invalid utf-8 byte sequence")
		}
		// UTF8BOM strips a leading byte order mark
		b, err := unicode.UTF8BOM.NewDecoder().Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "latin-1", "iso-8859-1":
		b, err := charmap.ISO8859_1.NewDecoder().Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(b), nil
	case "cp1252":
		b, err := charmap.Windows1252.NewDecoder().Bytes(raw)
		if err != nil {
			return "", err
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown encoding %q", enc)
	}
}

func parse(raw []byte, enc string) (*Table, error) {
	text, err := decode(raw, enc)
	if err != nil {
		return nil, err
	}

	r := csv.NewReader(strings.NewReader(text))
	// short rows are padded below; stray quotes stay literal text
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, errors.New("no columns to parse from file")
	}

	width := len(records[0])
	rows := records[1:]
	for i, row := range rows {
		switch {
		case len(row) > width:
			// line numbers count the header as line 1
			return nil, fmt.Errorf("%w: line %d has %d fields, header has %d", ErrMalformedCSV, i+2, len(row), width)
		case len(row) < width:
			padded := make([]string, width)
			copy(padded, row)
			rows[i] = padded
		}
	}

	return &Table{
		Encoding: enc,
		Columns:  dedupeColumns(records[0]),
		Rows:     rows,
	}, nil
}

// dedupeColumns renames repeated header names to name.1, name.2, ...
func dedupeColumns(cols []string) []string {
	out := make([]string, len(cols))
	seen := make(map[string]int, len(cols))
	taken := make(map[string]bool, len(cols))
	for _, c := range cols {
		taken[c] = true
	}
	for i, c := range cols {
		n, dup := seen[c]
		seen[c] = n + 1
		if !dup {
			out[i] = c
			continue
		}
		name := c + "." + strconv.Itoa(n)
		for taken[name] {
			n++
			name = c + "." + strconv.Itoa(n)
		}
		seen[c] = n + 1
		taken[name] = true
		out[i] = name
	}
	return out
}
