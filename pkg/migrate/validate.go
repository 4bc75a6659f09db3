package migrate

import (
	"bufio"
	"bytes"
	"fmt"
	"io/fs"
	"os"
	"path"
	"regexp"
	"strings"

	"go.uber.org/multierr"
)

var sqlFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

// ValidateDir checks the migrations in a source directory.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	return ValidateFS(os.DirFS(dir), ".")
}

// ValidateEmbedded checks the device schema compiled into the binary.
func ValidateEmbedded() error {
	return ValidateFS(embedded, embeddedDir)
}

// ValidateFS reports every problem it finds in the .sql files of dir:
// bad names, reused versions and malformed goose annotations.
func ValidateFS(fsys fs.FS, dir string) error {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	var problems error
	versions := map[string]string{}
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := sqlFileRe.FindStringSubmatch(name)
		if m == nil {
			problems = multierr.Append(problems, fmt.Errorf("invalid migration filename %q (expected YYYYMMDDHHMMSS_name.sql)", name))
			continue
		}
		if prev, ok := versions[m[1]]; ok {
			problems = multierr.Append(problems, fmt.Errorf("duplicate migration version %s in %q and %q", m[1], prev, name))
		}
		versions[m[1]] = name

		body, err := fs.ReadFile(fsys, path.Join(dir, name))
		if err != nil {
			problems = multierr.Append(problems, fmt.Errorf("read %q: %w", name, err))
			continue
		}
		if err := checkAnnotations(body); err != nil {
			problems = multierr.Append(problems, fmt.Errorf("migration %q: %w", name, err))
		}
	}
	return problems
}

// checkAnnotations requires Up before Down and balanced statement blocks,
// the same shape goose's parser accepts.
func checkAnnotations(body []byte) error {
	var sawUp, sawDown, inBlock bool
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for line := 1; scanner.Scan(); line++ {
		switch strings.TrimSpace(scanner.Text()) {
		case "-- +goose Up":
			if sawUp || sawDown {
				return fmt.Errorf("line %d: unexpected \"-- +goose Up\"", line)
			}
			sawUp = true
		case "-- +goose Down":
			if !sawUp {
				return fmt.Errorf("line %d: \"-- +goose Down\" before \"-- +goose Up\"", line)
			}
			if inBlock {
				return fmt.Errorf("line %d: Down inside an open statement block", line)
			}
			sawDown = true
		case "-- +goose StatementBegin":
			if inBlock {
				return fmt.Errorf("line %d: nested StatementBegin", line)
			}
			inBlock = true
		case "-- +goose StatementEnd":
			if !inBlock {
				return fmt.Errorf("line %d: StatementEnd without StatementBegin", line)
			}
			inBlock = false
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	switch {
	case !sawUp:
		return fmt.Errorf("missing \"-- +goose Up\"")
	case !sawDown:
		return fmt.Errorf("missing \"-- +goose Down\"")
	case inBlock:
		return fmt.Errorf("unterminated statement block")
	}
	return nil
}
