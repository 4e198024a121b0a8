package risk

import (
	"bufio"
	"context"
	"io"
	"strings"

	"github.com/go-faster/errors"
	pgzip "github.com/klauspost/pgzip"
)

// ReadSnapshot streams a gzip-compressed blacklist snapshot and calls fn for
// each entry. Lines have the form "kind<TAB>value[<TAB>reason]"; blank lines
// and lines starting with '#' are skipped.
func ReadSnapshot(ctx context.Context, r io.Reader, fn func(Entry) error) error {
	gz, err := pgzip.NewReader(r)
	if err != nil {
		return errors.Wrap(err, "create gzip reader")
	}
	defer func() { _ = gz.Close() }()

	scanner := bufio.NewScanner(gz)
	line := 0
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line++

		text := strings.TrimSpace(scanner.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}

		parts := strings.SplitN(text, "\t", 3)
		if len(parts) < 2 {
			return errors.Errorf("line %d: expected kind and value", line)
		}
		e := Entry{Kind: EntryKind(strings.ToLower(parts[0])), Value: parts[1]}
		if len(parts) == 3 {
			e.Reason = parts[2]
		}
		if !e.Kind.Valid() {
			return errors.Wrapf(ErrUnknownEntryKind, "line %d: %q", line, parts[0])
		}
		if err := fn(e.Normalize()); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return errors.Wrap(err, "scan snapshot")
	}
	return nil
}

// WriteSnapshot writes entries in the format read by ReadSnapshot.
func WriteSnapshot(w io.Writer, entries []Entry) error {
	gz := pgzip.NewWriter(w)
	bw := bufio.NewWriter(gz)
	for _, e := range entries {
		line := string(e.Kind) + "\t" + e.Value
		if e.Reason != "" {
			line += "\t" + e.Reason
		}
		if _, err := bw.WriteString(line + "\n"); err != nil {
			return errors.Wrap(err, "write entry")
		}
	}
	if err := bw.Flush(); err != nil {
		return errors.Wrap(err, "flush snapshot")
	}
	if err := gz.Close(); err != nil {
		return errors.Wrap(err, "close gzip writer")
	}
	return nil
}
