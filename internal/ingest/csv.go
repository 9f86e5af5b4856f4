package ingest

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ppiankov/abacus/internal/model"
)

// LoadCSV reads a claims CSV file
func LoadCSV(ctx context.Context, path string) (*model.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	return ReadCSV(ctx, f, path)
}

// ReadCSV streams claims from r. The first row is the header.
func ReadCSV(ctx context.Context, r io.Reader, source string) (*model.Batch, error) {
	br := bufio.NewReaderSize(r, 256*1024)

	// Skip UTF-8 BOM if present
	if bom, err := br.Peek(3); err == nil && bom[0] == 0xEF && bom[1] == 0xBB && bom[2] == 0xBF {
		_, _ = br.Discard(3)
	}

	cr := csv.NewReader(br)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, &model.SchemaError{Source: source, Reason: "empty file, no header row"}
	}
	if err != nil {
		return nil, &model.SchemaError{Source: source, Reason: fmt.Sprintf("read header: %v", err)}
	}

	b, err := newBuilder(source, append([]string(nil), header...))
	if err != nil {
		return nil, err
	}

	for line := 2; ; line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &model.SchemaError{Source: source, Reason: fmt.Sprintf("line %d: %v", line, err)}
		}
		if len(rec) == 1 && rec[0] == "" {
			continue // blank line
		}

		b.add(func(i int) string {
			if i < len(rec) {
				return rec[i]
			}
			return ""
		})
	}

	return b.batch(), nil
}
