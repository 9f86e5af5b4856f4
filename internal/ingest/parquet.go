package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"
	"github.com/shopspring/decimal"

	"github.com/ppiankov/abacus/internal/model"
)

const readBatch = 8192

// LoadParquet reads a claims Parquet file with a flat schema. Numeric, DATE,
// TIMESTAMP and DECIMAL columns are rendered to text the same way CSV cells are.
func LoadParquet(ctx context.Context, path string) (*model.Batch, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}

	pf, err := parquet.OpenFile(f, fi.Size())
	if err != nil {
		return nil, &model.SchemaError{Source: path, Reason: fmt.Sprintf("open parquet: %v", err)}
	}

	schema := pf.Schema()
	paths := schema.Columns()
	headers := make([]string, len(paths))
	renderers := make([]func(parquet.Value) string, len(paths))
	for i, p := range paths {
		if len(p) != 1 {
			return nil, &model.SchemaError{Source: path, Reason: fmt.Sprintf("nested column %v is not supported", p)}
		}
		headers[i] = p[0]
		leaf, _ := schema.Lookup(p...)
		renderers[i] = renderer(leaf.Node)
	}

	b, err := newBuilder(path, headers)
	if err != nil {
		return nil, err
	}

	reader := parquet.NewReader(pf)
	defer func() { _ = reader.Close() }()

	rows := make([]parquet.Row, readBatch)
	cells := make([]string, len(paths))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		n, err := reader.ReadRows(rows)
		for _, row := range rows[:n] {
			for i := range cells {
				cells[i] = ""
			}
			for _, v := range row {
				col := v.Column()
				if col < 0 || col >= len(cells) || v.IsNull() {
					continue
				}
				cells[col] = renderers[col](v)
			}
			b.add(func(i int) string { return cells[i] })
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &model.SchemaError{Source: path, Reason: fmt.Sprintf("read rows: %v", err)}
		}
		if n == 0 {
			break
		}
	}

	return b.batch(), nil
}

// renderer picks the text conversion for a leaf column
func renderer(node parquet.Node) func(parquet.Value) string {
	if node != nil {
		if lt := node.Type().LogicalType(); lt != nil {
			switch {
			case lt.Date != nil:
				return func(v parquet.Value) string {
					return time.Unix(int64(v.Int32())*86400, 0).UTC().Format(model.ReferenceDateLayout)
				}
			case lt.Timestamp != nil:
				unit := timestampUnit(lt.Timestamp.Unit)
				return func(v parquet.Value) string {
					if v.Kind() != parquet.Int64 {
						return plain(v)
					}
					return renderTimestamp(v.Int64(), unit)
				}
			case lt.Decimal != nil:
				scale := lt.Decimal.Scale
				return func(v parquet.Value) string {
					switch v.Kind() {
					case parquet.Int32:
						return decimal.New(int64(v.Int32()), -scale).String()
					case parquet.Int64:
						return decimal.New(v.Int64(), -scale).String()
					default:
						return plain(v)
					}
				}
			}
		}
	}
	return plain
}

func timestampUnit(u format.TimeUnit) time.Duration {
	switch {
	case u.Nanos != nil:
		return time.Nanosecond
	case u.Micros != nil:
		return time.Microsecond
	default:
		return time.Millisecond
	}
}

// renderTimestamp formats midnight as a plain date and anything else as RFC3339
func renderTimestamp(n int64, unit time.Duration) string {
	var t time.Time
	switch unit {
	case time.Nanosecond:
		t = time.Unix(0, n)
	case time.Microsecond:
		t = time.UnixMicro(n)
	default:
		t = time.UnixMilli(n)
	}
	t = t.UTC()
	if t.Equal(t.Truncate(24 * time.Hour)) {
		return t.Format(model.ReferenceDateLayout)
	}
	return t.Format(time.RFC3339)
}

func plain(v parquet.Value) string {
	switch v.Kind() {
	case parquet.Boolean:
		return strconv.FormatBool(v.Boolean())
	case parquet.Int32:
		return strconv.FormatInt(int64(v.Int32()), 10)
	case parquet.Int64:
		return strconv.FormatInt(v.Int64(), 10)
	case parquet.Float:
		return strconv.FormatFloat(float64(v.Float()), 'f', -1, 32)
	case parquet.Double:
		return strconv.FormatFloat(v.Double(), 'f', -1, 64)
	case parquet.ByteArray, parquet.FixedLenByteArray:
		return string(v.ByteArray())
	default:
		return v.String()
	}
}
