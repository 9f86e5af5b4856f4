package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/parquet-go/parquet-go"

	"github.com/ppiankov/abacus/internal/model"
)

const sampleCSV = "\xEF\xBB\xBFclaim_id,member_id,provider_id,claim_amount,service_date,icd_code,cpt_code,claim_status\n" +
	"C1,M1,P1,100.00,2024-01-01,E11.9,99213,paid\n" +
	"C2,M2,P1,\"$5,000.50\",2024-01-02,I10,99214,denied\n" +
	"\n" +
	"C3,,P2,abc,2024-13-45,119E,9921,\n"

func TestReadCSV(t *testing.T) {
	batch, err := ReadCSV(context.Background(), strings.NewReader(sampleCSV), "claims.csv")
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}
	if err := batch.Validate(); err != nil {
		t.Fatalf("Expected valid batch, got %v", err)
	}

	if len(batch.Records) != 3 {
		t.Fatalf("Expected 3 records, got %d", len(batch.Records))
	}

	first := batch.Records[0]
	if first.ClaimID != "C1" || first.DiagnosisCode != "E11.9" || first.ProcedureCode != "99213" || first.ClaimStatus != "paid" {
		t.Errorf("Unexpected first record: %+v", first)
	}
	if !first.Amount.Valid || first.Amount.Decimal.StringFixed(2) != "100.00" {
		t.Errorf("Expected amount 100.00, got %+v", first.Amount)
	}

	second := batch.Records[1]
	if !second.Amount.Valid || second.Amount.Decimal.String() != "5000.5" {
		t.Errorf("Expected currency text to parse, got %+v", second.Amount)
	}
	if second.RawAmount != "$5,000.50" {
		t.Errorf("Expected raw amount kept, got %q", second.RawAmount)
	}

	third := batch.Records[2]
	if third.Row != 2 {
		t.Errorf("Expected blank line to be skipped, row=%d", third.Row)
	}
	if third.Amount.Valid || third.RawAmount != "abc" {
		t.Errorf("Expected unparsable amount, got %+v", third)
	}
	if third.MemberID != "" || third.ServiceDate != "2024-13-45" {
		t.Errorf("Expected raw values to pass through, got %+v", third)
	}
}

func TestReadCSV_MissingColumns(t *testing.T) {
	input := "claim_id,member_id,amount\nC1,M1,10\n"
	batch, err := ReadCSV(context.Background(), strings.NewReader(input), "bad.csv")
	if err != nil {
		t.Fatalf("ReadCSV failed: %v", err)
	}

	err = batch.Validate()
	if !errors.Is(err, model.ErrSchema) {
		t.Fatalf("Expected schema error, got %v", err)
	}
	var se *model.SchemaError
	if !errors.As(err, &se) {
		t.Fatalf("Expected *SchemaError, got %T", err)
	}
	want := []string{"provider_id", "service_date", "diagnosis_code", "procedure_code"}
	if strings.Join(se.Missing, ",") != strings.Join(want, ",") {
		t.Errorf("Expected missing %v, got %v", want, se.Missing)
	}
}

func TestReadCSV_Empty(t *testing.T) {
	_, err := ReadCSV(context.Background(), strings.NewReader(""), "empty.csv")
	if !errors.Is(err, model.ErrSchema) {
		t.Errorf("Expected schema error for empty input, got %v", err)
	}
}

func TestReadCSV_DuplicateColumn(t *testing.T) {
	input := "claim_id,amount,claim_amount\nC1,1,2\n"
	_, err := ReadCSV(context.Background(), strings.NewReader(input), "dup.csv")
	if !errors.Is(err, model.ErrSchema) {
		t.Errorf("Expected schema error for aliased duplicate, got %v", err)
	}
}

func TestReadCSV_Malformed(t *testing.T) {
	input := "claim_id,amount\n\"C1,10\n"
	_, err := ReadCSV(context.Background(), strings.NewReader(input), "broken.csv")
	if !errors.Is(err, model.ErrSchema) {
		t.Errorf("Expected schema error for malformed quoting, got %v", err)
	}
}

func TestParseAmount(t *testing.T) {
	tests := []struct {
		raw   string
		valid bool
		want  string
	}{
		{"100", true, "100"},
		{" 12.50 ", true, "12.5"},
		{"$1,234.56", true, "1234.56"},
		{"-5", true, "-5"},
		{"0", true, "0"},
		{"", false, ""},
		{"abc", false, ""},
		{"1.2.3", false, ""},
	}
	for _, tt := range tests {
		got := ParseAmount(tt.raw)
		if got.Valid != tt.valid {
			t.Errorf("ParseAmount(%q): expected valid=%v, got %v", tt.raw, tt.valid, got.Valid)
			continue
		}
		if tt.valid && got.Decimal.String() != tt.want {
			t.Errorf("ParseAmount(%q): expected %s, got %s", tt.raw, tt.want, got.Decimal.String())
		}
	}
}

func TestLoad_UnsupportedExtension(t *testing.T) {
	_, err := Load(context.Background(), "claims.xlsx")
	if !errors.Is(err, model.ErrSchema) {
		t.Errorf("Expected schema error, got %v", err)
	}
}

func TestLoad_CSVFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.csv")
	if err := os.WriteFile(path, []byte(sampleCSV), 0644); err != nil {
		t.Fatal(err)
	}
	batch, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if batch.Source != path || len(batch.Records) != 3 {
		t.Errorf("Unexpected batch: source=%s records=%d", batch.Source, len(batch.Records))
	}
}

type parquetClaim struct {
	ClaimID     string  `parquet:"claim_id"`
	MemberID    string  `parquet:"member_id"`
	ProviderID  string  `parquet:"provider_id"`
	ClaimAmount float64 `parquet:"claim_amount"`
	ServiceDate string  `parquet:"service_date"`
	ICDCode     *string `parquet:"icd_code,optional"`
	CPTCode     string  `parquet:"cpt_code"`
}

func TestLoadParquet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "claims.parquet")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	icd := "E119"
	w := parquet.NewGenericWriter[parquetClaim](f, parquet.Compression(&parquet.Snappy))
	if _, err := w.Write([]parquetClaim{
		{ClaimID: "C1", MemberID: "M1", ProviderID: "P1", ClaimAmount: 100.5, ServiceDate: "2024-01-01", ICDCode: &icd, CPTCode: "99213"},
		{ClaimID: "C2", MemberID: "M2", ProviderID: "P1", ClaimAmount: 5000, ServiceDate: "2024-01-02", CPTCode: "99214"},
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}

	batch, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(batch.Records) != 2 {
		t.Fatalf("Expected 2 records, got %d", len(batch.Records))
	}

	first := batch.Records[0]
	if first.RawAmount != "100.5" || !first.Amount.Valid {
		t.Errorf("Expected amount 100.5, got %q", first.RawAmount)
	}
	if first.DiagnosisCode != "E119" || first.ProcedureCode != "99213" {
		t.Errorf("Unexpected codes: %+v", first)
	}
	second := batch.Records[1]
	if second.DiagnosisCode != "" {
		t.Errorf("Expected null ICD code to be empty, got %q", second.DiagnosisCode)
	}
	if second.Row != 1 || second.RawAmount != "5000" {
		t.Errorf("Unexpected second record: %+v", second)
	}
}

type timestampClaim struct {
	ClaimID     string    `parquet:"claim_id"`
	MemberID    string    `parquet:"member_id"`
	ProviderID  string    `parquet:"provider_id"`
	ClaimAmount float64   `parquet:"claim_amount"`
	ServiceDate time.Time `parquet:"service_date"`
	ICDCode     string    `parquet:"icd_code"`
	CPTCode     string    `parquet:"cpt_code"`
}

type millisClaim struct {
	ClaimID     string  `parquet:"claim_id"`
	MemberID    string  `parquet:"member_id"`
	ProviderID  string  `parquet:"provider_id"`
	ClaimAmount float64 `parquet:"claim_amount"`
	ServiceDate int64   `parquet:"service_date,timestamp(millisecond)"`
	ICDCode     string  `parquet:"icd_code"`
	CPTCode     string  `parquet:"cpt_code"`
}

func writeParquet[T any](t *testing.T, rows []T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claims.parquet")
	if err := parquet.WriteFile(path, rows); err != nil {
		t.Fatalf("write parquet: %v", err)
	}
	return path
}

func TestLoadParquet_TimestampColumn(t *testing.T) {
	path := writeParquet(t, []timestampClaim{
		{ClaimID: "C1", MemberID: "M1", ProviderID: "P1", ClaimAmount: 100, ServiceDate: time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC), ICDCode: "E11.9", CPTCode: "99213"},
		{ClaimID: "C2", MemberID: "M2", ProviderID: "P1", ClaimAmount: 200, ServiceDate: time.Date(2024, 1, 16, 9, 30, 0, 0, time.UTC), ICDCode: "I10", CPTCode: "99214"},
	})

	batch, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := batch.Records[0].ServiceDate; got != "2024-01-15" {
		t.Errorf("Expected midnight timestamp as a date, got %q", got)
	}
	if got := batch.Records[1].ServiceDate; got != "2024-01-16T09:30:00Z" {
		t.Errorf("Expected RFC3339 timestamp, got %q", got)
	}
}

func TestLoadParquet_MillisecondTimestamp(t *testing.T) {
	day := time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC)
	path := writeParquet(t, []millisClaim{
		{ClaimID: "C1", MemberID: "M1", ProviderID: "P1", ClaimAmount: 100, ServiceDate: day.UnixMilli(), ICDCode: "E11.9", CPTCode: "99213"},
	})

	batch, err := Load(context.Background(), path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := batch.Records[0].ServiceDate; got != "2023-12-31" {
		t.Errorf("Expected 2023-12-31, got %q", got)
	}
}

func TestRenderTimestamp(t *testing.T) {
	ts := time.Date(2024, 2, 29, 23, 59, 59, 0, time.UTC)
	tests := []struct {
		n    int64
		unit time.Duration
		want string
	}{
		{ts.UnixMilli(), time.Millisecond, "2024-02-29T23:59:59Z"},
		{ts.UnixMicro(), time.Microsecond, "2024-02-29T23:59:59Z"},
		{ts.UnixNano(), time.Nanosecond, "2024-02-29T23:59:59Z"},
		{0, time.Millisecond, "1970-01-01"},
	}
	for _, tt := range tests {
		if got := renderTimestamp(tt.n, tt.unit); got != tt.want {
			t.Errorf("renderTimestamp(%d, %v) = %q, expected %q", tt.n, tt.unit, got, tt.want)
		}
	}
}
