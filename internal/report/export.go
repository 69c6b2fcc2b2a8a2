package report

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/xuri/excelize/v2"
)

// Header is the first line of every CSV export.
var Header = []string{"time", "orderNo", "item", "qty", "unit", "line", "total", "cash", "change"}

// TimeLayout formats the time column. Fractional seconds are kept.
const TimeLayout = time.RFC3339Nano

var ErrBadHeader = errors.New("unexpected csv header")

// Record renders the row as CSV fields.
func (r Row) Record() []string {
	return []string{
		r.Time.Format(TimeLayout),
		r.OrderNo,
		r.Item,
		strconv.FormatInt(r.Qty, 10),
		strconv.FormatInt(r.Unit, 10),
		strconv.FormatInt(r.Line, 10),
		strconv.FormatInt(r.Total, 10),
		strconv.FormatInt(r.Cash, 10),
		strconv.FormatInt(r.Change, 10),
	}
}

func quote(field string) string {
	if !strings.ContainsAny(field, ",\"\n\r") {
		return field
	}
	return `"` + strings.ReplaceAll(field, `"`, `""`) + `"`
}

func writeRecord(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteString(quote(f))
	}
}

// WriteCSV writes the header and rows separated by "\n", with no trailing
// newline. Only fields holding a comma, quote, CR or LF are quoted.
func WriteCSV(w io.Writer, rows []Row) error {
	bw := bufio.NewWriter(w)
	writeRecord(bw, Header)
	for _, r := range rows {
		bw.WriteByte('\n')
		writeRecord(bw, r.Record())
	}
	return errors.Wrap(bw.Flush(), "write csv")
}

// ParseCSV reads an export produced by WriteCSV back into rows. Quoted
// fields come back byte for byte, carriage returns included.
func ParseCSV(r io.Reader) ([]Row, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrap(err, "read csv")
	}
	records, err := splitRecords(string(data))
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, ErrBadHeader
	}
	if head := records[0]; strings.Join(head, ",") != strings.Join(Header, ",") {
		return nil, errors.Wrapf(ErrBadHeader, "got %q", head)
	}

	rows := make([]Row, 0, len(records)-1)
	for i, rec := range records[1:] {
		if len(rec) != len(Header) {
			return nil, errors.Errorf("row %d: %d fields, want %d", i+1, len(rec), len(Header))
		}
		row, err := parseRecord(rec)
		if err != nil {
			return nil, errors.Wrapf(err, "row %d", i+1)
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// splitRecords splits the text written by writeRecord into records. A
// trailing newline and CRLF line ends are tolerated.
func splitRecords(data string) ([][]string, error) {
	if data == "" {
		return nil, nil
	}
	var (
		records [][]string
		rec     []string
		i       int
	)
	for {
		var field string
		if data[i] == '"' {
			var b strings.Builder
			i++
			for {
				j := strings.IndexByte(data[i:], '"')
				if j < 0 {
					return nil, errors.Errorf("record %d: unterminated quoted field", len(records)+1)
				}
				b.WriteString(data[i : i+j])
				i += j + 1
				if i < len(data) && data[i] == '"' {
					b.WriteByte('"')
					i++
					continue
				}
				break
			}
			field = b.String()
			if strings.HasPrefix(data[i:], "\r\n") {
				i++
			}
			if i < len(data) && data[i] != ',' && data[i] != '\n' {
				return nil, errors.Errorf("record %d: text after quoted field", len(records)+1)
			}
		} else {
			j := strings.IndexAny(data[i:], ",\n")
			if j < 0 {
				j = len(data) - i
			}
			field = data[i : i+j]
			i += j
			if i == len(data) || data[i] == '\n' {
				field = strings.TrimSuffix(field, "\r")
			}
		}
		rec = append(rec, field)

		if i == len(data) {
			return append(records, rec), nil
		}
		if data[i] == '\n' {
			records = append(records, rec)
			rec = nil
			i++
			if i == len(data) {
				return records, nil
			}
			continue
		}
		i++
		if i == len(data) {
			return append(records, append(rec, "")), nil
		}
	}
}

func parseRecord(rec []string) (Row, error) {
	ts, err := time.Parse(TimeLayout, rec[0])
	if err != nil {
		return Row{}, errors.Wrap(err, "time")
	}
	nums := make([]int64, 6)
	for i := range nums {
		n, err := strconv.ParseInt(rec[3+i], 10, 64)
		if err != nil {
			return Row{}, errors.Wrapf(err, "column %s", Header[3+i])
		}
		nums[i] = n
	}
	return Row{
		Time:    ts,
		OrderNo: rec[1],
		Item:    rec[2],
		Qty:     nums[0],
		Unit:    nums[1],
		Line:    nums[2],
		Total:   nums[3],
		Cash:    nums[4],
		Change:  nums[5],
	}, nil
}

const (
	salesSheet = "Sales"
	itemsSheet = "Items"
)

// WriteXLSX writes the export table plus the per-item aggregate as a
// two-sheet workbook.
func WriteXLSX(w io.Writer, rows []Row, agg Aggregate) error {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", salesSheet); err != nil {
		return errors.Wrap(err, "rename sheet")
	}
	if err := setRow(f, salesSheet, 1, toCells(Header)); err != nil {
		return err
	}
	for i, r := range rows {
		cells := []interface{}{r.Time.Format(TimeLayout), r.OrderNo, r.Item, r.Qty, r.Unit, r.Line, r.Total, r.Cash, r.Change}
		if err := setRow(f, salesSheet, i+2, cells); err != nil {
			return err
		}
	}

	if _, err := f.NewSheet(itemsSheet); err != nil {
		return errors.Wrap(err, "new sheet")
	}
	if err := setRow(f, itemsSheet, 1, []interface{}{"id", "item", "qty", "sales"}); err != nil {
		return err
	}
	for i, s := range agg.Items {
		if err := setRow(f, itemsSheet, i+2, []interface{}{s.ID, s.Name, s.Qty, s.Sales}); err != nil {
			return err
		}
	}
	last := len(agg.Items) + 2
	if err := setRow(f, itemsSheet, last, []interface{}{"", "total", agg.TotalQty, agg.TotalSales}); err != nil {
		return err
	}

	return errors.Wrap(f.Write(w), "write xlsx")
}

func setRow(f *excelize.File, sheet string, rowNo int, cells []interface{}) error {
	if err := f.SetSheetRow(sheet, "A"+fmt.Sprint(rowNo), &cells); err != nil {
		return errors.Wrapf(err, "%s row %d", sheet, rowNo)
	}
	return nil
}

func toCells(ss []string) []interface{} {
	out := make([]interface{}, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// ExportFilename names a CSV export after the UTC date of t.
func ExportFilename(t time.Time) string {
	return "sales-" + t.UTC().Format("2006-01-02") + ".csv"
}
