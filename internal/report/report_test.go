package report

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"mogipos/internal/model"
	"mogipos/internal/state"
)

var t0 = time.Date(2026, 5, 3, 10, 0, 0, 0, time.UTC)

func twoOrders() []model.Order {
	return []model.Order{
		{
			ID: "o2", OrderNumber: "0002", CreatedAt: t0.Add(time.Minute),
			Lines: []model.OrderLine{{ID: "tea", Name: "Black tea", Unit: 300, Qty: 3}},
			Total: 900, Cash: 1000, Change: 100,
		},
		{
			ID: "o1", OrderNumber: "0001", CreatedAt: t0,
			Lines: []model.OrderLine{{ID: "drip", Name: "Drip coffee", Unit: 300, Qty: 3}},
			Total: 900, Cash: 900,
		},
	}
}

func TestAggregateOrders(t *testing.T) {
	agg := AggregateOrders(twoOrders())

	drip, ok := agg.Lookup("drip", "Drip coffee")
	require.True(t, ok)
	assert.Equal(t, int64(3), drip.Qty)
	assert.Equal(t, int64(900), drip.Sales)

	tea, ok := agg.Lookup("tea", "Black tea")
	require.True(t, ok)
	assert.Equal(t, int64(3), tea.Qty)
	assert.Equal(t, int64(900), tea.Sales)

	assert.Equal(t, int64(6), agg.TotalQty)
	assert.Equal(t, int64(1800), agg.TotalSales)
	assert.Equal(t, "Black tea", agg.Items[0].Name, "equal qty ties break on name")
}

func TestAggregateOrders_SplitsRenamedItems(t *testing.T) {
	orders := []model.Order{
		{Lines: []model.OrderLine{{ID: "latte", Name: "Latte", Unit: 380, Qty: 1}}},
		{Lines: []model.OrderLine{{ID: "latte", Name: "Cafe latte", Unit: 400, Qty: 2}}},
	}
	agg := AggregateOrders(orders)
	require.Len(t, agg.Items, 2)
	assert.Equal(t, "Cafe latte", agg.Items[0].Name)
	assert.Equal(t, int64(1180), agg.TotalSales)

	_, ok := agg.Lookup("latte", "Mocha")
	assert.False(t, ok)
}

func TestToRows_OldestFirst(t *testing.T) {
	rows := ToRows(twoOrders())
	require.Len(t, rows, 2)
	assert.Equal(t, "0001", rows[0].OrderNo)
	assert.Equal(t, "Drip coffee", rows[0].Item)
	assert.Equal(t, int64(900), rows[0].Line)
	assert.Equal(t, int64(100), rows[1].Change)
}

func TestSummarize(t *testing.T) {
	s := Summarize(twoOrders())
	assert.Equal(t, Summary{Orders: 2, Total: 1800}, s)
	assert.Equal(t, Summary{}, Summarize(nil))
}

func TestWriteCSV_Format(t *testing.T) {
	rows := []Row{{
		Time: t0, OrderNo: "0001", Item: `Cake, "special"`, Qty: 1, Unit: 500, Line: 500, Total: 500, Cash: 500,
	}}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))

	lines := strings.Split(buf.String(), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, "time,orderNo,item,qty,unit,line,total,cash,change", lines[0])
	assert.Equal(t, `2026-05-03T10:00:00Z,0001,"Cake, ""special""",1,500,500,500,500,0`, lines[1])
}

func TestCSV_RoundTrip(t *testing.T) {
	orders := twoOrders()
	orders[0].Lines = append(orders[0].Lines, model.OrderLine{ID: "x", Name: "multi\nline", Unit: 10, Qty: 2})
	rows := ToRows(orders)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	got, err := ParseCSV(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(rows))
	for i := range rows {
		assert.True(t, rows[i].Time.Equal(got[i].Time))
		got[i].Time = rows[i].Time
	}
	assert.Equal(t, rows, got)
}

func TestCSV_RoundTripKeepsFractionalSecondsAndCR(t *testing.T) {
	ts := time.Date(2026, 5, 3, 10, 0, 0, 123456789, time.FixedZone("JST", 9*3600))
	rows := []Row{
		{Time: ts, OrderNo: "0001", Item: "a\r\nb", Qty: 1, Unit: 100, Line: 100, Total: 400, Cash: 500, Change: 100},
		{Time: ts, OrderNo: "0001", Item: "lone\rcr", Qty: 3, Unit: 100, Line: 300, Total: 400, Cash: 500, Change: 100},
		{Time: ts.Add(time.Millisecond), OrderNo: "0002", Item: `"quoted", comma`, Qty: 1, Unit: 0, Line: 0, Total: 0, Cash: 0},
	}
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))
	assert.Contains(t, buf.String(), "\"a\r\nb\"")
	assert.Contains(t, buf.String(), "\"lone\rcr\"")

	got, err := ParseCSV(&buf)
	require.NoError(t, err)
	require.Len(t, got, len(rows))
	for i := range rows {
		assert.True(t, rows[i].Time.Equal(got[i].Time), "row %d time %s", i, got[i].Time)
		assert.Equal(t, rows[i].Time.Nanosecond(), got[i].Time.Nanosecond())
		got[i].Time = rows[i].Time
	}
	assert.Equal(t, rows, got)
}

func TestParseCSV_ToleratesCRLFLineEnds(t *testing.T) {
	in := "time,orderNo,item,qty,unit,line,total,cash,change\r\n" +
		"2026-05-03T10:00:00.5Z,0001,Drip,1,300,300,300,300,0\r\n" +
		"2026-05-03T10:00:01Z,0002,\"Cake, big\",1,500,500,500,1000,500\r\n"
	got, err := ParseCSV(strings.NewReader(in))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Drip", got[0].Item)
	assert.Equal(t, 500*time.Millisecond, time.Duration(got[0].Time.Nanosecond()))
	assert.Equal(t, "Cake, big", got[1].Item)
	assert.Equal(t, int64(500), got[1].Change)
}

func TestParseCSV_RejectsMalformedRows(t *testing.T) {
	head := strings.Join(Header, ",") + "\n"
	_, err := ParseCSV(strings.NewReader(head + "2026-05-03T10:00:00Z,0001,Drip,1,300"))
	assert.Error(t, err)
	_, err = ParseCSV(strings.NewReader(head + `2026-05-03T10:00:00Z,0001,"Drip,1,300,300,300,300,0`))
	assert.Error(t, err)
	_, err = ParseCSV(strings.NewReader(head + `2026-05-03T10:00:00Z,0001,"Drip"x,1,300,300,300,300,0`))
	assert.Error(t, err)
}

func TestParseCSV_RejectsForeignHeader(t *testing.T) {
	_, err := ParseCSV(strings.NewReader("a,b,c,d,e,f,g,h,i\n"))
	assert.ErrorIs(t, err, ErrBadHeader)
	_, err = ParseCSV(strings.NewReader(""))
	assert.ErrorIs(t, err, ErrBadHeader)
}

func TestWriteXLSX(t *testing.T) {
	orders := twoOrders()
	var buf bytes.Buffer
	require.NoError(t, WriteXLSX(&buf, ToRows(orders), AggregateOrders(orders)))

	f, err := excelize.OpenReader(&buf)
	require.NoError(t, err)
	defer f.Close()

	sales, err := f.GetRows("Sales")
	require.NoError(t, err)
	require.Len(t, sales, 3)
	assert.Equal(t, Header, sales[0])
	assert.Equal(t, "0001", sales[1][1])

	items, err := f.GetRows("Items")
	require.NoError(t, err)
	require.Len(t, items, 4)
	assert.Equal(t, []string{"", "total", "6", "1800"}, items[3])
}

func TestExportFilename(t *testing.T) {
	assert.Equal(t, "sales-2026-05-03.csv", ExportFilename(t0))
}

func TestReporter_ReadsStore(t *testing.T) {
	st := state.NewInMemoryStore()
	for _, o := range twoOrders() {
		require.NoError(t, state.PutRecord(st, state.Orders, o))
	}
	r := NewReporter(st)
	ctx := context.Background()

	agg, err := r.Aggregate(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), agg.TotalSales)

	rows, err := r.Rows(ctx)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	sum, err := r.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Orders)
}
