package executor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sheetforge/sheetguard/internal/workbook"
)

type fakeFetcher struct {
	body        []byte
	contentType string
}

func (f fakeFetcher) Fetch(ctx context.Context, url string, maxBytes int64) ([]byte, string, error) {
	return f.body, f.contentType, nil
}

func newFetchExecutor(t *testing.T, cfg Config, fetch Fetcher) (*Executor, *workbook.MemoryWorkbook) {
	t.Helper()
	wb := workbook.NewMemoryWorkbook("Sheet1")
	if cfg.DefaultSheet == "" {
		cfg.DefaultSheet = "Sheet1"
	}
	if cfg.MaxToolRangeCells == 0 {
		cfg.MaxToolRangeCells = 1000
	}
	if cfg.MaxReadRangeCells == 0 {
		cfg.MaxReadRangeCells = 1000
	}
	cfg.AllowExternalData = true
	return New(wb, cfg, fetch), wb
}

func TestHostAllowedEmptyListIsUnrestricted(t *testing.T) {
	assert.True(t, hostAllowed("example.com", nil))
	assert.True(t, hostAllowed("example.com", []string{}))
	assert.True(t, hostAllowed("example.com", []string{"example.com"}))
	assert.False(t, hostAllowed("evil.com", []string{"example.com"}))
}

func TestFetchExternalDataRejectsNonHTTPScheme(t *testing.T) {
	e, _ := newFetchExecutor(t, Config{}, fakeFetcher{body: []byte(`{}`)})
	res := e.Execute(context.Background(), Call{Tool: "fetch_external_data", Parameters: mustJSON(t, map[string]any{
		"url": "ftp://example.com/data", "dest": "A1",
	})})
	require.False(t, res.OK)
	assert.Equal(t, ErrValidation, res.Error.Code)
}

func TestFetchExternalDataRawText(t *testing.T) {
	e, wb := newFetchExecutor(t, Config{}, fakeFetcher{body: []byte("hello world"), contentType: "text/plain"})
	res := e.Execute(context.Background(), Call{Tool: "fetch_external_data", Parameters: mustJSON(t, map[string]any{
		"url": "https://example.com/data", "dest": "A1", "raw_text": true,
	})})
	require.True(t, res.OK, "%+v", res.Error)

	cell, err := wb.GetCell(context.Background(), mustCell(t, "Sheet1!A1"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", cell.Value)
}

func TestFetchExternalDataJSONArrayOfObjectsBecomesTable(t *testing.T) {
	body := []byte(`[{"name":"a","count":1},{"name":"b","count":2}]`)
	e, wb := newFetchExecutor(t, Config{}, fakeFetcher{body: body, contentType: "application/json"})
	res := e.Execute(context.Background(), Call{Tool: "fetch_external_data", Parameters: mustJSON(t, map[string]any{
		"url": "https://example.com/data", "dest": "A1",
	})})
	require.True(t, res.OK, "%+v", res.Error)
	data := res.Data.(map[string]any)
	assert.Equal(t, "Sheet1!A1:B3", data["range"])

	header, err := wb.GetCell(context.Background(), mustCell(t, "Sheet1!A1"))
	require.NoError(t, err)
	assert.Equal(t, "count", header.Value)

	row1, err := wb.GetCell(context.Background(), mustCell(t, "Sheet1!A2"))
	require.NoError(t, err)
	assert.Equal(t, 1.0, row1.Value)
}
