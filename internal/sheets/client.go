package sheets

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

type Client struct {
	service *sheets.Service
	logger  *zap.Logger
}

// NewClient builds a Sheets client from service-account credentials given
// either as JSON content or as a path to a .json file.
func NewClient(ctx context.Context, credentialsJSON string, logger *zap.Logger, opts ...option.ClientOption) (*Client, error) {
	var credentialsData []byte
	var err error

	// File path criteria: shorter than 512 chars, ends with .json, and doesn't start with {
	isFilePath := len(credentialsJSON) < 512 &&
		strings.HasSuffix(credentialsJSON, ".json") &&
		!strings.HasPrefix(strings.TrimSpace(credentialsJSON), "{")

	if isFilePath {
		credentialsData, err = os.ReadFile(credentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("unable to read credentials file '%s': %w", credentialsJSON, err)
		}
		logger.Debug("read credentials from file", zap.String("path", credentialsJSON), zap.Int("bytes", len(credentialsData)))
	} else {
		credentialsData = []byte(credentialsJSON)
		logger.Debug("using credentials as JSON content", zap.Int("bytes", len(credentialsData)))
	}

	opts = append([]option.ClientOption{option.WithCredentialsJSON(credentialsData)}, opts...)
	service, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to create sheets service: %w", err)
	}

	return &Client{service: service, logger: logger}, nil
}

// NewClientFromService wraps an already configured service.
func NewClientFromService(service *sheets.Service, logger *zap.Logger) *Client {
	return &Client{service: service, logger: logger}
}

// A1 quotes a sheet title for use in A1 notation and appends cells.
func A1(title, cells string) string {
	quoted := "'" + strings.ReplaceAll(title, "'", "''") + "'"
	if cells == "" {
		return quoted
	}
	return quoted + "!" + cells
}

// FindSheet returns the properties of the sheet titled title, or nil.
func (c *Client) FindSheet(ctx context.Context, spreadsheetID, title string) (*sheets.SheetProperties, error) {
	spreadsheet, err := c.service.Spreadsheets.Get(spreadsheetID).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to get spreadsheet: %w", err)
	}

	for _, sheet := range spreadsheet.Sheets {
		if sheet.Properties != nil && sheet.Properties.Title == title {
			return sheet.Properties, nil
		}
	}
	return nil, nil
}

// EnsureSheet returns the sheet titled title, creating it when absent.
// created reports whether it was just added.
func (c *Client) EnsureSheet(ctx context.Context, spreadsheetID, title string) (props *sheets.SheetProperties, created bool, err error) {
	props, err = c.FindSheet(ctx, spreadsheetID, title)
	if err != nil {
		return nil, false, err
	}
	if props != nil {
		return props, false, nil
	}

	c.logger.Info("creating sheet", zap.String("sheet", title))
	resp, err := c.service.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AddSheet: &sheets.AddSheetRequest{
					Properties: &sheets.SheetProperties{Title: title},
				},
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return nil, false, fmt.Errorf("unable to create sheet %s: %w", title, err)
	}

	for _, reply := range resp.Replies {
		if reply.AddSheet != nil && reply.AddSheet.Properties != nil {
			return reply.AddSheet.Properties, true, nil
		}
	}
	return &sheets.SheetProperties{Title: title}, true, nil
}

func (c *Client) ReadValues(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error) {
	resp, err := c.service.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("unable to read %s: %w", rng, err)
	}
	return resp.Values, nil
}

func (c *Client) UpdateValues(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error {
	_, err := c.service.Spreadsheets.Values.Update(spreadsheetID, rng, &sheets.ValueRange{
		Values: rows,
	}).ValueInputOption("RAW").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to write data to %s: %w", rng, err)
	}
	return nil
}

// ClearSheet removes every value from the sheet, keeping the sheet itself.
func (c *Client) ClearSheet(ctx context.Context, spreadsheetID, title string) error {
	_, err := c.service.Spreadsheets.Values.Clear(spreadsheetID, A1(title, ""), &sheets.ClearValuesRequest{}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to clear sheet %s: %w", title, err)
	}
	return nil
}

func (c *Client) AutoResizeColumns(ctx context.Context, spreadsheetID string, sheetID int64, columns int) error {
	_, err := c.service.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
		Requests: []*sheets.Request{
			{
				AutoResizeDimensions: &sheets.AutoResizeDimensionsRequest{
					Dimensions: &sheets.DimensionRange{
						SheetId:         sheetID,
						Dimension:       "COLUMNS",
						StartIndex:      0,
						EndIndex:        int64(columns),
						ForceSendFields: []string{"StartIndex"},
					},
				},
			},
		},
	}).Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("unable to resize columns: %w", err)
	}
	return nil
}

// WriteTable replaces the contents of the sheet titled title with rows,
// creating the sheet if needed. Existing values are cleared first, never
// appended to.
func (c *Client) WriteTable(ctx context.Context, spreadsheetID, title string, rows [][]string) error {
	props, created, err := c.EnsureSheet(ctx, spreadsheetID, title)
	if err != nil {
		return err
	}
	if !created {
		if err := c.ClearSheet(ctx, spreadsheetID, title); err != nil {
			return err
		}
	}

	values := make([][]interface{}, len(rows))
	width := 0
	for i, row := range rows {
		values[i] = make([]interface{}, len(row))
		for j, cell := range row {
			values[i][j] = cell
		}
		if len(row) > width {
			width = len(row)
		}
	}

	if len(values) > 0 {
		if err := c.UpdateValues(ctx, spreadsheetID, A1(title, "A1"), values); err != nil {
			return err
		}
	}

	if width > 0 {
		if err := c.AutoResizeColumns(ctx, spreadsheetID, props.SheetId, width); err != nil {
			c.logger.Warn("unable to resize columns", zap.String("sheet", title), zap.Error(err))
		}
	}

	c.logger.Info("sheet written",
		zap.String("sheet", title), zap.Int("rows", len(rows)), zap.Bool("created", created))
	return nil
}

// TableSink binds a Client to one spreadsheet.
type TableSink struct {
	client        *Client
	spreadsheetID string
}

func NewTableSink(client *Client, spreadsheetID string) *TableSink {
	return &TableSink{client: client, spreadsheetID: spreadsheetID}
}

func (s *TableSink) WriteTable(ctx context.Context, name string, rows [][]string) error {
	return s.client.WriteTable(ctx, s.spreadsheetID, name, rows)
}
