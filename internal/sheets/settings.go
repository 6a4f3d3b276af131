package sheets

import (
	"context"
	"fmt"

	"google.golang.org/api/sheets/v4"

	"slack-monthly-archiver/internal/checkpoint"
)

const SettingsSheetTitle = "settings"

var settingsHeader = []interface{}{"設定項目", "値", "説明"}

var settingDescriptions = map[string]string{
	checkpoint.KeyIncludeThreadReplies: "スレッド返信を含めるか (true/false)",
	checkpoint.KeyLastProcessedYear:    "最後に処理した年",
	checkpoint.KeyLastProcessedMonth:   "最後に処理した月",
}

// settingsKeyOrder fixes the row order of keys appended to a new sheet.
var settingsKeyOrder = []string{
	checkpoint.KeyIncludeThreadReplies,
	checkpoint.KeyLastProcessedYear,
	checkpoint.KeyLastProcessedMonth,
}

type valueStore interface {
	FindSheet(ctx context.Context, spreadsheetID, title string) (*sheets.SheetProperties, error)
	EnsureSheet(ctx context.Context, spreadsheetID, title string) (*sheets.SheetProperties, bool, error)
	ReadValues(ctx context.Context, spreadsheetID, rng string) ([][]interface{}, error)
	UpdateValues(ctx context.Context, spreadsheetID, rng string, rows [][]interface{}) error
}

// SettingsBackend is a checkpoint.Backend over a three-column
// key/value/description sheet. Reads never create the sheet.
type SettingsBackend struct {
	store         valueStore
	spreadsheetID string
}

func NewSettingsBackend(client *Client, spreadsheetID string) *SettingsBackend {
	return &SettingsBackend{store: client, spreadsheetID: spreadsheetID}
}

func (b *SettingsBackend) Values(ctx context.Context) (map[string]string, error) {
	props, err := b.store.FindSheet(ctx, b.spreadsheetID, SettingsSheetTitle)
	if err != nil {
		return nil, err
	}
	values := map[string]string{}
	if props == nil {
		return values, nil
	}

	rows, err := b.store.ReadValues(ctx, b.spreadsheetID, A1(SettingsSheetTitle, "A:C"))
	if err != nil {
		return nil, err
	}
	for i, row := range rows {
		if i == 0 || len(row) == 0 {
			continue
		}
		key := cellString(row, 0)
		if key == "" {
			continue
		}
		values[key] = cellString(row, 1)
	}
	return values, nil
}

func (b *SettingsBackend) Put(ctx context.Context, values map[string]string) error {
	_, created, err := b.store.EnsureSheet(ctx, b.spreadsheetID, SettingsSheetTitle)
	if err != nil {
		return err
	}

	var rows [][]interface{}
	if !created {
		rows, err = b.store.ReadValues(ctx, b.spreadsheetID, A1(SettingsSheetTitle, "A:C"))
		if err != nil {
			return err
		}
	}
	if len(rows) == 0 {
		rows = [][]interface{}{settingsHeader}
	}

	pending := make(map[string]string, len(values))
	for k, v := range values {
		pending[k] = v
	}

	for i := 1; i < len(rows); i++ {
		key := cellString(rows[i], 0)
		v, ok := pending[key]
		if !ok {
			continue
		}
		rows[i] = []interface{}{key, v, descriptionFor(key, rows[i])}
		delete(pending, key)
	}

	for _, key := range settingsKeyOrder {
		if v, ok := pending[key]; ok {
			rows = append(rows, []interface{}{key, v, settingDescriptions[key]})
			delete(pending, key)
		}
	}
	for key, v := range pending {
		rows = append(rows, []interface{}{key, v, ""})
	}

	return b.store.UpdateValues(ctx, b.spreadsheetID, A1(SettingsSheetTitle, "A1"), rows)
}

func descriptionFor(key string, row []interface{}) string {
	if d := cellString(row, 2); d != "" {
		return d
	}
	return settingDescriptions[key]
}

func cellString(row []interface{}, i int) string {
	if i >= len(row) || row[i] == nil {
		return ""
	}
	return fmt.Sprint(row[i])
}
