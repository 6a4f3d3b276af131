// Package checkpoint persists the ingestion watermark: the next calendar
// month to archive, plus the thread-reply setting stored alongside it.
package checkpoint

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"slack-monthly-archiver/internal/config"
)

// Setting keys shared by every backend.
const (
	KeyIncludeThreadReplies = "INCLUDE_THREAD_REPLIES"
	KeyLastProcessedYear    = "lastProcessedYear"
	KeyLastProcessedMonth   = "lastProcessedMonth"
)

// ErrNotInitialized is returned by reads when the store has never been
// bootstrapped.
var ErrNotInitialized = fmt.Errorf("%w: checkpoint not initialized, run bootstrap first", config.ErrConfiguration)

// Watermark is the next (year, month) to process.
type Watermark struct {
	Year  int
	Month int
}

// DefaultWatermark is where a fresh or reset archive starts.
var DefaultWatermark = Watermark{Year: 2024, Month: 4}

func (w Watermark) Next() Watermark {
	if w.Month >= 12 {
		return Watermark{Year: w.Year + 1, Month: 1}
	}
	return Watermark{Year: w.Year, Month: w.Month + 1}
}

// After reports whether w is strictly later than o.
func (w Watermark) After(o Watermark) bool {
	if w.Year != o.Year {
		return w.Year > o.Year
	}
	return w.Month > o.Month
}

func (w Watermark) String() string {
	return fmt.Sprintf("%04d-%02d", w.Year, w.Month)
}

func (w Watermark) valid() bool {
	return w.Year > 0 && w.Month >= 1 && w.Month <= 12
}

// Settings is the complete persisted state.
type Settings struct {
	Watermark            Watermark
	IncludeThreadReplies bool
}

// DefaultSettings is what bootstrap writes for keys that are absent.
var DefaultSettings = Settings{Watermark: DefaultWatermark, IncludeThreadReplies: true}

// Backend is a flat string key/value persistence layer.
type Backend interface {
	// Values returns every stored key. A backend that was never written
	// returns an empty map and no error.
	Values(ctx context.Context) (map[string]string, error)
	// Put upserts the given keys, leaving others untouched.
	Put(ctx context.Context, values map[string]string) error
}

// Store reads and writes the watermark through a Backend. It holds no
// cached state; every call goes to the backend.
type Store struct {
	backend Backend
	logger  *zap.Logger
}

func NewStore(backend Backend, logger *zap.Logger) *Store {
	return &Store{backend: backend, logger: logger}
}

func (s *Store) Get(ctx context.Context) (Watermark, error) {
	values, err := s.backend.Values(ctx)
	if err != nil {
		return Watermark{}, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	year, err := intValue(values, KeyLastProcessedYear)
	if err != nil {
		return Watermark{}, err
	}
	month, err := intValue(values, KeyLastProcessedMonth)
	if err != nil {
		return Watermark{}, err
	}

	w := Watermark{Year: year, Month: month}
	if !w.valid() {
		return Watermark{}, fmt.Errorf("%w: stored watermark %d/%d is out of range", config.ErrConfiguration, year, month)
	}
	return w, nil
}

// Set overwrites the watermark.
func (s *Store) Set(ctx context.Context, w Watermark) error {
	if !w.valid() {
		return fmt.Errorf("invalid watermark %d/%d", w.Year, w.Month)
	}
	if err := s.backend.Put(ctx, watermarkValues(w)); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	s.logger.Info("checkpoint updated", zap.Int("year", w.Year), zap.Int("month", w.Month))
	return nil
}

// Reset writes def regardless of what is currently stored. A missing
// thread-reply setting is filled in from DefaultSettings so that a reset
// store is fully initialized.
func (s *Store) Reset(ctx context.Context, def Watermark) error {
	if !def.valid() {
		return fmt.Errorf("invalid watermark %d/%d", def.Year, def.Month)
	}
	values, err := s.backend.Values(ctx)
	if err != nil {
		return fmt.Errorf("failed to read checkpoint: %w", err)
	}

	put := watermarkValues(def)
	if strings.TrimSpace(values[KeyIncludeThreadReplies]) == "" {
		put[KeyIncludeThreadReplies] = strconv.FormatBool(DefaultSettings.IncludeThreadReplies)
	}
	if err := s.backend.Put(ctx, put); err != nil {
		return fmt.Errorf("failed to write checkpoint: %w", err)
	}
	s.logger.Info("checkpoint reset", zap.Int("year", def.Year), zap.Int("month", def.Month))
	return nil
}

// Bootstrap writes defaults for every key that is missing and reports
// which keys it wrote. Present keys are never overwritten.
func (s *Store) Bootstrap(ctx context.Context, defaults Settings) ([]string, error) {
	values, err := s.backend.Values(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint: %w", err)
	}

	want := watermarkValues(defaults.Watermark)
	want[KeyIncludeThreadReplies] = strconv.FormatBool(defaults.IncludeThreadReplies)

	missing := map[string]string{}
	var written []string
	for _, key := range []string{KeyIncludeThreadReplies, KeyLastProcessedYear, KeyLastProcessedMonth} {
		if strings.TrimSpace(values[key]) == "" {
			missing[key] = want[key]
			written = append(written, key)
		}
	}
	if len(missing) == 0 {
		s.logger.Info("checkpoint already initialized")
		return nil, nil
	}

	if err := s.backend.Put(ctx, missing); err != nil {
		return nil, fmt.Errorf("failed to bootstrap checkpoint: %w", err)
	}
	s.logger.Info("checkpoint bootstrapped", zap.Strings("keys", written))
	return written, nil
}

// IncludeThreadReplies reads the boolean-as-string reply setting.
func (s *Store) IncludeThreadReplies(ctx context.Context) (bool, error) {
	values, err := s.backend.Values(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to read checkpoint: %w", err)
	}
	raw := strings.TrimSpace(values[KeyIncludeThreadReplies])
	if raw == "" {
		return false, fmt.Errorf("%w (%s missing)", ErrNotInitialized, KeyIncludeThreadReplies)
	}
	return strings.EqualFold(raw, "true"), nil
}

func watermarkValues(w Watermark) map[string]string {
	return map[string]string{
		KeyLastProcessedYear:  strconv.Itoa(w.Year),
		KeyLastProcessedMonth: strconv.Itoa(w.Month),
	}
}

func intValue(values map[string]string, key string) (int, error) {
	raw := strings.TrimSpace(values[key])
	if raw == "" {
		return 0, fmt.Errorf("%w (%s missing)", ErrNotInitialized, key)
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s is not a number: %q", config.ErrConfiguration, key, raw)
	}
	return n, nil
}
