package journal

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind classifies a journal event.
type Kind string

const (
	KindDecision       Kind = "decision"
	KindSkip           Kind = "skip"
	KindOrderSubmitted Kind = "order_submitted"
	KindFill           Kind = "fill"
	KindSettlement     Kind = "settlement"
	KindRedeem         Kind = "redeem"
	KindClosed         Kind = "closed"
	KindStuck          Kind = "stuck"
	KindError          Kind = "error"
)

// Event is one journal line. Amount fields are pointers so lines only
// carry the figures that apply to their kind.
type Event struct {
	ID         string           `json:"id"`
	Time       time.Time        `json:"time"`
	Strategy   string           `json:"strategy"`
	Kind       Kind             `json:"kind"`
	MarketID   string           `json:"market_id,omitempty"`
	PositionID string           `json:"position_id,omitempty"`
	OrderID    string           `json:"order_id,omitempty"`
	Side       string           `json:"side,omitempty"`
	SizeUSD    *decimal.Decimal `json:"size_usd,omitempty"`
	Price      *decimal.Decimal `json:"price,omitempty"`
	PnlUSD     *decimal.Decimal `json:"pnl_usd,omitempty"`
	Note       string           `json:"note,omitempty"`
}

// Amount adapts a decimal value to an optional Event field.
func Amount(d decimal.Decimal) *decimal.Decimal {
	return &d
}

// Journal appends events for one strategy as newline-delimited JSON,
// one file per day (<strategy>-YYYYMMDD.jsonl).
//
// It is safe for concurrent use. A nil *Journal discards events, so
// callers do not need to guard the disabled case.
type Journal struct {
	dir      string
	strategy string

	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
	day  string
}

// New returns a journal rooted at dir. If dir is empty/blank it returns
// nil and journaling is off.
func New(dir, strategy string) *Journal {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil
	}
	return &Journal{dir: dir, strategy: strategy}
}

func (j *Journal) pathFor(day string) string {
	return filepath.Join(j.dir, fmt.Sprintf("%s-%s.jsonl", j.strategy, day))
}

func (j *Journal) openLocked(day string) error {
	if j.file != nil && j.day == day {
		return nil
	}
	if err := j.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(j.dir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(j.pathFor(day), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	j.file = f
	j.w = bufio.NewWriterSize(f, 64*1024)
	j.day = day
	return nil
}

func (j *Journal) closeLocked() error {
	var firstErr error
	if j.w != nil {
		if err := j.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if j.file != nil {
		if err := j.file.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := j.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	j.file = nil
	j.w = nil
	j.day = ""
	return firstErr
}

// Append writes one event. Missing ID/Time/Strategy are filled in.
// The buffer is flushed per event so tailers see records promptly.
func (j *Journal) Append(ev Event) error {
	if j == nil {
		return nil
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	if ev.Strategy == "" {
		ev.Strategy = j.strategy
	}
	if ev.Kind == "" {
		return fmt.Errorf("journal: event kind required")
	}

	b, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.openLocked(ev.Time.UTC().Format("20060102")); err != nil {
		return err
	}
	if _, err := j.w.Write(b); err != nil {
		return err
	}
	if err := j.w.WriteByte('\n'); err != nil {
		return err
	}
	return j.w.Flush()
}

// Close flushes and fsyncs the current file.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

// LastEvents returns up to n most recent events for a strategy, newest
// day first in file order. Malformed lines are skipped, not fatal: a
// torn final line from a crash must not break readers.
func LastEvents(dir, strategy string, n int) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	pattern := filepath.Join(dir, strategy+"-*.jsonl")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, err
	}
	// YYYYMMDD sorts lexicographically, newest last
	sort.Strings(files)

	var events []Event
	for i := len(files) - 1; i >= 0 && len(events) < n; i-- {
		dayEvents, err := readFile(files[i])
		if err != nil {
			return nil, err
		}
		events = append(dayEvents, events...)
	}
	if len(events) > n {
		events = events[len(events)-n:]
	}
	return events, nil
}

func readFile(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Event
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var ev Event
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		out = append(out, ev)
	}
	return out, sc.Err()
}
