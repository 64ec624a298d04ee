// Package instrument loads the broker's instrument master and serves it as
// read-only reference data. A loaded Registry is never mutated; a refresh
// builds a new Registry and swaps it in atomically.
package instrument

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"tradedesk/internal/domain"
)

// ErrUnknownInstrument is returned when a key is not in the registry.
var ErrUnknownInstrument = errors.New("unknown instrument")

// Columns of the scrip master CSV that the loader understands. Extra columns
// are ignored; missing optional columns default to zero.
const (
	colExch     = "Exch"
	colExchType = "ExchType"
	colCode     = "ScripCode"
	colName     = "Name"
	colExpiry   = "Expiry"
	colTick     = "TickSize"
	colLot      = "LotSize"
	colQtyLimit = "QtyLimit"
	colFullName = "FullName"
)

var expiryLayouts = []string{"2006-01-02 15:04:05", "2006-01-02", "02-Jan-2006"}

// Registry is an immutable set of instruments indexed by key and token.
type Registry struct {
	byKey   map[string]domain.Instrument
	byToken map[int64]domain.Instrument
	loaded  time.Time
}

// NewRegistry builds a registry from a list of instruments. Later duplicates
// of the same key replace earlier ones.
func NewRegistry(list []domain.Instrument) *Registry {
	r := &Registry{
		byKey:   make(map[string]domain.Instrument, len(list)),
		byToken: make(map[int64]domain.Instrument, len(list)),
		loaded:  time.Now(),
	}
	for _, inst := range list {
		inst = withIndexLimits(inst)
		r.byKey[inst.Key()] = inst
		if inst.Token != 0 {
			r.byToken[inst.Token] = inst
		}
	}
	return r
}

// Lookup returns the instrument for an "EXCH:SYMBOL" key.
func (r *Registry) Lookup(key string) (domain.Instrument, error) {
	exch, sym, ok := strings.Cut(key, ":")
	if !ok {
		return domain.Instrument{}, fmt.Errorf("%w: malformed key %q", ErrUnknownInstrument, key)
	}
	inst, ok := r.byKey[domain.InstrumentKey(exch, sym)]
	if !ok {
		return domain.Instrument{}, fmt.Errorf("%w: %s", ErrUnknownInstrument, key)
	}
	return inst, nil
}

// ByToken returns the instrument with the given broker scrip code.
func (r *Registry) ByToken(token int64) (domain.Instrument, bool) {
	inst, ok := r.byToken[token]
	return inst, ok
}

// Len returns the number of instruments.
func (r *Registry) Len() int { return len(r.byKey) }

// LoadedAt returns when the registry was built.
func (r *Registry) LoadedAt() time.Time { return r.loaded }

// ParseCSV reads a scrip-master CSV stream.
func ParseCSV(rd io.Reader) ([]domain.Instrument, error) {
	cr := csv.NewReader(rd)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	idx := make(map[string]int, len(header))
	for i, h := range header {
		idx[strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))] = i
	}
	for _, required := range []string{colExch, colExchType, colCode, colName} {
		if _, ok := idx[required]; !ok {
			return nil, fmt.Errorf("missing column %q", required)
		}
	}

	field := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var out []domain.Instrument
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}

		token, err := strconv.ParseInt(field(rec, colCode), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: bad scrip code %q", line, field(rec, colCode))
		}
		inst := domain.Instrument{
			Exchange:     strings.ToUpper(field(rec, colExch)),
			ExchangeType: strings.ToUpper(field(rec, colExchType)),
			Symbol:       strings.ToUpper(field(rec, colName)),
			Token:        token,
			Name:         field(rec, colFullName),
			LotSize:      parseInt(field(rec, colLot), 1),
			TickSize:     parseFloat(field(rec, colTick)),
			QtyLimit:     parseInt(field(rec, colQtyLimit), 0),
			Expiry:       parseExpiry(field(rec, colExpiry)),
		}
		if inst.Exchange == "" || inst.Symbol == "" {
			continue
		}
		out = append(out, inst)
	}
	return out, nil
}

// Source produces a fresh instrument list.
type Source func(ctx context.Context) ([]domain.Instrument, error)

// FileSource returns a Source reading the CSV at path.
func FileSource(path string) Source {
	return func(context.Context) ([]domain.Instrument, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		list, err := ParseCSV(f)
		if err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		return list, nil
	}
}

// Master holds the current Registry and swaps it on Refresh. Readers never
// lock: they load the pointer and read an immutable registry.
type Master struct {
	source Source
	cur    atomic.Pointer[Registry]
}

// NewMaster creates a Master and performs the initial load.
func NewMaster(ctx context.Context, source Source) (*Master, error) {
	m := &Master{source: source}
	if err := m.Refresh(ctx); err != nil {
		return nil, err
	}
	return m, nil
}

// NewStaticMaster wraps a fixed instrument list.
func NewStaticMaster(list []domain.Instrument) *Master {
	m := &Master{source: func(context.Context) ([]domain.Instrument, error) { return list, nil }}
	m.cur.Store(NewRegistry(list))
	return m
}

// Refresh reloads the instrument list. On failure the previous registry is
// kept.
func (m *Master) Refresh(ctx context.Context) error {
	list, err := m.source(ctx)
	if err != nil {
		return fmt.Errorf("loading instruments: %w", err)
	}
	if len(list) == 0 {
		return errors.New("loading instruments: empty instrument master")
	}
	m.cur.Store(NewRegistry(list))
	return nil
}

// Registry returns the current registry.
func (m *Master) Registry() *Registry {
	return m.cur.Load()
}

// Lookup resolves key against the current registry.
func (m *Master) Lookup(key string) (domain.Instrument, error) {
	return m.Registry().Lookup(key)
}

func parseInt(s string, def int64) int64 {
	if s == "" {
		return def
	}
	if v, err := strconv.ParseInt(s, 10, 64); err == nil {
		return v
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return def
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}

func parseExpiry(s string) time.Time {
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}
