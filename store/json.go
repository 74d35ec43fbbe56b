package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/john/flashforge_link/printer"
)

const (
	nsPrinters = "printers"
	nsMeta     = "meta"
	keyLast    = "last_serial"
)

// JSON keeps records in one JSON file per namespace under a directory:
// printers.json maps serial to record, meta.json remembers the last serial.
type JSON struct {
	mu      sync.RWMutex
	dataDir string
	cache   map[string]map[string]json.RawMessage
}

// NewJSON opens (or creates) the store directory and loads every namespace.
func NewJSON(dataDir string) (*JSON, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating store directory: %w", err)
	}
	s := &JSON{
		dataDir: dataDir,
		cache:   make(map[string]map[string]json.RawMessage),
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, fmt.Errorf("reading store directory: %w", err)
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		ns := strings.TrimSuffix(entry.Name(), ".json")
		if err := s.load(ns); err != nil {
			return nil, fmt.Errorf("loading %s: %w", entry.Name(), err)
		}
	}
	return s, nil
}

func (s *JSON) load(ns string) error {
	data, err := os.ReadFile(filepath.Join(s.dataDir, ns+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(data, &m); err != nil {
		return err
	}
	s.cache[ns] = m
	return nil
}

// save writes ns atomically through a temp file and rename.
func (s *JSON) save(ns string) error {
	data, err := json.MarshalIndent(s.cache[ns], "", "  ")
	if err != nil {
		return err
	}
	path := filepath.Join(s.dataDir, ns+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *JSON) set(ns, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	m, ok := s.cache[ns]
	if !ok {
		m = map[string]json.RawMessage{}
		s.cache[ns] = m
	}
	m[key] = raw
	return s.save(ns)
}

func (s *JSON) record(serial string) (*printer.SavedRecord, error) {
	raw, ok := s.cache[nsPrinters][serial]
	if !ok {
		return nil, nil
	}
	var rec printer.SavedRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decoding record %s: %w", serial, err)
	}
	return &rec, nil
}

// Get returns the record for serial, or nil.
func (s *JSON) Get(_ context.Context, serial string) (*printer.SavedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.record(serial)
}

// Last returns the most recently saved record, or nil.
func (s *JSON) Last(_ context.Context) (*printer.SavedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	raw, ok := s.cache[nsMeta][keyLast]
	if !ok {
		return nil, nil
	}
	var serial string
	if err := json.Unmarshal(raw, &serial); err != nil {
		return nil, fmt.Errorf("decoding last serial: %w", err)
	}
	return s.record(serial)
}

// Put saves rec and marks it as the last used printer. A stored pairing
// code survives a Put without one.
func (s *JSON) Put(_ context.Context, rec printer.SavedRecord) error {
	if rec.Serial == "" {
		return fmt.Errorf("record has no serial")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.record(rec.Serial)
	if err != nil {
		return err
	}
	if err := s.set(nsPrinters, rec.Serial, printer.MergeRecord(prev, rec)); err != nil {
		return fmt.Errorf("saving record %s: %w", rec.Serial, err)
	}
	return s.set(nsMeta, keyLast, rec.Serial)
}

// List returns every record, most recently connected first.
func (s *JSON) List(_ context.Context) ([]printer.SavedRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]printer.SavedRecord, 0, len(s.cache[nsPrinters]))
	for serial := range s.cache[nsPrinters] {
		rec, err := s.record(serial)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastConnected.After(out[j].LastConnected) })
	return out, nil
}

// Delete forgets serial.
func (s *JSON) Delete(_ context.Context, serial string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.cache[nsPrinters][serial]; !ok {
		return nil
	}
	delete(s.cache[nsPrinters], serial)
	if err := s.save(nsPrinters); err != nil {
		return err
	}

	var last string
	if raw, ok := s.cache[nsMeta][keyLast]; ok {
		_ = json.Unmarshal(raw, &last)
	}
	if last == serial {
		delete(s.cache[nsMeta], keyLast)
		return s.save(nsMeta)
	}
	return nil
}

// Close is a no-op; every write is already on disk.
func (s *JSON) Close() error { return nil }
