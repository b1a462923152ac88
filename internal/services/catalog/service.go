// Package catalog resolves recognized cards against a local card list.
package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"cardscan/internal/domain"
	"cardscan/internal/ports"
)

var _ ports.Catalog = (*Service)(nil)

type Entry struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	SetCode string `json:"set_code"`
	Number  string `json:"number"`
	Rarity  string `json:"rarity,omitempty"`
}

// Service is an in-memory catalog. Entries are matched by set and collector
// number first, then by exact name.
type Service struct {
	bySet  map[string]Entry
	byName map[string]Entry
}

func New(entries []Entry) *Service {
	s := &Service{bySet: map[string]Entry{}, byName: map[string]Entry{}}
	for _, e := range entries {
		if e.SetCode != "" && e.Number != "" {
			s.bySet[setKey(e.SetCode, e.Number)] = e
		}
		if e.Name != "" {
			if _, dup := s.byName[strings.ToLower(e.Name)]; !dup {
				s.byName[strings.ToLower(e.Name)] = e
			}
		}
	}
	return s
}

// LoadFile reads a JSON array of entries. An empty path yields an empty catalog.
func LoadFile(path string) (*Service, error) {
	if path == "" {
		return New(nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var entries []Entry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("decode catalog %s: %w", path, err)
	}
	return New(entries), nil
}

func setKey(set, number string) string {
	return strings.ToLower(set) + "/" + strings.TrimLeft(number, "0")
}

func (s *Service) Lookup(ctx context.Context, r ports.Recognition) (json.RawMessage, error) {
	e, ok := s.bySet[setKey(r.SetCode, r.Number)]
	if !ok || r.SetCode == "" {
		e, ok = s.byName[strings.ToLower(r.Name)]
	}
	if !ok {
		return nil, fmt.Errorf("catalog entry for %q: %w", r.Name, domain.ErrNotFound)
	}
	return json.Marshal(e)
}
