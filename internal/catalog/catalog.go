// Package catalog loads the static, load-once-at-start data that every
// service process needs: the universe of star systems, the character
// roster, and the username->character_id account map. None of it
// changes after load; persistence across restarts is a non-goal, so
// catalog files are just re-read from disk on every process start.
package catalog

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
)

// System is a star system. Neighbours is a set, represented as a map
// for O(1) membership tests; it is immutable after Load.
type System struct {
	SystemID   uint32          `json:"system_id"`
	Name       string          `json:"name"`
	Neighbours map[uint32]bool `json:"-"`
}

type systemRecord struct {
	SystemID   uint32   `json:"system_id"`
	Name       string   `json:"name"`
	Neighbours []uint32 `json:"neighbours"`
}

// NeighbourList returns Neighbours as a slice sorted in ascending order,
// suitable for serializing onto the wire.
func (s System) NeighbourList() []uint32 {
	out := make([]uint32, 0, len(s.Neighbours))
	for id := range s.Neighbours {
		out = append(out, id)
	}
	sort.Slice(out, func(a, b int) bool { return out[a] < out[b] })
	return out
}

// Character is a static character record: the in-world avatar of an
// account.
type Character struct {
	CharacterID uint32 `json:"character_id"`
	Name        string `json:"name"`
}

// Universe is the full system graph, keyed by system_id.
type Universe map[uint32]System

// Characters is the full character roster, keyed by character_id.
type Characters map[uint32]Character

// Accounts maps username to character_id.
type Accounts map[string]uint32

type accountRecord struct {
	Username    string `json:"username"`
	CharacterID uint32 `json:"character_id"`
}

// LoadUniverse reads a universe.json file shaped as a list of systems.
func LoadUniverse(path string) (Universe, error) {
	var records []systemRecord
	if err := loadJSON(path, &records); err != nil {
		return nil, fmt.Errorf("catalog: load universe: %w", err)
	}
	universe := make(Universe, len(records))
	for _, r := range records {
		neighbours := make(map[uint32]bool, len(r.Neighbours))
		for _, n := range r.Neighbours {
			neighbours[n] = true
		}
		universe[r.SystemID] = System{SystemID: r.SystemID, Name: r.Name, Neighbours: neighbours}
	}
	return universe, nil
}

// LoadCharacters reads a characters.json file shaped as a list of characters.
func LoadCharacters(path string) (Characters, error) {
	var records []Character
	if err := loadJSON(path, &records); err != nil {
		return nil, fmt.Errorf("catalog: load characters: %w", err)
	}
	characters := make(Characters, len(records))
	for _, r := range records {
		characters[r.CharacterID] = r
	}
	return characters, nil
}

// LoadAccounts reads an accounts.json file shaped as a list of
// {username, character_id} records.
func LoadAccounts(path string) (Accounts, error) {
	var records []accountRecord
	if err := loadJSON(path, &records); err != nil {
		return nil, fmt.Errorf("catalog: load accounts: %w", err)
	}
	accounts := make(Accounts, len(records))
	for _, r := range records {
		accounts[r.Username] = r.CharacterID
	}
	return accounts, nil
}

func loadJSON(path string, v interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return json.NewDecoder(f).Decode(v)
}
