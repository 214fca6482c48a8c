package ion

import "fmt"

// System symbol ids.
const (
	SIDIon                  = 1
	SIDIon10                = 2
	SIDIonSymbolTable       = 3
	SIDName                 = 4
	SIDVersion              = 5
	SIDImports              = 6
	SIDSymbols              = 7
	SIDMaxID                = 8
	SIDIonSharedSymbolTable = 9
)

var systemSymbols = []string{
	"$ion",
	"$ion_1_0",
	"$ion_symbol_table",
	"name",
	"version",
	"imports",
	"symbols",
	"max_id",
	"$ion_shared_symbol_table",
}

// SharedTable is a named symbol list that local symbol tables import.
type SharedTable struct {
	Name    string
	Version int
	Symbols []string
}

// Catalog resolves imports by table name.
type Catalog map[string]*SharedTable

// NewCatalog indexes tables by name.
func NewCatalog(tables ...*SharedTable) Catalog {
	c := make(Catalog, len(tables))
	for _, t := range tables {
		c[t.Name] = t
	}
	return c
}

// SymbolTable maps symbol ids to text. Id 0 is never assigned.
type SymbolTable struct {
	names []string
	ids   map[string]int
}

// NewSymbolTable returns a table holding only the system symbols.
func NewSymbolTable() *SymbolTable {
	t := &SymbolTable{names: []string{""}, ids: make(map[string]int)}
	t.Add(systemSymbols...)
	return t
}

func (t *SymbolTable) clone() *SymbolTable {
	c := &SymbolTable{names: append([]string(nil), t.names...), ids: make(map[string]int, len(t.ids))}
	for k, v := range t.ids {
		c.ids[k] = v
	}
	return c
}

// Add assigns the next ids to names. An empty name reserves an id whose
// text is unknown.
func (t *SymbolTable) Add(names ...string) {
	for _, n := range names {
		t.names = append(t.names, n)
		if _, ok := t.ids[n]; !ok && n != "" {
			t.ids[n] = len(t.names) - 1
		}
	}
}

// Import adds the first maxID symbols of s, padding with unknown symbols
// when s is shorter. maxID < 0 imports all of s.
func (t *SymbolTable) Import(s *SharedTable, maxID int) {
	if maxID < 0 {
		maxID = len(s.Symbols)
	}
	n := min(maxID, len(s.Symbols))
	t.Add(s.Symbols[:n]...)
	for i := n; i < maxID; i++ {
		t.Add("")
	}
}

// MaxID is the largest assigned id.
func (t *SymbolTable) MaxID() int {
	return len(t.names) - 1
}

// Text returns the text of sid and whether it is known.
func (t *SymbolTable) Text(sid int) (string, bool) {
	if sid <= 0 || sid >= len(t.names) || t.names[sid] == "" {
		return "", false
	}
	return t.names[sid], true
}

// Name returns the text of sid or a "$<sid>" placeholder.
func (t *SymbolTable) Name(sid int) string {
	if s, ok := t.Text(sid); ok {
		return s
	}
	return fmt.Sprintf("$%d", sid)
}

// ID returns the id of text.
func (t *SymbolTable) ID(text string) (int, bool) {
	id, ok := t.ids[text]
	return id, ok
}
