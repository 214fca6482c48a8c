package ion

import (
	"math"
	"slices"
)

type frame struct {
	end      int
	next     int
	inStruct bool
}

// Reader walks a binary Ion stream held in memory. Next moves to the next
// value of the current container; StepIn and StepOut enter and leave lists,
// s-expressions and structs. Local symbol tables and version markers at the
// top level are consumed and applied.
type Reader struct {
	data     []byte
	pos, end int
	inStruct bool
	stack    []frame
	catalog  Catalog
	symbols  *SymbolTable
	system   bool

	valid       bool
	typ         Type
	null        bool
	boolVal     bool
	field       int
	annots      []int
	start, stop int
	err         error
}

// NewReader reads data, resolving symbol table imports from catalog.
func NewReader(data []byte, catalog Catalog) *Reader {
	return &Reader{data: data, end: len(data), catalog: catalog, symbols: NewSymbolTable()}
}

func (r *Reader) clear() {
	r.valid, r.null, r.boolVal = false, false, false
	r.typ, r.field, r.annots = TypeNull, 0, r.annots[:0]
	r.start, r.stop = 0, 0
}

// Next advances to the next value. It returns false at the end of the
// current container or on error.
func (r *Reader) Next() bool {
	if r.err != nil {
		return false
	}
	for r.pos < r.end {
		ok, err := r.advance()
		if err != nil {
			r.err = err
			r.clear()
			return false
		}
		if ok {
			return true
		}
	}
	r.clear()
	return false
}

func (r *Reader) topLevel() bool {
	return len(r.stack) == 0 && !r.inStruct
}

func (r *Reader) length(l int) (int, error) {
	if l != lenVar {
		return l, nil
	}
	n, pos, err := readVarUInt(r.data, r.pos, r.end)
	r.pos = pos
	return n, err
}

// advance decodes one item and reports whether it is a user value.
func (r *Reader) advance() (bool, error) {
	r.clear()
	if r.inStruct {
		f, pos, err := readVarUInt(r.data, r.pos, r.end)
		if err != nil {
			return false, err
		}
		r.field, r.pos = f, pos
		if r.pos >= r.end {
			return false, syntaxError("field %d without a value", f)
		}
	}

	td := r.data[r.pos]
	if td == BVM[0] {
		if !r.topLevel() || !HasBVM(r.data[r.pos:r.end]) {
			return false, syntaxError("bad version marker at %d", r.pos)
		}
		r.pos += len(BVM)
		r.symbols = NewSymbolTable()
		return false, nil
	}
	r.pos++
	t, l := Type(td>>4), int(td&0x0F)

	wrapEnd := -1
	if t == typeAnnotation {
		n, err := r.length(l)
		if err != nil {
			return false, err
		}
		if wrapEnd = r.pos + n; wrapEnd > r.end {
			return false, syntaxError("annotation wrapper overruns its container")
		}
		alen, pos, err := readVarUInt(r.data, r.pos, wrapEnd)
		if err != nil {
			return false, err
		}
		r.pos = pos
		aend := r.pos + alen
		if aend >= wrapEnd {
			return false, syntaxError("annotation wrapper without a value")
		}
		for r.pos < aend {
			sid, pos, err := readVarUInt(r.data, r.pos, aend)
			if err != nil {
				return false, err
			}
			r.annots, r.pos = append(r.annots, sid), pos
		}
		td = r.data[r.pos]
		r.pos++
		if t, l = Type(td>>4), int(td&0x0F); t == typeAnnotation {
			return false, syntaxError("nested annotation wrapper")
		}
	}

	n := 0
	var err error
	switch {
	case t == typeReserved:
		return false, syntaxError("reserved type descriptor %#x", td)
	case l == lenNull:
		r.null = true
	case t == TypeNull:
		if wrapEnd >= 0 {
			return false, syntaxError("annotated padding")
		}
		if n, err = r.length(l); err != nil {
			return false, err
		}
		if r.pos += n; r.pos > r.end {
			return false, syntaxError("padding overruns its container")
		}
		return false, nil
	case t == TypeBool:
		if l > 1 {
			return false, syntaxError("bool with length %d", l)
		}
		r.boolVal = l == 1
	case t == TypeStruct && l == 1:
		n, err = r.length(lenVar)
	default:
		n, err = r.length(l)
	}
	if err != nil {
		return false, err
	}

	r.typ, r.start, r.stop = t, r.pos, r.pos+n
	if r.stop > r.end || (wrapEnd >= 0 && r.stop != wrapEnd) {
		return false, syntaxError("%s value overruns its container", t)
	}
	r.pos, r.valid = r.stop, true

	if r.topLevel() && !r.null {
		switch {
		case t == TypeStruct && slices.Contains(r.annots, SIDIonSymbolTable):
			if err := r.loadSymbolTable(); err != nil {
				return false, err
			}
			return r.system, nil
		case t == TypeSymbol && len(r.annots) == 0:
			if sid, _ := r.SymbolID(); sid == SIDIon10 {
				return r.system, nil
			}
		}
	}
	return true, nil
}

// StepIn enters the current container value.
func (r *Reader) StepIn() error {
	if !r.valid || r.null || !r.typ.IsContainer() {
		return syntaxError("cannot step into %s", r.typ)
	}
	r.stack = append(r.stack, frame{end: r.end, next: r.stop, inStruct: r.inStruct})
	r.pos, r.end, r.inStruct = r.start, r.stop, r.typ == TypeStruct
	r.clear()
	return nil
}

// StepOut leaves the current container, skipping its remaining values.
func (r *Reader) StepOut() error {
	if len(r.stack) == 0 {
		return syntaxError("step out of the top level")
	}
	f := r.stack[len(r.stack)-1]
	r.stack = r.stack[:len(r.stack)-1]
	r.pos, r.end, r.inStruct = f.next, f.end, f.inStruct
	r.clear()
	return nil
}

func (r *Reader) Err() error { return r.err }
func (r *Reader) Depth() int { return len(r.stack) }
func (r *Reader) Type() Type { return r.typ }
func (r *Reader) IsNull() bool { return r.null }
func (r *Reader) FieldID() int { return r.field }
func (r *Reader) AnnotationIDs() []int { return r.annots }
func (r *Reader) Symbols() *SymbolTable { return r.symbols }
func (r *Reader) Raw() []byte { return r.data[r.start:r.stop] }
func (r *Reader) typeError(want Type) error { return syntaxError("%s is not a %s", r.typ, want) }

// FieldName is the field of the current value inside a struct.
func (r *Reader) FieldName() string {
	if r.field == 0 {
		return ""
	}
	return r.symbols.Name(r.field)
}

func (r *Reader) Annotations() []string {
	out := make([]string, len(r.annots))
	for i, sid := range r.annots {
		out[i] = r.symbols.Name(sid)
	}
	return out
}

// TypeName is the first annotation, the type tag KFX documents use.
func (r *Reader) TypeName() string {
	if len(r.annots) == 0 {
		return ""
	}
	return r.symbols.Name(r.annots[0])
}

func (r *Reader) HasAnnotation(text string) bool {
	for _, sid := range r.annots {
		if s, ok := r.symbols.Text(sid); ok && s == text {
			return true
		}
	}
	return false
}

func (r *Reader) Bool() (bool, error) {
	if r.typ != TypeBool || r.null {
		return false, r.typeError(TypeBool)
	}
	return r.boolVal, nil
}

func (r *Reader) Int() (int64, error) {
	if (r.typ != TypePosInt && r.typ != TypeNegInt) || r.null {
		return 0, r.typeError(TypePosInt)
	}
	v, err := readUInt(r.Raw())
	if err != nil {
		return 0, err
	}
	if v > math.MaxInt64 {
		return 0, syntaxError("integer overflow")
	}
	if r.typ == TypeNegInt {
		return -int64(v), nil
	}
	return int64(v), nil
}

func (r *Reader) SymbolID() (int, error) {
	if r.typ != TypeSymbol || r.null {
		return 0, r.typeError(TypeSymbol)
	}
	v, err := readUInt(r.Raw())
	if err != nil {
		return 0, err
	}
	return int(v), nil
}

// Symbol returns the text of a symbol value.
func (r *Reader) Symbol() (string, error) {
	sid, err := r.SymbolID()
	if err != nil {
		return "", err
	}
	return r.symbols.Name(sid), nil
}

// StringValue returns a string value; null.string reads as "".
func (r *Reader) StringValue() (string, error) {
	if r.typ != TypeString {
		return "", r.typeError(TypeString)
	}
	return string(r.Raw()), nil
}

// Lob returns the bytes of a blob or clob. The slice aliases the input.
func (r *Reader) Lob() ([]byte, error) {
	if (r.typ != TypeBlob && r.typ != TypeClob) || r.null {
		return nil, r.typeError(TypeBlob)
	}
	return r.Raw(), nil
}

type importSpec struct {
	name  string
	maxID int
}

// loadSymbolTable applies the local symbol table held by the current value.
func (r *Reader) loadSymbolTable() error {
	sub := &Reader{data: r.data, pos: r.start, end: r.stop, inStruct: true, symbols: r.symbols}
	appendMode := false
	var imports []importSpec
	var locals []string
	for sub.Next() {
		switch {
		case sub.field == SIDImports && sub.typ == TypeSymbol:
			sid, _ := sub.SymbolID()
			appendMode = sid == SIDIonSymbolTable
		case sub.field == SIDImports && sub.typ == TypeList && !sub.null:
			var err error
			if imports, err = sub.readImports(); err != nil {
				return err
			}
		case sub.field == SIDSymbols && sub.typ == TypeList && !sub.null:
			if err := sub.StepIn(); err != nil {
				return err
			}
			for sub.Next() {
				s := ""
				if sub.typ == TypeString && !sub.null {
					s = string(sub.Raw())
				}
				locals = append(locals, s)
			}
			if err := sub.StepOut(); err != nil {
				return err
			}
		}
	}
	if sub.err != nil {
		return sub.err
	}

	t := NewSymbolTable()
	if appendMode {
		t = r.symbols.clone()
	}
	for _, im := range imports {
		shared, ok := r.catalog[im.name]
		switch {
		case ok:
			t.Import(shared, im.maxID)
		case im.maxID < 0:
			return syntaxError("import of unknown table %q without max_id", im.name)
		default:
			for i := 0; i < im.maxID; i++ {
				t.Add("")
			}
		}
	}
	t.Add(locals...)
	r.symbols = t
	return nil
}

func (r *Reader) readImports() ([]importSpec, error) {
	if err := r.StepIn(); err != nil {
		return nil, err
	}
	var out []importSpec
	for r.Next() {
		if r.typ != TypeStruct || r.null {
			continue
		}
		im := importSpec{maxID: -1}
		if err := r.StepIn(); err != nil {
			return nil, err
		}
		for r.Next() {
			switch r.field {
			case SIDName:
				im.name, _ = r.StringValue()
			case SIDMaxID:
				if v, err := r.Int(); err == nil {
					im.maxID = int(v)
				}
			}
		}
		if err := r.StepOut(); err != nil {
			return nil, err
		}
		if im.name != "" && im.name != "$ion" {
			out = append(out, im)
		}
	}
	if r.err != nil {
		return nil, r.err
	}
	return out, r.StepOut()
}
