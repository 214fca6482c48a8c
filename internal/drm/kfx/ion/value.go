package ion

// Value is a decoded Ion datum. Symbols, field names and annotations keep
// their ids so a document re-encodes against the same symbol tables.
type Value struct {
	Type        Type
	Field       int
	Annotations []int
	Null        bool
	Bool        bool
	// Int holds integers and symbol ids.
	Int int64
	// Bytes holds text, lobs and the undecoded body of floats, decimals
	// and timestamps.
	Bytes    []byte
	Children []Value
}

func String(s string) Value { return Value{Type: TypeString, Bytes: []byte(s)} }
func Blob(b []byte) Value { return Value{Type: TypeBlob, Bytes: b} }
func Symbol(sid int) Value { return Value{Type: TypeSymbol, Int: int64(sid)} }
func Int(i int64) Value { return Value{Type: TypePosInt, Int: i} }

func List(children ...Value) Value {
	return Value{Type: TypeList, Children: children}
}

// Struct builds a struct; each child carries its field id.
func Struct(fields ...Value) Value {
	return Value{Type: TypeStruct, Children: fields}
}

// As sets the field id of v.
func (v Value) As(field int) Value {
	v.Field = field
	return v
}

// Annotate sets the annotations of v.
func (v Value) Annotate(sids ...int) Value {
	v.Annotations = sids
	return v
}

// LocalSymbolTable builds a $ion_symbol_table struct importing every
// symbol of tables, followed by local symbols.
func LocalSymbolTable(tables []*SharedTable, symbols ...string) Value {
	imports := make([]Value, len(tables))
	for i, t := range tables {
		imports[i] = Struct(
			String(t.Name).As(SIDName),
			Int(int64(t.Version)).As(SIDVersion),
			Int(int64(len(t.Symbols))).As(SIDMaxID),
		)
	}
	fields := []Value{List(imports...).As(SIDImports)}
	if len(symbols) > 0 {
		locals := make([]Value, len(symbols))
		for i, s := range symbols {
			locals[i] = String(s)
		}
		fields = append(fields, List(locals...).As(SIDSymbols))
	}
	return Struct(fields...).Annotate(SIDIonSymbolTable)
}

// Decode reads every top-level value of data, symbol tables included.
func Decode(data []byte, catalog Catalog) ([]Value, error) {
	r := NewReader(data, catalog)
	r.system = true
	var out []Value
	for r.Next() {
		v, err := r.value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, r.Err()
}

func (r *Reader) value() (Value, error) {
	v := Value{Type: r.typ, Field: r.field, Null: r.null}
	if len(r.annots) > 0 {
		v.Annotations = append([]int(nil), r.annots...)
	}
	if r.null {
		return v, nil
	}
	var err error
	switch r.typ {
	case TypeNull:
	case TypeBool:
		v.Bool = r.boolVal
	case TypePosInt, TypeNegInt:
		v.Int, err = r.Int()
	case TypeSymbol:
		var sid int
		sid, err = r.SymbolID()
		v.Int = int64(sid)
	case TypeList, TypeSexp, TypeStruct:
		if err = r.StepIn(); err != nil {
			return v, err
		}
		for r.Next() {
			child, err := r.value()
			if err != nil {
				return v, err
			}
			v.Children = append(v.Children, child)
		}
		if r.err != nil {
			return v, r.err
		}
		err = r.StepOut()
	default:
		v.Bytes = append([]byte(nil), r.Raw()...)
	}
	return v, err
}

// Encode writes a version marker followed by values.
func Encode(values ...Value) []byte {
	out := append([]byte(nil), BVM...)
	for _, v := range values {
		out = v.appendTo(out, false)
	}
	return out
}

func (v Value) appendTo(b []byte, inStruct bool) []byte {
	if inStruct {
		b = appendVarUInt(b, v.Field)
	}
	typed := v.typed()
	if len(v.Annotations) == 0 {
		return append(b, typed...)
	}
	var ann []byte
	for _, sid := range v.Annotations {
		ann = appendVarUInt(ann, sid)
	}
	inner := appendVarUInt(nil, len(ann))
	inner = append(append(inner, ann...), typed...)
	return append(appendHeader(b, typeAnnotation, len(inner)), inner...)
}

// typed encodes the type descriptor and body.
func (v Value) typed() []byte {
	if v.Null || v.Type == TypeNull {
		return []byte{byte(v.Type)<<4 | lenNull}
	}
	t := v.Type
	var body []byte
	switch t {
	case TypeBool:
		if v.Bool {
			return []byte{byte(TypeBool)<<4 | 1}
		}
		return []byte{byte(TypeBool) << 4}
	case TypePosInt, TypeNegInt:
		t = TypePosInt
		mag := uint64(v.Int)
		if v.Int < 0 {
			t, mag = TypeNegInt, uint64(^v.Int)+1
		}
		body = appendUInt(nil, mag)
	case TypeSymbol:
		body = appendUInt(nil, uint64(v.Int))
	case TypeList, TypeSexp, TypeStruct:
		for _, c := range v.Children {
			body = c.appendTo(body, t == TypeStruct)
		}
	default:
		body = v.Bytes
	}
	return append(appendHeader(nil, t, len(body)), body...)
}
