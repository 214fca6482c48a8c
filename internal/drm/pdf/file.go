package pdf

import (
	"bytes"
	"regexp"
	"sort"
	"strconv"

	tok "github.com/benoitkugler/pstokenizer"
	"github.com/rs/zerolog/log"

	"github.com/sjzar/dedrm/internal/errors"
)

var (
	headerMagic = []byte("%PDF-")
	objHeaderRe = regexp.MustCompile(`^(\d+)\s+(\d+)\s+obj\b`)
	objScanRe   = regexp.MustCompile(`(?:^|[^0-9])(\d{1,10})[ \t\r\n\f]+(\d{1,5})[ \t\r\n\f]+obj\b`)
	streamRe    = regexp.MustCompile(`>>\s*stream(\r\n|\n|\r)`)
)

const (
	entryFree = iota
	entryInUse
	entryCompressed
)

type xrefEntry struct {
	kind   int
	offset int
	gen    int
	stream int
	index  int
}

type objStm struct {
	data    []byte
	offsets map[int][2]int
}

// File is a parsed PDF: the merged cross-reference table of every update
// section and the newest trailer.
type File struct {
	data []byte

	Version    string
	Trailer    Dict
	XRefStream bool
	Rebuilt    bool

	xref       map[int]xrefEntry
	sec        *Security
	encryptNum int
	cache      map[int]Object
	objStms    map[int]*objStm
	loading    map[int]bool
}

// Parse reads the cross-reference chain of data. A broken chain is replaced
// by a table rebuilt from the object headers in the file.
func Parse(data []byte) (*File, error) {
	head := data
	if len(head) > 1024 {
		head = head[:1024]
	}
	start := bytes.Index(head, headerMagic)
	if start < 0 {
		return nil, errors.InvalidFormat("PDF", "no %PDF- header")
	}

	f := &File{
		data:       data,
		Version:    readVersion(data[start+len(headerMagic):]),
		encryptNum: -1,
		cache:      map[int]Object{},
		objStms:    map[int]*objStm{},
		loading:    map[int]bool{},
	}
	if err := f.readXref(); err != nil {
		log.Debug().Err(err).Msg("pdf xref unreadable, rebuilding")
		if err := f.rebuild(); err != nil {
			return nil, err
		}
	}
	if f.Trailer.Get("Root") == nil {
		return nil, errors.InvalidFormat("PDF", "trailer has no /Root")
	}
	return f, nil
}

func readVersion(b []byte) string {
	n := 0
	for n < len(b) && n < 8 && (b[n] == '.' || b[n] >= '0' && b[n] <= '9') {
		n++
	}
	if n == 0 {
		return "1.4"
	}
	return string(b[:n])
}

func (f *File) readXref() error {
	off, err := f.startXref()
	if err != nil {
		return err
	}
	f.xref = map[int]xrefEntry{}
	seen := map[int]bool{}
	for first := true; off >= 0 && !seen[off]; first = false {
		seen[off] = true
		trailer, isStream, err := f.readSection(off)
		if err != nil {
			return err
		}
		if first {
			f.Trailer = trailer.Clone()
			f.XRefStream = isStream
		} else {
			for k, v := range trailer {
				if _, ok := f.Trailer[k]; !ok {
					f.Trailer[k] = v
				}
			}
		}
		off = trailer.Int("Prev", -1)
	}
	if len(f.xref) == 0 {
		return syntaxError("empty cross-reference table")
	}
	return nil
}

func (f *File) startXref() (int, error) {
	i := bytes.LastIndex(f.data, []byte("startxref"))
	if i < 0 {
		return 0, syntaxError("no startxref")
	}
	t, err := newParser(f.data[i+len("startxref"):]).next()
	if err != nil || t.Kind != tok.Integer {
		return 0, syntaxError("startxref without offset")
	}
	off, _ := t.Int()
	if off <= 0 || off >= len(f.data) {
		return 0, syntaxError("startxref out of range")
	}
	return off, nil
}

// readSection reads one update section: a classic table or an xref stream.
func (f *File) readSection(off int) (Dict, bool, error) {
	p := skipSpace(f.data, off)
	if bytes.HasPrefix(f.data[p:], []byte("xref")) {
		d, err := f.readTable(p + len("xref"))
		return d, false, err
	}
	d, err := f.readXrefStream(p)
	return d, true, err
}

func (f *File) readTable(pos int) (Dict, error) {
	p := newParser(f.data[pos:])
	var inUse, free []int
	entries := map[int]xrefEntry{}
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		if t.Kind == tok.Other && string(t.Value) == "trailer" {
			break
		}
		c, err := p.next()
		if err != nil || t.Kind != tok.Integer || c.Kind != tok.Integer {
			return nil, syntaxError("malformed xref subsection")
		}
		start, _ := t.Int()
		count, _ := c.Int()
		for i := 0; i < count; i++ {
			o, err1 := p.next()
			g, err2 := p.next()
			k, err3 := p.next()
			if err1 != nil || err2 != nil || err3 != nil || o.Kind != tok.Integer || g.Kind != tok.Integer || k.Kind != tok.Other {
				return nil, syntaxError("malformed xref entry")
			}
			off, _ := o.Int()
			gen, _ := g.Int()
			switch string(k.Value) {
			case "n":
				entries[start+i] = xrefEntry{kind: entryInUse, offset: off, gen: gen}
				inUse = append(inUse, start+i)
			case "f":
				entries[start+i] = xrefEntry{kind: entryFree, gen: gen}
				free = append(free, start+i)
			default:
				return nil, syntaxError("xref entry type " + string(k.Value))
			}
		}
	}
	o, err := p.object()
	if err != nil {
		return nil, err
	}
	trailer, ok := o.(Dict)
	if !ok {
		return nil, syntaxError("trailer is not a dictionary")
	}

	for _, n := range inUse {
		f.addEntry(n, entries[n])
	}
	// hybrid files keep their compressed objects in a side xref stream
	if xs := trailer.Int("XRefStm", -1); xs > 0 && xs < len(f.data) {
		if _, err := f.readXrefStream(skipSpace(f.data, xs)); err != nil {
			log.Debug().Err(err).Int("offset", xs).Msg("pdf XRefStm ignored")
		}
	}
	for _, n := range free {
		f.addEntry(n, entries[n])
	}
	return trailer, nil
}

func (f *File) readXrefStream(pos int) (Dict, error) {
	_, _, o, err := f.readAt(pos)
	if err != nil {
		return nil, err
	}
	s, ok := o.(*Stream)
	if !ok {
		return nil, syntaxError("no cross-reference stream at startxref")
	}
	if t, _ := s.Dict.Name("Type"); t != "XRef" {
		return nil, syntaxError("cross-reference stream type is " + string(t))
	}
	data, err := Decode(s)
	if err != nil {
		return nil, err
	}

	var w [3]int
	wa, _ := s.Dict.Get("W").(Array)
	if len(wa) < 3 {
		return nil, syntaxError("cross-reference stream /W")
	}
	for i := range w {
		n, _ := wa[i].(Integer)
		if n < 0 || n > 8 {
			return nil, syntaxError("cross-reference stream /W")
		}
		w[i] = int(n)
	}
	index, _ := s.Dict.Get("Index").(Array)
	if index == nil {
		index = Array{Integer(0), Integer(s.Dict.Int("Size", 0))}
	}

	rowLen := w[0] + w[1] + w[2]
	if rowLen == 0 {
		return nil, syntaxError("cross-reference stream /W")
	}
	pos = 0
	for i := 0; i+1 < len(index); i += 2 {
		start, _ := index[i].(Integer)
		count, _ := index[i+1].(Integer)
		for j := 0; j < int(count); j++ {
			if pos+rowLen > len(data) {
				return s.Dict, nil
			}
			row := data[pos : pos+rowLen]
			pos += rowLen
			typ := 1
			if w[0] > 0 {
				typ = beInt(row[:w[0]])
			}
			f2, f3 := beInt(row[w[0]:w[0]+w[1]]), beInt(row[w[0]+w[1]:])
			num := int(start) + j
			switch typ {
			case 0:
				f.addEntry(num, xrefEntry{kind: entryFree, gen: f3})
			case 1:
				f.addEntry(num, xrefEntry{kind: entryInUse, offset: f2, gen: f3})
			case 2:
				f.addEntry(num, xrefEntry{kind: entryCompressed, stream: f2, index: f3})
			}
		}
	}
	return s.Dict, nil
}

func beInt(b []byte) int {
	v := 0
	for _, c := range b {
		v = v<<8 | int(c)
	}
	return v
}

// addEntry keeps the first definition seen; sections are read newest first.
func (f *File) addEntry(num int, e xrefEntry) {
	if _, ok := f.xref[num]; !ok {
		f.xref[num] = e
	}
}

// rebuild scans the whole file for object headers. Later definitions win,
// as incremental updates append.
func (f *File) rebuild() error {
	f.Rebuilt = true
	f.xref = map[int]xrefEntry{}
	f.cache = map[int]Object{}
	for _, m := range objScanRe.FindAllSubmatchIndex(f.data, -1) {
		num, _ := strconv.Atoi(string(f.data[m[2]:m[3]]))
		gen, _ := strconv.Atoi(string(f.data[m[4]:m[5]]))
		f.xref[num] = xrefEntry{kind: entryInUse, offset: m[2], gen: gen}
	}
	if len(f.xref) == 0 {
		return errors.InvalidFormat("PDF", "no objects found")
	}

	f.Trailer = Dict{}
	if i := bytes.LastIndex(f.data, []byte("trailer")); i >= 0 {
		if d, err := parseValue(f.data[i+len("trailer"):]); err == nil {
			if td, ok := d.(Dict); ok {
				f.Trailer = td
			}
		}
	}
	if f.Trailer.Get("Root") == nil {
		best := -1
		for _, num := range f.Numbers() {
			o, err := f.Object(num)
			if err != nil {
				continue
			}
			switch v := o.(type) {
			case *Stream:
				if t, _ := v.Dict.Name("Type"); t == "XRef" && f.xref[num].offset > best {
					best = f.xref[num].offset
					f.Trailer = v.Dict.Clone()
					f.XRefStream = true
				}
			case Dict:
				if t, _ := v.Name("Type"); t == "Catalog" && f.Trailer.Get("Root") == nil {
					f.Trailer[Name("Root")] = Ref{Num: num}
				}
			}
		}
	}
	delete(f.Trailer, "Prev")
	delete(f.Trailer, "XRefStm")
	return nil
}

// readAt parses the indirect object whose header starts at off.
func (f *File) readAt(off int) (int, int, Object, error) {
	if off < 0 || off >= len(f.data) {
		return 0, 0, nil, syntaxError("object offset out of range")
	}
	p := skipSpace(f.data, off)
	window := f.data[p:]
	if len(window) > 64 {
		window = window[:64]
	}
	m := objHeaderRe.FindSubmatchIndex(window)
	if m == nil {
		return 0, 0, nil, syntaxError("no object header at " + strconv.Itoa(off))
	}
	num, _ := strconv.Atoi(string(window[m[2]:m[3]]))
	gen, _ := strconv.Atoi(string(window[m[4]:m[5]]))

	body := p + m[1]
	limit := indexFrom(f.data, body, []byte("endobj"))
	if limit < 0 {
		limit = len(f.data)
	}
	if sm := streamRe.FindIndex(f.data[body:limit]); sm != nil {
		o, err := parseValue(f.data[body : body+sm[0]+2])
		if err != nil {
			return 0, 0, nil, err
		}
		d, ok := o.(Dict)
		if !ok {
			return 0, 0, nil, syntaxError("stream without dictionary")
		}
		data, err := f.streamData(d, body+sm[1])
		if err != nil {
			return 0, 0, nil, err
		}
		return num, gen, &Stream{Dict: d, Data: data}, nil
	}
	o, err := parseValue(f.data[body:limit])
	if err != nil {
		return 0, 0, nil, err
	}
	return num, gen, o, nil
}

// streamData trusts /Length when endstream follows it, and otherwise
// searches for the keyword.
func (f *File) streamData(d Dict, start int) ([]byte, error) {
	length := -1
	switch l := d.Get("Length").(type) {
	case Integer:
		length = int(l)
	case Ref:
		if o, err := f.plainObject(l.Num); err == nil {
			if n, ok := o.(Integer); ok {
				length = int(n)
			}
		}
	}
	if length >= 0 && start+length <= len(f.data) {
		rest := skipSpace(f.data, start+length)
		if bytes.HasPrefix(f.data[rest:], []byte("endstream")) {
			return f.data[start : start+length], nil
		}
	}
	end := indexFrom(f.data, start, []byte("endstream"))
	if end < 0 {
		return nil, syntaxError("unterminated stream")
	}
	if end > start && f.data[end-1] == '\n' {
		end--
	}
	if end > start && f.data[end-1] == '\r' {
		end--
	}
	return f.data[start:end], nil
}

// plainObject reads an object without decrypting it.
func (f *File) plainObject(num int) (Object, error) {
	e, ok := f.xref[num]
	if !ok || e.kind != entryInUse || f.loading[num] {
		return nil, syntaxError("unresolvable object " + strconv.Itoa(num))
	}
	f.loading[num] = true
	defer delete(f.loading, num)
	_, _, o, err := f.readAt(e.offset)
	return o, err
}

// SetSecurity installs the handler used by Object from now on.
func (f *File) SetSecurity(s *Security) {
	f.sec = s
	f.cache = map[int]Object{}
	f.objStms = map[int]*objStm{}
}

// Object returns object num, decrypted once a security handler is set.
// Free and missing objects are null.
func (f *File) Object(num int) (Object, error) {
	if o, ok := f.cache[num]; ok {
		return o, nil
	}
	e, ok := f.xref[num]
	if !ok || e.kind == entryFree {
		return nil, nil
	}
	if f.loading[num] {
		return nil, syntaxError("reference cycle at object " + strconv.Itoa(num))
	}
	f.loading[num] = true
	defer delete(f.loading, num)

	var o Object
	var err error
	switch e.kind {
	case entryInUse:
		var gen int
		if _, gen, o, err = f.readAt(e.offset); err != nil {
			return nil, err
		}
		if f.sec != nil && num != f.encryptNum && !isXRefStream(o) {
			if o, err = f.sec.decryptObject(num, gen, o); err != nil {
				return nil, err
			}
		}
	case entryCompressed:
		if o, err = f.compressed(e.stream, num); err != nil {
			return nil, err
		}
	}
	f.cache[num] = o
	return o, nil
}

// cross-reference streams are never encrypted
func isXRefStream(o Object) bool {
	s, ok := o.(*Stream)
	if !ok {
		return false
	}
	t, _ := s.Dict.Name("Type")
	return t == "XRef"
}

// Resolve follows a reference; other values are returned as they are.
func (f *File) Resolve(o Object) (Object, error) {
	if r, ok := o.(Ref); ok {
		return f.Object(r.Num)
	}
	return o, nil
}

// compressed parses object num out of object stream stm. The stream was
// decrypted as a whole, its members are not decrypted again.
func (f *File) compressed(stm, num int) (Object, error) {
	ostm, err := f.objectStream(stm)
	if err != nil {
		return nil, err
	}
	span, ok := ostm.offsets[num]
	if !ok {
		return nil, nil
	}
	return parseValue(ostm.data[span[0]:span[1]])
}

func (f *File) objectStream(num int) (*objStm, error) {
	if ostm, ok := f.objStms[num]; ok {
		return ostm, nil
	}
	o, err := f.Object(num)
	if err != nil {
		return nil, err
	}
	s, ok := o.(*Stream)
	if !ok {
		return nil, syntaxError("object stream " + strconv.Itoa(num) + " is not a stream")
	}
	data, err := Decode(s)
	if err != nil {
		return nil, err
	}
	n, first := s.Dict.Int("N", 0), s.Dict.Int("First", 0)
	if first < 0 || first > len(data) {
		return nil, syntaxError("object stream /First out of range")
	}

	p := newParser(data[:first])
	type pair struct{ num, off int }
	pairs := make([]pair, 0, n)
	for i := 0; i < n; i++ {
		a, err1 := p.next()
		b, err2 := p.next()
		if err1 != nil || err2 != nil || a.Kind != tok.Integer || b.Kind != tok.Integer {
			break
		}
		an, _ := a.Int()
		bn, _ := b.Int()
		pairs = append(pairs, pair{an, first + bn})
	}
	sort.SliceStable(pairs, func(i, j int) bool { return pairs[i].off < pairs[j].off })

	ostm := &objStm{data: data, offsets: make(map[int][2]int, len(pairs))}
	for i, pr := range pairs {
		end := len(data)
		if i+1 < len(pairs) {
			end = pairs[i+1].off
		}
		if pr.off > end {
			continue
		}
		if _, dup := ostm.offsets[pr.num]; !dup {
			ostm.offsets[pr.num] = [2]int{pr.off, end}
		}
	}
	f.objStms[num] = ostm
	return ostm, nil
}

// Members lists the objects stored in object stream num.
func (f *File) Members(num int) ([]int, error) {
	ostm, err := f.objectStream(num)
	if err != nil {
		return nil, err
	}
	out := make([]int, 0, len(ostm.offsets))
	for n := range ostm.offsets {
		out = append(out, n)
	}
	sort.Ints(out)
	return out, nil
}

// Numbers lists the objects in use, ascending.
func (f *File) Numbers() []int {
	out := make([]int, 0, len(f.xref))
	for n, e := range f.xref {
		if e.kind != entryFree && n > 0 {
			out = append(out, n)
		}
	}
	sort.Ints(out)
	return out
}

// EncryptDict returns the encryption dictionary, nil for a plain file.
func (f *File) EncryptDict() (Dict, error) {
	switch e := f.Trailer.Get("Encrypt").(type) {
	case nil:
		return nil, nil
	case Dict:
		return e, nil
	case Ref:
		f.encryptNum = e.Num
		o, err := f.Object(e.Num)
		if err != nil {
			return nil, err
		}
		if d, ok := o.(Dict); ok {
			return d, nil
		}
	}
	return nil, syntaxError("/Encrypt is not a dictionary")
}

// ID returns the first file identifier.
func (f *File) ID() []byte {
	ids, _ := f.Trailer.Get("ID").(Array)
	if len(ids) == 0 {
		return nil
	}
	s, _ := ids[0].(String)
	return []byte(s)
}

func skipSpace(b []byte, i int) int {
	for i < len(b) {
		switch {
		case isSpace(b[i]):
			i++
		case b[i] == '%':
			for i < len(b) && b[i] != '\n' && b[i] != '\r' {
				i++
			}
		default:
			return i
		}
	}
	return i
}

func indexFrom(b []byte, from int, sep []byte) int {
	if from > len(b) {
		return -1
	}
	i := bytes.Index(b[from:], sep)
	if i < 0 {
		return -1
	}
	return from + i
}
