package pdf

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
)

// Object is any PDF value. A nil Object is the null object.
type Object interface{}

type (
	Name    string
	String  string
	Integer int
	Real    float64
	Bool    bool
	Array   []Object
	Dict    map[Name]Object
)

// Ref is an indirect reference.
type Ref struct {
	Num int
	Gen int
}

// Stream is a dictionary plus its still encoded data.
type Stream struct {
	Dict Dict
	Data []byte
}

// Get returns the value of key, nil when absent.
func (d Dict) Get(key string) Object {
	return d[Name(key)]
}

func (d Dict) Name(key string) (Name, bool) {
	n, ok := d[Name(key)].(Name)
	return n, ok
}

func (d Dict) Int(key string, def int) int {
	switch v := d[Name(key)].(type) {
	case Integer:
		return int(v)
	case Real:
		return int(v)
	}
	return def
}

func (d Dict) Str(key string) (String, bool) {
	s, ok := d[Name(key)].(String)
	return s, ok
}

func (d Dict) Dict(key string) (Dict, bool) {
	v, ok := d[Name(key)].(Dict)
	return v, ok
}

// Clone copies the dictionary, not its values.
func (d Dict) Clone() Dict {
	out := make(Dict, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Serialize renders o in PDF syntax. References are written with generation 0
// and dictionary keys sorted.
func Serialize(o Object) []byte {
	var buf bytes.Buffer
	writeObject(&buf, o)
	return buf.Bytes()
}

func writeObject(buf *bytes.Buffer, o Object) {
	switch v := o.(type) {
	case nil:
		buf.WriteString("null")
	case Name:
		writeName(buf, v)
	case String:
		writeString(buf, v)
	case Integer:
		buf.WriteString(strconv.Itoa(int(v)))
	case Real:
		buf.WriteString(strconv.FormatFloat(float64(v), 'f', -1, 64))
	case Bool:
		buf.WriteString(strconv.FormatBool(bool(v)))
	case Ref:
		fmt.Fprintf(buf, "%d 0 R", v.Num)
	case Array:
		buf.WriteByte('[')
		for i, e := range v {
			if i > 0 {
				buf.WriteByte(' ')
			}
			writeObject(buf, e)
		}
		buf.WriteByte(']')
	case Dict:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, string(k))
		}
		sort.Strings(keys)
		buf.WriteString("<<")
		for _, k := range keys {
			writeName(buf, Name(k))
			buf.WriteByte(' ')
			writeObject(buf, v[Name(k)])
		}
		buf.WriteString(">>")
	case *Stream:
		writeObject(buf, v.Dict)
		buf.WriteString("\nstream\n")
		buf.Write(v.Data)
		buf.WriteString("\nendstream")
	default:
		buf.WriteString("null")
	}
}

func writeName(buf *bytes.Buffer, n Name) {
	buf.WriteByte('/')
	for i := 0; i < len(n); i++ {
		c := n[i]
		if c < '!' || c > '~' || c == '#' || isDelimiter(c) {
			fmt.Fprintf(buf, "#%02X", c)
			continue
		}
		buf.WriteByte(c)
	}
}

// writeString uses a literal for printable text and hex otherwise.
func writeString(buf *bytes.Buffer, s String) {
	printable := true
	for i := 0; i < len(s); i++ {
		if c := s[i]; (c < 0x20 && c != '\n' && c != '\r' && c != '\t') || c > 0x7E {
			printable = false
			break
		}
	}
	if !printable {
		fmt.Fprintf(buf, "<%X>", []byte(s))
		return
	}
	buf.WriteByte('(')
	for i := 0; i < len(s); i++ {
		switch c := s[i]; c {
		case '(', ')', '\\':
			buf.WriteByte('\\')
			buf.WriteByte(c)
		case '\n':
			buf.WriteString(`\n`)
		case '\r':
			buf.WriteString(`\r`)
		case '\t':
			buf.WriteString(`\t`)
		default:
			buf.WriteByte(c)
		}
	}
	buf.WriteByte(')')
}

func isDelimiter(c byte) bool {
	switch c {
	case '(', ')', '<', '>', '[', ']', '{', '}', '/', '%':
		return true
	}
	return false
}

func isSpace(c byte) bool {
	switch c {
	case 0, '\t', '\n', '\f', '\r', ' ':
		return true
	}
	return false
}
