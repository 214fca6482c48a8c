package pdf

import (
	"encoding/hex"
	"strings"

	tok "github.com/benoitkugler/pstokenizer"

	"github.com/sjzar/dedrm/internal/errors"
)

// parser builds objects from the token stream of a byte range. Stream data
// and object framing are located by the file reader, not here.
type parser struct {
	tk *tok.Tokenizer
}

func newParser(data []byte) *parser {
	return &parser{tk: tok.NewTokenizer(data)}
}

// parseValue parses the first object of data.
func parseValue(data []byte) (Object, error) {
	return newParser(data).object()
}

func syntaxError(reason string) error {
	return errors.InvalidFormat("PDF", reason)
}

func (p *parser) next() (tok.Token, error) {
	t, err := p.tk.NextToken()
	if err != nil {
		return t, errors.InvalidFormatCause("PDF", "tokenizer", err)
	}
	return t, nil
}

// object reads a value, completing "num gen R" references.
func (p *parser) object() (Object, error) {
	o, err := p.item()
	if err != nil {
		return nil, err
	}
	if n, ok := o.(Integer); ok {
		return p.refAfter(n)
	}
	return o, nil
}

func (p *parser) refAfter(num Integer) (Object, error) {
	t, err := p.tk.PeekToken()
	if err != nil || t.Kind != tok.Integer {
		return num, nil
	}
	_, _ = p.next()
	gen, _ := t.Int()
	r, err := p.next()
	if err != nil || r.Kind != tok.Other || string(r.Value) != "R" {
		return nil, syntaxError("malformed indirect reference")
	}
	return Ref{Num: int(num), Gen: gen}, nil
}

// item reads a single token-level value; references are left to callers.
func (p *parser) item() (Object, error) {
	t, err := p.next()
	if err != nil {
		return nil, err
	}
	switch t.Kind {
	case tok.EOF:
		return nil, syntaxError("unexpected end of object")
	case tok.Name:
		return Name(decodeName(string(t.Value))), nil
	case tok.String, tok.StringHex:
		return String(t.Value), nil
	case tok.Integer:
		i, err := t.Int()
		if err != nil {
			return nil, errors.InvalidFormatCause("PDF", "bad integer", err)
		}
		return Integer(i), nil
	case tok.Float:
		f, err := t.Float()
		if err != nil {
			return nil, errors.InvalidFormatCause("PDF", "bad number", err)
		}
		return Real(f), nil
	case tok.StartArray:
		return p.array()
	case tok.StartDic:
		return p.dict()
	case tok.Other:
		switch string(t.Value) {
		case "true":
			return Bool(true), nil
		case "false":
			return Bool(false), nil
		case "null":
			return nil, nil
		}
		return nil, syntaxError("unexpected keyword " + string(t.Value))
	}
	return nil, syntaxError("unexpected token " + t.Kind.String())
}

func (p *parser) array() (Array, error) {
	arr := Array{}
	for {
		t, err := p.tk.PeekToken()
		if err != nil {
			return nil, errors.InvalidFormatCause("PDF", "tokenizer", err)
		}
		switch {
		case t.Kind == tok.EndArray:
			_, _ = p.next()
			return arr, nil
		case t.Kind == tok.EOF:
			return nil, syntaxError("unterminated array")
		case t.Kind == tok.Other && string(t.Value) == "R":
			_, _ = p.next()
			n := len(arr)
			if n < 2 {
				return nil, syntaxError("dangling R in array")
			}
			num, ok1 := arr[n-2].(Integer)
			gen, ok2 := arr[n-1].(Integer)
			if !ok1 || !ok2 {
				return nil, syntaxError("dangling R in array")
			}
			arr = append(arr[:n-2], Ref{Num: int(num), Gen: int(gen)})
		default:
			o, err := p.item()
			if err != nil {
				return nil, err
			}
			arr = append(arr, o)
		}
	}
}

func (p *parser) dict() (Dict, error) {
	d := Dict{}
	for {
		t, err := p.next()
		if err != nil {
			return nil, err
		}
		switch t.Kind {
		case tok.EndDic:
			return d, nil
		case tok.EOF:
			return nil, syntaxError("unterminated dictionary")
		case tok.Name:
			key := Name(decodeName(string(t.Value)))
			v, err := p.object()
			if err != nil {
				return nil, err
			}
			if v != nil {
				d[key] = v
			}
		default:
			return nil, syntaxError("dictionary key is " + t.Kind.String())
		}
	}
}

// decodeName resolves #XX escapes.
func decodeName(s string) string {
	if !strings.Contains(s, "#") {
		return s
	}
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] == '#' && i+2 < len(s) {
			if v, err := hex.DecodeString(s[i+1 : i+3]); err == nil {
				b.WriteByte(v[0])
				i += 2
				continue
			}
		}
		b.WriteByte(s[i])
	}
	return b.String()
}
