package pdb

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/errors"
)

func header(ident string) []byte {
	h := make([]byte, HeaderSize)
	copy(h, "Test Book")
	copy(h[TypeCreatorOffset:], ident)
	return h
}

func TestBuildAndParse(t *testing.T) {
	payloads := [][]byte{[]byte("record zero"), []byte("one"), {}, []byte("three")}
	records := []Record{{Attr: 0}, {Attr: 1, UID: 2}, {UID: 4}, {Attr: 0x40, UID: 0x010203}}

	data, err := Build(header(IdentMobi), []byte{0, 0}, records, payloads)
	require.NoError(t, err)

	f, err := Parse(data, IdentMobi)
	require.NoError(t, err)
	assert.Equal(t, "Test Book", f.Name)
	assert.Equal(t, IdentMobi, f.Ident)
	require.Equal(t, 4, f.NumRecords())
	assert.Equal(t, []byte{0, 0}, f.Gap())

	for i, want := range payloads {
		got, err := f.Load(i)
		require.NoError(t, err)
		assert.Equal(t, want, got, "record %d", i)
		assert.Equal(t, records[i].Attr, f.Records[i].Attr)
		assert.Equal(t, records[i].UID, f.Records[i].UID)
	}

	_, err = f.Load(4)
	assert.Error(t, err)

	again, err := Build(f.Header(), f.Gap(), f.Records, payloads)
	require.NoError(t, err)
	assert.Equal(t, data, again)
}

func TestParseRejects(t *testing.T) {
	good, err := Build(header(IdentEReader), nil, []Record{{}, {}}, [][]byte{[]byte("a"), []byte("b")})
	require.NoError(t, err)

	decreasing := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(decreasing[HeaderSize+RecordEntrySize:], 10)

	beyond := append([]byte(nil), good...)
	binary.BigEndian.PutUint32(beyond[HeaderSize+RecordEntrySize:], uint32(len(good)+1))

	truncated := append([]byte(nil), good[:HeaderSize+4]...)

	tests := []struct {
		name     string
		data     []byte
		expected []string
	}{
		{"short", good[:20], nil},
		{"wrong creator", good, []string{IdentMobi}},
		{"decreasing offsets", decreasing, []string{IdentEReader}},
		{"offset beyond eof", beyond, []string{IdentEReader}},
		{"truncated list", truncated, []string{IdentEReader}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.data, tt.expected...)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, errors.KindInvalidFormat))
		})
	}

	f, err := Parse(good, IdentMobi, IdentEReader)
	require.NoError(t, err)
	assert.Equal(t, 2, f.NumRecords())
}

func TestIdent(t *testing.T) {
	assert.Equal(t, "", Ident([]byte("short")))
	assert.Equal(t, IdentEReaderDict, Ident(header(IdentEReaderDict)))
}
