package kindle

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/crypto"
)

func TestTablesRoundTrip(t *testing.T) {
	maps := map[string]string{
		"charMap1":        CharMap1,
		"charMap2Windows": CharMap2Windows,
		"charMap5Windows": CharMap5Windows,
		"charMap2Mac":     CharMap2Mac,
		"testMap1":        TestMap1,
		"testMap6":        TestMap6,
		"testMap8":        TestMap8,
	}
	all := make([]byte, 256)
	for i := range all {
		all[i] = byte(i)
	}
	for name, m := range maps {
		t.Run(name, func(t *testing.T) {
			assert.Contains(t, []int{32, 64}, len(m))
			encoded := Encode(all, m)
			assert.Len(t, encoded, 512)
			assert.Equal(t, all, Decode(encoded, m))
		})
	}
	assert.Len(t, CharMap3, 64)
	assert.Len(t, CharMap4, 34)
	assert.Equal(t, CharMap5Mac, CharMap2Mac)
}

func TestDecodeStopsAtForeignChar(t *testing.T) {
	enc := Encode([]byte("ab"), CharMap1)
	enc = append(enc, '!', '!')
	assert.Equal(t, []byte("ab"), Decode(enc, CharMap1))
}

func TestChecksumPID(t *testing.T) {
	pid := ChecksumPID("ABCDEFGH")
	require.Len(t, pid, 10)
	assert.True(t, strings.HasPrefix(pid, "ABCDEFGH"))
	for _, c := range pid[8:] {
		assert.True(t, strings.ContainsRune(CharMap4, c))
	}
	assert.Equal(t, pid, ChecksumPID("ABCDEFGH"))
	assert.NotEqual(t, pid, ChecksumPID("ABCDEFGI"))
}

func TestEncodePID(t *testing.T) {
	// 0xFC = 111111 00..., so the first six-bit field is 63
	hash := append([]byte{0xFC}, make([]byte, 19)...)
	assert.Equal(t, "/AAAAAAA", EncodePID(hash))

	pid := EncodePID(crypto.SHA1([]byte("anything")))
	assert.Len(t, pid, 8)
}

func TestSerialPIDs(t *testing.T) {
	serial := "B001ABCDEF012345"
	assert.Equal(t, []string{serial}, SerialPIDs(serial, nil))

	pids := SerialPIDs(serial, &BookMeta{Rec209: []byte{0x01, 0, 0, 0, 0x64}, Token: []byte("tok")})
	require.Len(t, pids, 2)
	for _, p := range pids {
		assert.Len(t, p, 10)
	}
	assert.Equal(t, byte('*'), pids[1][7])
}

func TestDevicePID(t *testing.T) {
	pid := DevicePID([]byte("DSN0123456789"))
	assert.Len(t, pid, 10)
	assert.Equal(t, pid, DevicePID([]byte("DSN0123456789")))
}

type fields map[string][]byte

func (f fields) Field(name string) ([]byte, bool) {
	v, ok := f[name]
	return v, ok
}

func TestK4PIDs(t *testing.T) {
	direct := fields{FieldDSN: []byte("DSNDSNDSN"), FieldAccountTokens: []byte("ACCT")}
	pids, err := K4PIDs(direct, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"DSNDSNDSNACCT"}, pids)

	pids, err = K4PIDs(direct, &BookMeta{Rec209: []byte("r"), Token: []byte("t")})
	require.NoError(t, err)
	assert.Len(t, pids, 4)
	assert.Equal(t, DevicePID([]byte("DSNDSNDSN")), pids[0])
	want := ChecksumPID(EncodePID(crypto.SHA1([]byte("DSNDSNDSNACCTrt"))))
	assert.Equal(t, want, pids[1])

	derived := fields{
		FieldMazamaRandomNumber: []byte("mazama"),
		FieldIDString:           []byte("id"),
		FieldUserName:           []byte("user"),
	}
	dsn, err := DSN(derived)
	require.NoError(t, err)
	expect := Encode(crypto.SHA1(bytes.Join([][]byte{
		[]byte("mazama"), EncodeHash([]byte("id"), CharMap1), EncodeHash([]byte("user"), CharMap1),
	}, nil)), CharMap1)
	assert.Equal(t, expect, dsn)
	assert.Len(t, dsn, 40)

	_, err = K4PIDs(fields{}, nil)
	assert.Error(t, err)
}

func TestCandidatePIDs(t *testing.T) {
	pid, _ := credential.MobiPID("ABCDEFGH")
	serial, _ := credential.KindleSerial("B001ABCDEF012345")
	dev, _ := credential.KindleDeviceKey("k", map[string][]byte{"dsn": []byte("D")})
	pool := credential.NewPool(dev, serial, pid)

	pids := CandidatePIDs(pool, &BookMeta{})
	require.Len(t, pids, 1+2+4)
	assert.Equal(t, "ABCDEFGH", pids[0])

	pids = CandidatePIDs(pool, nil)
	assert.Equal(t, []string{"ABCDEFGH", "B001ABCDEF012345", "D"}, pids)
}
