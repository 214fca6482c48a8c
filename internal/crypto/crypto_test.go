package crypto

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"hash/crc32"
	"math/bits"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/errors"
)

func unhex(t *testing.T, s string) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	require.NoError(t, err)
	return b
}

func TestPKCS7Unpad(t *testing.T) {
	tests := []struct {
		name    string
		data    []byte
		want    []byte
		wantErr bool
	}{
		{"full block of padding", bytes.Repeat([]byte{16}, 16), []byte{}, false},
		{"one byte", append(bytes.Repeat([]byte{'a'}, 15), 1), bytes.Repeat([]byte{'a'}, 15), false},
		{"four bytes", append([]byte("abcdefghijkl"), 4, 4, 4, 4), []byte("abcdefghijkl"), false},
		{"zero pad byte", append(bytes.Repeat([]byte{'a'}, 15), 0), nil, true},
		{"pad larger than block", append(bytes.Repeat([]byte{'a'}, 15), 17), nil, true},
		{"inconsistent", append([]byte("abcdefghijkl"), 1, 4, 4, 4), nil, true},
		{"empty", nil, nil, true},
		{"not block aligned", []byte{1, 1, 1}, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := PKCS7Unpad(tt.data, 16)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.IsKind(err, errors.KindBadPadding))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAESVectors(t *testing.T) {
	// FIPS-197 appendix C.1
	key := unhex(t, "000102030405060708090a0b0c0d0e0f")
	pt := unhex(t, "00112233445566778899aabbccddeeff")
	ct := unhex(t, "69c4e0d86a7b0430d8cdb78070b4c55a")

	got, err := AESECBEncrypt(key, pt)
	require.NoError(t, err)
	assert.Equal(t, ct, got)

	got, err = AESECBDecrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, pt, got)
}

func TestAESModesRoundTrip(t *testing.T) {
	iv := bytes.Repeat([]byte{7}, 16)
	msg := []byte("<?xml version=\"1.0\"?><html/>")
	for _, size := range []int{16, 24, 32} {
		key := bytes.Repeat([]byte{byte(size)}, size)

		enc, err := AESCBCPadEncrypt(key, iv, msg)
		require.NoError(t, err)
		dec, err := AESCBCDecryptUnpad(key, iv, enc)
		require.NoError(t, err)
		assert.Equal(t, msg, dec)

		ctr, err := AESCTR(key, iv, msg)
		require.NoError(t, err)
		back, err := AESCTR(key, iv, ctr)
		require.NoError(t, err)
		assert.Equal(t, msg, back)
	}
}

func TestAESRejectsBadInput(t *testing.T) {
	_, err := AESCBCDecrypt(make([]byte, 15), make([]byte, 16), make([]byte, 16))
	assert.True(t, errors.IsKind(err, errors.KindCryptoInternal))

	_, err = AESCBCDecrypt(make([]byte, 16), make([]byte, 8), make([]byte, 16))
	assert.Error(t, err)

	_, err = AESCBCDecrypt(make([]byte, 16), make([]byte, 16), make([]byte, 17))
	assert.Error(t, err)
}

func TestRC4(t *testing.T) {
	got, err := RC4([]byte("Key"), []byte("Plaintext"))
	require.NoError(t, err)
	assert.Equal(t, unhex(t, "bbf316e8d940af0ad3"), got)
}

func TestFixDESKey(t *testing.T) {
	fixed := FixDESKey([]byte{0x00, 0x01, 0xFE, 0xFF, 0x12, 0x34, 0x56, 0x78})
	for _, b := range fixed {
		assert.Equal(t, 1, bits.OnesCount8(b)%2, "byte %#x must have odd parity", b)
	}
	assert.Equal(t, byte(0x80), fixed[0])
	assert.Equal(t, byte(0x01), fixed[1])
	assert.Equal(t, byte(0xFE), fixed[2])
	assert.Equal(t, byte(0x7F), fixed[3])

	key := FixDESKey([]byte("eReader!"))
	pt := []byte("12345678abcdefgh")
	ct, err := DESECBEncrypt(key, pt)
	require.NoError(t, err)
	back, err := DESECBDecrypt(key, ct)
	require.NoError(t, err)
	assert.Equal(t, pt, back)
}

func TestPBKDF2(t *testing.T) {
	// RFC 6070
	got := PBKDF2SHA1([]byte("password"), []byte("salt"), 1, 20)
	assert.Equal(t, unhex(t, "0c60c80f961f0e71f3a9b524af6012062fe037a6"), got)
	assert.Len(t, PBKDF2SHA256([]byte("p"), []byte("s"), 2, 32), 32)
}

func TestCRC32Kindle(t *testing.T) {
	data := []byte("B001234567890123")
	assert.Equal(t, ^crc32.Update(0xFFFFFFFF, crc32.IEEETable, data), CRC32Kindle(data))
	assert.Equal(t, uint32(0xCBF43926), CRC32([]byte("123456789")))
}

func TestPC1RoundTrip(t *testing.T) {
	key := []byte("0123456789abcdef")
	msg := []byte("<html><head></head><body>pukall</body></html>")

	enc, err := PC1(key, msg, false)
	require.NoError(t, err)
	assert.NotEqual(t, msg, enc)

	dec, err := PC1(key, enc, true)
	require.NoError(t, err)
	assert.Equal(t, msg, dec)

	_, err = PC1([]byte("short"), msg, true)
	assert.Error(t, err)
}

func TestTopazCipherRoundTrip(t *testing.T) {
	key := []byte("ABCDEFGH")
	msg := []byte("PID\x08ABCDEFGH\x08bookkey!pid")

	enc := TopazEncrypt(key, msg)
	assert.NotEqual(t, msg, enc)
	assert.Equal(t, msg, TopazDecrypt(key, enc))
	assert.NotEqual(t, msg, TopazDecrypt([]byte("XXXXXXXX"), enc))
}

func TestRSA(t *testing.T) {
	priv, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)

	bookKey := bytes.Repeat([]byte{0x42}, 16)
	wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, &priv.PublicKey, bookKey)
	require.NoError(t, err)

	got, err := RSADecryptPKCS1v15(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, bookKey, got)

	raw, err := RSADecryptRaw(priv, wrapped)
	require.NoError(t, err)
	assert.Equal(t, byte(0x00), raw[0])
	assert.Equal(t, byte(0x02), raw[1])
	assert.Equal(t, bookKey, raw[len(raw)-16:])

	_, err = RSADecryptPKCS1v15(priv, wrapped[:10])
	assert.Error(t, err)
}
