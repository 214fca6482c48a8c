package pdf

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sjzar/dedrm/internal/credential"
	"github.com/sjzar/dedrm/internal/crypto"
	"github.com/sjzar/dedrm/internal/drm/common"
	"github.com/sjzar/dedrm/internal/errors"
	"github.com/sjzar/dedrm/pkg/util/zlib"
)

var (
	testID      = []byte("0123456789abcdef")
	testBookKey = []byte("FEDCBA9876543210")
	testUserKey = []byte("passhash-userkey")
	contentText = []byte("BT /F1 12 Tf 72 712 Td (It was a dark and stormy night.) Tj ET")
)

// baseline is the unencrypted document: info, pages, catalog, page and a
// deflated content stream.
func baseline(t *testing.T) map[int]Object {
	t.Helper()
	content, err := zlib.Compress(contentText)
	require.NoError(t, err)
	return map[int]Object{
		1: Dict{"Title": String("Stormy Night"), "Producer": String("dedrm tests")},
		2: Dict{"Type": Name("Pages"), "Kids": Array{Ref{Num: 4}}, "Count": Integer(1)},
		3: Dict{"Type": Name("Catalog"), "Pages": Ref{Num: 2}, "Lang": String("en-US")},
		4: Dict{
			"Type":     Name("Page"),
			"Parent":   Ref{Num: 2},
			"MediaBox": Array{Integer(0), Integer(0), Integer(612), Integer(792)},
			"Contents": Ref{Num: 5},
		},
		5: &Stream{Dict: Dict{"Filter": FilterFlate, "Length": Integer(len(content))}, Data: content},
	}
}

func testTrailer() Dict {
	return Dict{"Root": Ref{Num: 3}, "Info": Ref{Num: 1}, "ID": Array{String(testID), String(testID)}}
}

func encryptBytes(t *testing.T, s *Security, m method, num int, data []byte) []byte {
	t.Helper()
	switch m {
	case methodRC4:
		out, err := crypto.RC4(s.objectKey(num, 0, false), data)
		require.NoError(t, err)
		return out
	case methodAES:
		iv := bytes.Repeat([]byte{0x42}, crypto.AESBlockSize)
		out, err := crypto.AESCBCPadEncrypt(s.objectKey(num, 0, true), iv, data)
		require.NoError(t, err)
		return append(iv, out...)
	}
	return data
}

func encryptObject(t *testing.T, s *Security, num int, o Object) Object {
	t.Helper()
	switch v := o.(type) {
	case String:
		return String(encryptBytes(t, s, s.str, num, []byte(v)))
	case Array:
		out := make(Array, len(v))
		for i, e := range v {
			out[i] = encryptObject(t, s, num, e)
		}
		return out
	case Dict:
		out := make(Dict, len(v))
		for k, e := range v {
			out[k] = encryptObject(t, s, num, e)
		}
		return out
	case *Stream:
		d := encryptObject(t, s, num, v.Dict).(Dict)
		data := encryptBytes(t, s, s.streamMethod(v.Dict), num, v.Data)
		d["Length"] = Integer(len(data))
		return &Stream{Dict: d, Data: data}
	}
	return o
}

// buildEncrypted writes the baseline encrypted with sec; enc becomes object 6.
func buildEncrypted(t *testing.T, sec *Security, enc Dict, xrefStream bool) []byte {
	t.Helper()
	objects := map[int]Object{}
	for num, o := range baseline(t) {
		objects[num] = encryptObject(t, sec, num, o)
	}
	objects[6] = enc
	trailer := testTrailer()
	trailer["Encrypt"] = Ref{Num: 6}
	data, err := Build("1.6", objects, trailer, xrefStream)
	require.NoError(t, err)
	return data
}

func buildPlain(t *testing.T, xrefStream bool) []byte {
	t.Helper()
	data, err := Build("1.4", baseline(t), testTrailer(), xrefStream)
	require.NoError(t, err)
	return data
}

// assertDecrypted checks the output against the baseline document.
func assertDecrypted(t *testing.T, out *common.Output, xrefStream bool) {
	t.Helper()
	require.NotNil(t, out)
	assert.Equal(t, "pdf", out.Extension)
	assert.Equal(t, "Stormy Night", out.Title)

	f, err := Parse(out.Data)
	require.NoError(t, err)
	assert.False(t, f.Rebuilt)
	assert.Equal(t, xrefStream, f.XRefStream)
	assert.Nil(t, f.Trailer.Get("Encrypt"))
	enc, err := f.EncryptDict()
	require.NoError(t, err)
	assert.Nil(t, enc)

	base := baseline(t)
	for _, num := range []int{1, 2, 3, 4} {
		o, err := f.Object(num)
		require.NoError(t, err)
		assert.Equal(t, string(Serialize(base[num])), string(Serialize(o)), "object %d", num)
	}
	o, err := f.Object(5)
	require.NoError(t, err)
	s, ok := o.(*Stream)
	require.True(t, ok)
	plain, err := Decode(s)
	require.NoError(t, err)
	assert.Equal(t, contentText, plain)
}

func rightsXML(operator, keyType string, wrapped []byte) string {
	return fmt.Sprintf(`<?xml version="1.0"?>
<adept:rights xmlns:adept="http://ns.adobe.com/adept"><adept:licenseToken>
<adept:operatorURL>%s</adept:operatorURL>
<adept:encryptedKey%s>%s</adept:encryptedKey>
</adept:licenseToken></adept:rights>`, operator, keyType, base64.StdEncoding.EncodeToString(wrapped))
}

// adeptLicense deflates and base64 encodes a rights document the way
// ADEPT_LICENSE carries it.
func adeptLicense(t *testing.T, doc string) String {
	t.Helper()
	deflated, err := zlib.CompressRaw([]byte(doc))
	require.NoError(t, err)
	return String(base64.StdEncoding.EncodeToString(deflated))
}

func ebxDict(license String, v int, aesv2 bool) Dict {
	d := Dict{
		"Filter":             Name(FilterEBX),
		"V":                  Integer(v),
		"Length":             Integer(128),
		"ADEPT_LICENSE":      license,
		"EBX_ENCRYPTIONTYPE": Integer(6),
	}
	if aesv2 {
		d["R"] = Integer(4)
		d["CF"] = Dict{"StdCF": Dict{"CFM": Name("AESV2"), "Length": Integer(16), "AuthEvent": Name("DocOpen")}}
		d["StmF"] = Name("StdCF")
		d["StrF"] = Name("StdCF")
	}
	return d
}

func passHashPDF(t *testing.T, userKey []byte, xrefStream bool) []byte {
	t.Helper()
	wrapped, err := crypto.AESCBCPadEncrypt(userKey, make([]byte, 16), testBookKey)
	require.NoError(t, err)
	enc := ebxDict(adeptLicense(t, rightsXML("https://acs.bn.com/fulfillment", "", wrapped)), 4, true)
	sec, err := ebxSecurity(enc, testBookKey)
	require.NoError(t, err)
	return buildEncrypted(t, sec, enc, xrefStream)
}

func TestDecryptEBXPassHash(t *testing.T) {
	for _, xrefStream := range []bool{false, true} {
		t.Run(fmt.Sprintf("xrefstream=%v", xrefStream), func(t *testing.T) {
			input := passHashPDF(t, testUserKey, xrefStream)
			v, err := Detect(input)
			require.NoError(t, err)
			assert.Equal(t, common.VariantPassHash, v)

			wrong, err := credential.PassHashKeyRaw("wrong", []byte("not-the-user-key"))
			require.NoError(t, err)
			good, err := credential.PassHashKeyRaw("reader", testUserKey)
			require.NoError(t, err)

			out, err := NewDecryptor().Decrypt(context.Background(), input, credential.NewPool(wrong, good))
			require.NoError(t, err)
			assertDecrypted(t, out, xrefStream)
		})
	}
}

func TestDecryptEBXAdept(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 1024)
	require.NoError(t, err)
	cred, err := credential.AdeptPrivateKey("adobe", x509.MarshalPKCS1PrivateKey(key))
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
		v       int
		v3      bool
	}{
		{"v2 schedule", testBookKey, 2, false},
		{"v3 schedule from dictionary", testBookKey, 3, true},
		{"schedule byte before key", append([]byte{3}, testBookKey...), 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wrapped, err := rsa.EncryptPKCS1v15(rand.Reader, &key.PublicKey, tt.payload)
			require.NoError(t, err)
			enc := ebxDict(adeptLicense(t, rightsXML("https://acs.example.com/fulfillment", ` keyType="0"`, wrapped)), tt.v, false)
			sec, err := ebxSecurity(enc, tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.v3, sec.ebxV3)
			input := buildEncrypted(t, sec, enc, false)

			v, err := Detect(input)
			require.NoError(t, err)
			assert.Equal(t, common.VariantEBX, v)

			out, err := NewDecryptor().Decrypt(context.Background(), input, credential.NewPool(cred))
			require.NoError(t, err)
			assertDecrypted(t, out, false)
		})
	}
}

const testP = -3904

// standardDict builds R3/R4 O and U entries for the given passwords.
func standardDict(t *testing.T, r int, user, owner string) (Dict, []byte) {
	t.Helper()
	p := int32(testP)
	h := &standardHandler{r: r, keyLen: 16, p: uint32(p), id: testID, metadata: true}
	ok := crypto.MD5(pad([]byte(owner)))
	for i := 0; i < 50; i++ {
		ok = crypto.MD5(ok)
	}
	o, err := crypto.RC4(ok[:16], pad([]byte(user)))
	require.NoError(t, err)
	h.o, err = xorRounds(ok[:16], o, 1, 19)
	require.NoError(t, err)

	key := h.fileKey(pad([]byte(user)))
	u, err := crypto.RC4(key, crypto.MD5(passwordPad, testID))
	require.NoError(t, err)
	u, err = xorRounds(key, u, 1, 19)
	require.NoError(t, err)
	u = append(u, make([]byte, 16)...)

	d := Dict{
		"Filter": Name(FilterStandard),
		"V":      Integer(2),
		"R":      Integer(r),
		"Length": Integer(128),
		"O":      String(h.o),
		"U":      String(u),
		"P":      Integer(testP),
	}
	if r == 4 {
		d["V"] = Integer(4)
		d["CF"] = Dict{"StdCF": Dict{"CFM": Name("AESV2"), "Length": Integer(16)}}
		d["StmF"] = Name("StdCF")
		d["StrF"] = Name("StdCF")
	}
	return d, key
}

// aesDict builds R6 entries for a user password.
func aesDict(t *testing.T, user, owner string) (Dict, []byte) {
	t.Helper()
	fileKey := []byte("0123456789abcdef0123456789ABCDEF")
	zero := make([]byte, 16)
	u := append(hash2B([]byte(user), []byte("uvalsalt"), nil), []byte("uvalsaltukeysalt")...)
	ue, err := crypto.AESCBCEncrypt(hash2B([]byte(user), []byte("ukeysalt"), nil), zero, fileKey)
	require.NoError(t, err)
	o := append(hash2B([]byte(owner), []byte("ovalsalt"), u), []byte("ovalsaltokeysalt")...)
	oe, err := crypto.AESCBCEncrypt(hash2B([]byte(owner), []byte("okeysalt"), u), zero, fileKey)
	require.NoError(t, err)
	perms, err := crypto.AESECBEncrypt(fileKey, []byte("\xC0\xF0\xFF\xFF\xFF\xFF\xFF\xFFTadbpadd"))
	require.NoError(t, err)
	return Dict{
		"Filter": Name(FilterStandard),
		"V":      Integer(5),
		"R":      Integer(6),
		"Length": Integer(256),
		"O":      String(o),
		"U":      String(u),
		"OE":     String(oe),
		"UE":     String(ue),
		"Perms":  String(perms),
		"P":      Integer(testP),
		"CF":     Dict{"StdCF": Dict{"CFM": Name("AESV3"), "Length": Integer(32)}},
		"StmF":   Name("StdCF"),
		"StrF":   Name("StdCF"),
	}, fileKey
}

func standardPDF(t *testing.T, enc Dict, key []byte, xrefStream bool) []byte {
	t.Helper()
	sec, err := newSecurity(enc, key, methodRC4)
	require.NoError(t, err)
	return buildEncrypted(t, sec, enc, xrefStream)
}

func TestDecryptStandard(t *testing.T) {
	r3, r3Key := standardDict(t, 3, "user", "owner")
	r4, r4Key := standardDict(t, 4, "", "owner")
	r6, r6Key := aesDict(t, "user", "owner")

	tests := []struct {
		name  string
		input []byte
		creds []credential.Credential
	}{
		{"R3 RC4 user password", standardPDF(t, r3, r3Key, false), []credential.Credential{credential.PdfPassword("nope"), credential.PdfPassword("user")}},
		{"R3 RC4 owner password", standardPDF(t, r3, r3Key, false), []credential.Credential{credential.PdfPassword("owner")}},
		{"R4 AESV2 empty user password", standardPDF(t, r4, r4Key, true), nil},
		{"R6 AESV3 user password", standardPDF(t, r6, r6Key, false), []credential.Credential{credential.PdfPassword("user")}},
		{"R6 AESV3 owner password", standardPDF(t, r6, r6Key, false), []credential.Credential{credential.PdfPassword("owner")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Detect(tt.input)
			require.NoError(t, err)
			assert.Equal(t, common.VariantStandard, v)

			f, err := Parse(tt.input)
			require.NoError(t, err)
			out, err := NewDecryptor().Decrypt(context.Background(), tt.input, credential.NewPool(tt.creds...))
			require.NoError(t, err)
			assertDecrypted(t, out, f.XRefStream)
		})
	}
}

// pngUp applies the PNG Up filter to rows of width columns.
func pngUp(data []byte, columns int) []byte {
	var out []byte
	prev := make([]byte, columns)
	for pos := 0; pos+columns <= len(data); pos += columns {
		row := data[pos : pos+columns]
		out = append(out, 2)
		for i, c := range row {
			out = append(out, c-prev[i])
		}
		prev = row
	}
	return out
}

// buildObjStm stores objects 1 to 4 in object stream 6, indexed by a
// predicted cross-reference stream (object 8). enc, when set, is object 7.
func buildObjStm(t *testing.T, sec *Security, enc Dict) []byte {
	t.Helper()
	base := baseline(t)
	var header, body bytes.Buffer
	for _, num := range []int{1, 2, 3, 4} {
		fmt.Fprintf(&header, "%d %d ", num, body.Len())
		body.Write(Serialize(base[num]))
		body.WriteByte('\n')
	}
	packed, err := zlib.Compress(append(header.Bytes(), body.Bytes()...))
	require.NoError(t, err)
	top := map[int]Object{
		5: base[5],
		6: &Stream{Dict: Dict{"Type": Name("ObjStm"), "N": Integer(4), "First": Integer(header.Len()), "Filter": FilterFlate}, Data: packed},
	}
	if sec != nil {
		for num, o := range top {
			top[num] = encryptObject(t, sec, num, o)
		}
	}
	if enc != nil {
		top[7] = enc
	}

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.5\n")
	offsets := map[int]int{}
	for _, num := range []int{5, 6, 7} {
		o, ok := top[num]
		if !ok {
			continue
		}
		offsets[num] = buf.Len()
		fmt.Fprintf(&buf, "%d 0 obj\n", num)
		buf.Write(Serialize(o))
		buf.WriteString("\nendobj\n")
	}
	offsets[8] = buf.Len()

	var rows []byte
	for num := 0; num <= 8; num++ {
		off, ok := offsets[num]
		switch {
		case num >= 1 && num <= 4:
			rows = append(rows, 2, 0, 0, 0, 6, 0, byte(num-1))
		case ok:
			rows = appendBE(append(rows, 1), off, 4)
			rows = append(rows, 0, 0)
		default:
			rows = append(rows, 0, 0, 0, 0, 0, 0xFF, 0xFF)
		}
	}
	xdata, err := zlib.Compress(pngUp(rows, 7))
	require.NoError(t, err)
	xd := testTrailer()
	xd["Type"] = Name("XRef")
	xd["Size"] = Integer(9)
	xd["W"] = Array{Integer(1), Integer(4), Integer(2)}
	xd["Filter"] = FilterFlate
	xd["DecodeParms"] = Dict{"Predictor": Integer(12), "Columns": Integer(7)}
	xd["Length"] = Integer(len(xdata))
	if enc != nil {
		xd["Encrypt"] = Ref{Num: 7}
	}
	buf.WriteString("8 0 obj\n")
	buf.Write(Serialize(&Stream{Dict: xd, Data: xdata}))
	fmt.Fprintf(&buf, "\nendobj\nstartxref\n%d\n%%%%EOF\n", offsets[8])
	return buf.Bytes()
}

func TestObjectStreams(t *testing.T) {
	t.Run("plain", func(t *testing.T) {
		f, err := Parse(buildObjStm(t, nil, nil))
		require.NoError(t, err)
		assert.True(t, f.XRefStream)
		o, err := f.Object(3)
		require.NoError(t, err)
		assert.Equal(t, string(Serialize(baseline(t)[3])), string(Serialize(o)))
		members, err := f.Members(6)
		require.NoError(t, err)
		assert.Equal(t, []int{1, 2, 3, 4}, members)
	})

	t.Run("encrypted", func(t *testing.T) {
		enc, key := standardDict(t, 4, "", "owner")
		sec, err := newSecurity(enc, key, methodRC4)
		require.NoError(t, err)
		out, err := NewDecryptor().Decrypt(context.Background(), buildObjStm(t, sec, enc), credential.NewPool())
		require.NoError(t, err)
		assertDecrypted(t, out, true)

		f, err := Parse(out.Data)
		require.NoError(t, err)
		for _, num := range f.Numbers() {
			o, err := f.Object(num)
			require.NoError(t, err)
			if s, ok := o.(*Stream); ok {
				typ, _ := s.Dict.Name("Type")
				assert.NotEqual(t, Name("ObjStm"), typ, "object %d", num)
			}
		}
	})
}

func TestDecryptFailures(t *testing.T) {
	r3, r3Key := standardDict(t, 3, "user", "owner")
	passHash := passHashPDF(t, testUserKey, false)
	wrongKey, err := credential.PassHashKeyRaw("wrong", []byte("not-the-user-key"))
	require.NoError(t, err)

	withFilter := func(filter string) []byte {
		enc := Dict{"Filter": Name(filter), "V": Integer(4), "Length": Integer(128)}
		return buildEncrypted(t, &Security{named: map[Name]method{}}, enc, false)
	}
	r7 := Dict{"Filter": Name(FilterStandard), "V": Integer(5), "R": Integer(7)}

	tests := []struct {
		name  string
		input []byte
		creds *credential.Pool
		kind  errors.Kind
	}{
		{"no password", standardPDF(t, r3, r3Key, false), credential.NewPool(), errors.KindExternalKeyRequired},
		{"wrong password", standardPDF(t, r3, r3Key, false), credential.NewPool(credential.PdfPassword("guess")), errors.KindWrongCredential},
		{"passhash without keys", passHash, credential.NewPool(credential.PdfPassword("user")), errors.KindExternalKeyRequired},
		{"wrong passhash key", passHash, credential.NewPool(wrongKey), errors.KindWrongCredential},
		{"adobe aps", withFilter(FilterAPS), credential.NewPool(), errors.KindUnsupportedVersion},
		{"fileopen", withFilter("FOPN_fLock"), credential.NewPool(), errors.KindUnsupportedVersion},
		{"revision 7", buildEncrypted(t, &Security{named: map[Name]method{}}, r7, false), credential.NewPool(), errors.KindUnsupportedVersion},
		{"drm free", buildPlain(t, false), credential.NewPool(), errors.KindDrmFree},
		{"not a pdf", []byte("garbage"), credential.NewPool(), errors.KindInvalidFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := NewDecryptor().Decrypt(context.Background(), tt.input, tt.creds)
			require.Error(t, err)
			assert.True(t, errors.IsKind(err, tt.kind), "got %v", err)
			if tt.kind == errors.KindDrmFree {
				require.NotNil(t, out)
				assert.Equal(t, tt.input, out.Data)
				assert.Equal(t, "Stormy Night", out.Title)
			}
		})
	}
}

func TestDetect(t *testing.T) {
	aps := buildEncrypted(t, &Security{named: map[Name]method{}}, Dict{"Filter": Name(FilterAPS)}, false)
	fopn := buildEncrypted(t, &Security{named: map[Name]method{}}, Dict{"Filter": Name("FOPN_foweb")}, false)
	tests := []struct {
		name  string
		input []byte
		want  common.Variant
	}{
		{"plain", buildPlain(t, false), common.VariantNone},
		{"plain xref stream", buildPlain(t, true), common.VariantNone},
		{"aps", aps, common.VariantAPS},
		{"fopn", fopn, common.VariantFOPN},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := Detect(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, v)
		})
	}
}

func TestRebuildBrokenXref(t *testing.T) {
	data := buildPlain(t, false)
	i := bytes.LastIndex(data, []byte("startxref"))
	broken := append(append([]byte(nil), data[:i]...), []byte("startxref\n9\n%%EOF\n")...)

	f, err := Parse(broken)
	require.NoError(t, err)
	assert.True(t, f.Rebuilt)
	o, err := f.Object(3)
	require.NoError(t, err)
	assert.Equal(t, string(Serialize(baseline(t)[3])), string(Serialize(o)))
	assert.Equal(t, "Stormy Night", f.Title())
}

func TestIncrementalUpdate(t *testing.T) {
	data := buildPlain(t, false)
	f, err := Parse(data)
	require.NoError(t, err)
	prev := bytes.LastIndex(data, []byte("\nxref\n")) + 1

	var buf bytes.Buffer
	buf.Write(data)
	off := buf.Len()
	buf.WriteString("3 0 obj\n<</Type /Catalog /Pages 2 0 R /Lang (fr-FR)>>\nendobj\n")
	xref := buf.Len()
	fmt.Fprintf(&buf, "xref\n3 1\n%010d 00000 n\r\ntrailer\n<</Size 6 /Root 3 0 R /Prev %d>>\nstartxref\n%d\n%%%%EOF\n", off, prev, xref)

	g, err := Parse(buf.Bytes())
	require.NoError(t, err)
	assert.False(t, g.Rebuilt)
	cat, err := g.Object(3)
	require.NoError(t, err)
	assert.Equal(t, String("fr-FR"), cat.(Dict).Get("Lang"))
	assert.Equal(t, f.Trailer.Get("Info"), g.Trailer.Get("Info"), "older trailer keys are merged")

	out, err := g.Rewrite(context.Background())
	require.NoError(t, err)
	h, err := Parse(out)
	require.NoError(t, err)
	assert.Nil(t, h.Trailer.Get("Prev"))
	cat, err = h.Object(3)
	require.NoError(t, err)
	assert.Equal(t, String("fr-FR"), cat.(Dict).Get("Lang"))
}

func TestDecryptCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	good, err := credential.PassHashKeyRaw("reader", testUserKey)
	require.NoError(t, err)

	out, err := NewDecryptor().Decrypt(ctx, passHashPDF(t, testUserKey, false), credential.NewPool(good))
	assert.Nil(t, out)
	assert.ErrorIs(t, err, errors.ErrDecryptOperationCanceled)
}
