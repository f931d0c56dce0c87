package attestation

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPublicKey() []byte {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestNewServiceRejectsWrongKeyLength(t *testing.T) {
	_, err := NewService([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestMockQuoteShapeAndFields(t *testing.T) {
	pub := testPublicKey()
	svc, err := NewService(pub)
	require.NoError(t, err)
	svc.isAzure = false // force the mock path regardless of test environment

	rec := svc.GenerateQuote(nil)
	assert.Equal(t, TypeMockSEVSNP, rec.AttestationType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(pub), rec.PublicKey)

	wantHash := sha256.Sum256(pub)
	assert.Equal(t, hex.EncodeToString(wantHash[:]), rec.PublicKeyHash)

	quote, err := base64.StdEncoding.DecodeString(rec.Quote)
	require.NoError(t, err)
	assert.Len(t, quote, sevSNPReportSize)

	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x00}, quote[0:4])
	assert.Equal(t, []byte{0x30, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}, quote[8:16])
	assert.Equal(t, append([]byte("onera-mock-fam"), 0x00, 0x00), quote[16:32])
	assert.Equal(t, append([]byte("onera-mock-img"), 0x00, 0x00), quote[32:48])

	measurement := sha256.Sum256([]byte("onera-enclave-mock-measurement"))
	assert.Equal(t, measurement[:], quote[144:176])

	reportID := sha256.Sum256([]byte("mock-report-id"))
	assert.Equal(t, reportID[:], quote[320:352])

	for _, b := range quote[400:464] {
		assert.Equal(t, byte(0x4D), b)
	}

	mockSig := sha256.Sum256([]byte("mock-signature"))
	assert.Equal(t, mockSig[:], quote[672:704])

	// report_data: first 32 bytes are the public key hash, last 32 are
	// zero when no nonce was supplied.
	reportData, err := hex.DecodeString(rec.ReportData)
	require.NoError(t, err)
	require.Len(t, reportData, 64)
	assert.Equal(t, wantHash[:], reportData[:32])
	assert.Equal(t, make([]byte, 32), reportData[32:])
}

func TestMockQuoteMixesNonceIntoReportData(t *testing.T) {
	pub := testPublicKey()
	svc, err := NewService(pub)
	require.NoError(t, err)
	svc.isAzure = false

	nonce := []byte("request-nonce")
	rec := svc.GenerateQuote(nonce)

	reportData, err := hex.DecodeString(rec.ReportData)
	require.NoError(t, err)

	wantNonceHash := sha256.Sum256(nonce)
	assert.Equal(t, wantNonceHash[:], reportData[32:])
}

func TestMockQuoteDistinguishesEmptyNonceFromNoNonce(t *testing.T) {
	pub := testPublicKey()
	svc, err := NewService(pub)
	require.NoError(t, err)
	svc.isAzure = false

	noNonce := svc.GenerateQuote(nil)
	noNonceData, err := hex.DecodeString(noNonce.ReportData)
	require.NoError(t, err)
	assert.Equal(t, make([]byte, 32), noNonceData[32:])

	emptyNonce := svc.GenerateQuote([]byte{})
	emptyNonceData, err := hex.DecodeString(emptyNonce.ReportData)
	require.NoError(t, err)
	wantEmptyHash := sha256.Sum256([]byte{})
	assert.Equal(t, wantEmptyHash[:], emptyNonceData[32:])
	assert.NotEqual(t, noNonceData[32:], emptyNonceData[32:])
}

func TestRecordMarshalOmitsAzureEncodingWhenAbsent(t *testing.T) {
	rec := Record{
		Quote:           "q",
		PublicKey:       "k",
		PublicKeyHash:   "h",
		ReportData:      "r",
		AttestationType: TypeMockSEVSNP,
	}
	b, err := rec.MarshalJSON()
	require.NoError(t, err)
	assert.NotContains(t, string(b), "azure_encoding")
}

func TestRecordMarshalIncludesAzureEncodingWhenPresent(t *testing.T) {
	rec := Record{
		AttestationType: TypeAzureIMDS,
		Extra:           map[string]string{"azure_encoding": "pkcs7"},
	}
	b, err := rec.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(b), `"azure_encoding":"pkcs7"`)
}
