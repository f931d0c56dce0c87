package httpapi

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/onera-app/enclave-gateway/internal/core/attestation"
)

func testDeps(t *testing.T) Deps {
	t.Helper()
	pub := make([]byte, 32)
	for i := range pub {
		pub[i] = byte(i)
	}
	svc, err := attestation.NewService(pub)
	require.NoError(t, err)
	return Deps{Attestation: svc, Log: zerolog.Nop()}
}

func postAttestation(t *testing.T, handler http.Handler, body string) attestation.Record {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(http.MethodPost, "/attestation", nil)
	} else {
		req = httptest.NewRequest(http.MethodPost, "/attestation", strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	var out attestation.Record
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&out))
	return out
}

// A present-but-empty nonce ("") must mix SHA-256("") into report_data,
// distinct from an absent nonce (no body / no field at all), which
// leaves the nonce half of report_data zeroed.
func TestPostAttestationDistinguishesEmptyFromAbsentNonce(t *testing.T) {
	handler := NewRouter(testDeps(t))

	absent := postAttestation(t, handler, "")
	absentData, err := hex.DecodeString(absent.ReportData)
	require.NoError(t, err)

	empty := postAttestation(t, handler, `{"nonce":""}`)
	emptyData, err := hex.DecodeString(empty.ReportData)
	require.NoError(t, err)

	wantEmptyHash := sha256.Sum256([]byte{})
	require.Equal(t, wantEmptyHash[:], emptyData[32:])
	require.Equal(t, bytes.Repeat([]byte{0}, 32), absentData[32:])
	require.NotEqual(t, absentData[32:], emptyData[32:])
}

func TestPostAttestationMixesNonEmptyNonce(t *testing.T) {
	handler := NewRouter(testDeps(t))

	rec := postAttestation(t, handler, `{"nonce":"hello"}`)
	data, err := hex.DecodeString(rec.ReportData)
	require.NoError(t, err)

	want := sha256.Sum256([]byte("hello"))
	require.Equal(t, want[:], data[32:])
}
