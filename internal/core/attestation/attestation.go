// Package attestation implements the Attestation Envelope (C2): it
// binds the gateway's static public key into a remote-attestation
// quote, preferring a real platform attestation and falling back to a
// deterministic mock report when none is available.
package attestation

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	azureIMDSProbeURL       = "http://169.254.169.254/metadata/instance?api-version=2021-02-01"
	azureIMDSAttestationURL = "http://169.254.169.254/metadata/attested/document"
	azureIMDSProbeTimeout   = 2 * time.Second
	httpClientTimeout       = 10 * time.Second

	sevSNPReportSize = 1184

	TypeAzureIMDS   = "azure-imds"
	TypeMockSEVSNP  = "mock-sev-snp"
	TypeRealSEVSNP  = "sev-snp"
)

// Record is the JSON-serializable attestation response shape from §3/§6.
type Record struct {
	Quote           string            `json:"quote"`
	PublicKey       string            `json:"public_key"`
	PublicKeyHash   string            `json:"public_key_hash"`
	ReportData      string            `json:"report_data"`
	AttestationType string            `json:"attestation_type"`
	Extra           map[string]string `json:"-"`
}

// MarshalJSON flattens Extra's azure_encoding key alongside the fixed
// fields, matching the Rust struct's `#[serde(skip_serializing_if =
// "Option::is_none")]` optional field instead of a nested object.
func (r Record) MarshalJSON() ([]byte, error) {
	type alias struct {
		Quote           string `json:"quote"`
		PublicKey       string `json:"public_key"`
		PublicKeyHash   string `json:"public_key_hash"`
		ReportData      string `json:"report_data"`
		AttestationType string `json:"attestation_type"`
		AzureEncoding   string `json:"azure_encoding,omitempty"`
	}
	a := alias{
		Quote:           r.Quote,
		PublicKey:       r.PublicKey,
		PublicKeyHash:   r.PublicKeyHash,
		ReportData:      r.ReportData,
		AttestationType: r.AttestationType,
	}
	if r.Extra != nil {
		a.AzureEncoding = r.Extra["azure_encoding"]
	}
	return json.Marshal(a)
}

// Service generates attestation quotes binding a fixed static public
// key. It probes once at startup for Azure IMDS availability and
// caches the result for the process lifetime.
type Service struct {
	publicKey     [32]byte
	publicKeyHash [32]byte
	client        *http.Client
	isAzure       bool
}

// NewService creates a Service and performs the one-time Azure IMDS
// probe. The probe itself is bounded by azureIMDSProbeTimeout and never
// fails NewService — a probe error just means isAzure stays false.
func NewService(publicKey []byte) (*Service, error) {
	if len(publicKey) != 32 {
		return nil, fmt.Errorf("attestation: public key must be 32 bytes, got %d", len(publicKey))
	}
	s := &Service{
		client: &http.Client{Timeout: httpClientTimeout},
	}
	copy(s.publicKey[:], publicKey)
	s.publicKeyHash = sha256.Sum256(s.publicKey[:])
	s.isAzure = s.probeAzureIMDS()
	return s, nil
}

func (s *Service) probeAzureIMDS() bool {
	ctx, cancel := httpTimeoutContext(azureIMDSProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, azureIMDSProbeURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("Metadata", "true")
	resp, err := s.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

// GenerateQuote produces an attestation quote, optionally binding a
// caller-supplied nonce into the mock report_data. If the process is
// running on Azure, Azure IMDS attestation is tried first; any failure
// falls back to the mock provider, with a warning log, rather than
// erroring the caller.
func (s *Service) GenerateQuote(nonce []byte) Record {
	if s.isAzure {
		rec, err := s.azureAttestation()
		if err == nil {
			return rec
		}
		log.Warn().Err(err).Msg("attestation: Azure IMDS attestation failed, falling back to mock quote")
	}
	return s.mockQuote(nonce)
}

func (s *Service) azureAttestation() (Record, error) {
	ctx, cancel := httpTimeoutContext(httpClientTimeout)
	defer cancel()
	url := azureIMDSAttestationURL + "?api-version=2021-02-01"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return Record{}, err
	}
	req.Header.Set("Metadata", "true")
	resp, err := s.client.Do(req)
	if err != nil {
		return Record{}, fmt.Errorf("IMDS request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Record{}, fmt.Errorf("IMDS returned status: %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Record{}, fmt.Errorf("reading IMDS response: %w", err)
	}
	var imds struct {
		Encoding  string `json:"encoding"`
		Signature string `json:"signature"`
	}
	if err := json.Unmarshal(body, &imds); err != nil {
		return Record{}, fmt.Errorf("parsing IMDS response: %w", err)
	}

	hash := hex.EncodeToString(s.publicKeyHash[:])
	return Record{
		Quote:           imds.Signature,
		PublicKey:       base64.StdEncoding.EncodeToString(s.publicKey[:]),
		PublicKeyHash:   hash,
		ReportData:      hash,
		AttestationType: TypeAzureIMDS,
		Extra:           map[string]string{"azure_encoding": imds.Encoding},
	}, nil
}

// mockQuote builds report_data as pubkey-hash||nonce-hash (64 bytes,
// nonce half left zeroed when no nonce was supplied at all). A nonce
// of exactly zero bytes is distinct from no nonce: it still hashes
// (SHA-256 of the empty string), so callers must pass a non-nil,
// possibly-empty slice to mix in an explicit empty nonce.
func (s *Service) mockQuote(nonce []byte) Record {
	var reportData [64]byte
	copy(reportData[:32], s.publicKeyHash[:])
	if nonce != nil {
		nonceHash := sha256.Sum256(nonce)
		copy(reportData[32:], nonceHash[:])
	}

	quote := mockSEVSNPReport(reportData)

	return Record{
		Quote:           base64.StdEncoding.EncodeToString(quote),
		PublicKey:       base64.StdEncoding.EncodeToString(s.publicKey[:]),
		PublicKeyHash:   hex.EncodeToString(s.publicKeyHash[:]),
		ReportData:      hex.EncodeToString(reportData[:]),
		AttestationType: TypeMockSEVSNP,
	}
}

// mockSEVSNPReport produces a deterministic byte-for-byte mock SEV-SNP
// attestation report matching §4.2's layout table exactly: a real
// verifier rejects it outright (it carries no genuine platform
// signature), but its shape exercises parsers written against the real
// format.
func mockSEVSNPReport(reportData [64]byte) []byte {
	report := make([]byte, sevSNPReportSize)

	copy(report[0:4], []byte{0x02, 0x00, 0x00, 0x00})   // version 2
	copy(report[4:8], []byte{0x00, 0x00, 0x00, 0x00})   // guest SVN
	copy(report[8:16], []byte{0x30, 0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00}) // policy

	copy(report[16:32], padTo16([]byte("onera-mock-fam"))) // family ID
	copy(report[32:48], padTo16([]byte("onera-mock-img"))) // image ID

	// offset 48..52 (VMPL) left zero: not listed in the layout table.
	copy(report[52:56], []byte{0x01, 0x00, 0x00, 0x00})                        // sig alg
	copy(report[56:64], []byte{0x03, 0x00, 0x31, 0x00, 0x14, 0x00, 0x00, 0x00}) // platform version

	copy(report[80:144], reportData[:])

	measurement := sha256.Sum256([]byte("onera-enclave-mock-measurement"))
	copy(report[144:176], measurement[:])

	reportID := sha256.Sum256([]byte("mock-report-id"))
	copy(report[320:352], reportID[:])

	chipID := make([]byte, 64)
	for i := range chipID {
		chipID[i] = 0x4D
	}
	copy(report[400:464], chipID)

	mockSig := sha256.Sum256([]byte("mock-signature"))
	copy(report[672:704], mockSig[:])

	return report
}

func padTo16(b []byte) []byte {
	out := make([]byte, 16)
	copy(out, b)
	return out
}

// PublicKeyHash returns the cached SHA-256 hash of the bound public key.
func (s *Service) PublicKeyHash() [32]byte {
	return s.publicKeyHash
}

func httpTimeoutContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}
