package signing

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/docsuite/esign/provider"
	"github.com/docsuite/esign/signerr"
)

// testPDF builds a minimal single-page document with a valid xref table.
func testPDF(t *testing.T) []byte {
	t.Helper()

	var buf bytes.Buffer
	buf.WriteString("%PDF-1.7\n")

	offsets := make([]int64, 0, 3)
	writeObj := func(body string) {
		offsets = append(offsets, int64(buf.Len()))
		buf.WriteString(body)
	}
	writeObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	writeObj("2 0 obj\n<< /Type /Pages /Kids [3 0 R] /Count 1 /MediaBox [0 0 612 792] >>\nendobj\n")
	writeObj("3 0 obj\n<< /Type /Page /Parent 2 0 R >>\nendobj\n")

	xrefPos := buf.Len()
	buf.WriteString("xref\n0 4\n")
	buf.WriteString("0000000000 65535 f\r\n")
	for _, off := range offsets {
		fmt.Fprintf(&buf, "%010d %05d n\r\n", off, 0)
	}
	fmt.Fprintf(&buf, "trailer\n<< /Size 4 /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", xrefPos)
	return buf.Bytes()
}

func testCertDER(t *testing.T, commonName string) []byte {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject: pkix.Name{
			CommonName:   commonName,
			Organization: []string{"Test Org"},
			SerialNumber: "85010112345",
		},
		NotBefore: time.Now().Add(-time.Hour),
		NotAfter:  time.Now().Add(24 * time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	return der
}

type pollStep struct {
	out *provider.Outcome
	err error
}

// mockProvider scripts Begin and Poll outcomes and counts every call, so
// tests can assert that validation failures never reach the provider.
type mockProvider struct {
	method    provider.Method
	available bool

	beginOutcome *provider.Outcome
	beginErr     error
	polls        []pollStep
	policy       provider.PollPolicy

	beginCalls  atomic.Int64
	pollCalls   atomic.Int64
	cancelCalls atomic.Int64
}

func (m *mockProvider) Method() provider.Method         { return m.method }
func (m *mockProvider) Available(context.Context) bool  { return m.available }
func (m *mockProvider) PollPolicy() provider.PollPolicy { return m.policy }

func (m *mockProvider) Cancel(context.Context, *provider.Handle) error {
	m.cancelCalls.Add(1)
	return nil
}

func (m *mockProvider) Begin(ctx context.Context, req *provider.Request) (*provider.Outcome, error) {
	m.beginCalls.Add(1)
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	return m.beginOutcome, nil
}

func (m *mockProvider) Poll(ctx context.Context, h *provider.Handle) (*provider.Outcome, error) {
	n := m.pollCalls.Add(1)
	if len(m.polls) == 0 {
		return pendingOutcome(), nil
	}
	step := m.polls[len(m.polls)-1]
	if int(n) <= len(m.polls) {
		step = m.polls[n-1]
	}
	return step.out, step.err
}

func fastPolicy(attempts int) provider.PollPolicy {
	return provider.PollPolicy{Interval: time.Millisecond, MaxAttempts: attempts}
}

func signedOutcome(t *testing.T, cn string) *provider.Outcome {
	t.Helper()
	return &provider.Outcome{
		Status: provider.StatusSigned,
		Result: &provider.Result{
			Certificate:       testCertDER(t, cn),
			ProviderRequestID: "req-1",
			SignedAt:          time.Date(2025, 2, 1, 12, 0, 0, 0, time.UTC),
		},
	}
}

func pendingOutcome() *provider.Outcome {
	return &provider.Outcome{
		Status: provider.StatusPending,
		Handle: &provider.Handle{RequestID: "req-1"},
	}
}

func newTestOrchestrator(providers ...provider.Provider) *Orchestrator {
	return NewOrchestrator(nil, nil, providers...)
}

func TestValidateRunsBeforeProvider(t *testing.T) {
	cases := []struct {
		name   string
		method provider.Method
		req    Request
	}{
		{"missing document", provider.MethodCard, Request{Method: provider.MethodCard, PIN: "1234"}},
		{"card without pin", provider.MethodCard, Request{Method: provider.MethodCard}},
		{"certificate without archive", provider.MethodCertificate, Request{Method: provider.MethodCertificate}},
		{"oauth without code", provider.MethodItsme, Request{Method: provider.MethodItsme}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			mock := &mockProvider{method: tc.method, available: true}
			orch := newTestOrchestrator(mock)

			req := tc.req
			if tc.name != "missing document" {
				req.Document = testPDF(t)
			}

			_, err := orch.Sign(context.Background(), &req)
			if signerr.KindOf(err) != signerr.KindValidation {
				t.Fatalf("kind = %v, want validation", signerr.KindOf(err))
			}
			if n := mock.beginCalls.Load(); n != 0 {
				t.Fatalf("Begin called %d times before validation passed", n)
			}
		})
	}
}

func TestSignUnknownMethod(t *testing.T) {
	orch := newTestOrchestrator()
	_, err := orch.Sign(context.Background(), &Request{Method: "fax", Document: testPDF(t)})
	if signerr.KindOf(err) != signerr.KindValidation {
		t.Fatalf("kind = %v, want validation", signerr.KindOf(err))
	}
}

func TestSignTerminalOnBegin(t *testing.T) {
	mock := &mockProvider{
		method:       provider.MethodCertificate,
		available:    true,
		beginOutcome: signedOutcome(t, "Alice Example"),
	}
	orch := newTestOrchestrator(mock)

	signed, err := orch.Sign(context.Background(), &Request{
		Method:      provider.MethodCertificate,
		Document:    testPDF(t),
		Certificate: []byte("fake-p12"),
		Reason:      "Approval",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !bytes.HasPrefix(signed.PDF, []byte("%PDF-")) {
		t.Fatal("result is not a PDF")
	}
	if len(signed.PDF) <= len(testPDF(t)) {
		t.Fatal("stamped document not larger than input")
	}
	if signed.Signer.CommonName != "Alice Example" {
		t.Fatalf("CommonName = %q", signed.Signer.CommonName)
	}
	if signed.Signer.NationalNumber != "85010112345" {
		t.Fatalf("NationalNumber = %q", signed.Signer.NationalNumber)
	}
	if signed.Certificate == nil {
		t.Fatal("certificate info not populated")
	}
	if !strings.Contains(string(signed.PDF), "Alice Example") {
		t.Fatal("stamp does not name the signer")
	}
	if n := mock.pollCalls.Load(); n != 0 {
		t.Fatalf("Poll called %d times for a terminal Begin", n)
	}
}

func TestSignPollsUntilSigned(t *testing.T) {
	mock := &mockProvider{
		method:       provider.MethodItsme,
		available:    true,
		beginOutcome: pendingOutcome(),
		policy:       fastPolicy(10),
		polls: []pollStep{
			{out: pendingOutcome()},
			{out: &provider.Outcome{Status: provider.StatusWaitingUser, Handle: &provider.Handle{RequestID: "req-1"}}},
			{out: signedOutcome(t, "Marie Dupont")},
		},
	}
	orch := newTestOrchestrator(mock)

	var observed []provider.Status
	signed, err := orch.Sign(context.Background(), &Request{
		Method:   provider.MethodItsme,
		Document: testPDF(t),
		AuthCode: "code",
		OnStatus: func(s provider.Status) { observed = append(observed, s) },
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.Signer.CommonName != "Marie Dupont" {
		t.Fatalf("CommonName = %q", signed.Signer.CommonName)
	}
	if n := mock.pollCalls.Load(); n != 3 {
		t.Fatalf("pollCalls = %d, want 3", n)
	}
	if len(observed) == 0 || observed[0] != provider.StatusPending {
		t.Fatalf("observed statuses = %v", observed)
	}
}

func TestSignTimesOutAfterBudget(t *testing.T) {
	mock := &mockProvider{
		method:       provider.MethodCSAM,
		available:    true,
		beginOutcome: pendingOutcome(),
		policy:       fastPolicy(3),
		polls:        []pollStep{{out: pendingOutcome()}},
	}
	orch := newTestOrchestrator(mock)

	signed, err := orch.Sign(context.Background(), &Request{
		Method:   provider.MethodCSAM,
		Document: testPDF(t),
		AuthCode: "code",
	})
	if signed != nil {
		t.Fatal("got a result from a timed-out request")
	}
	if signerr.KindOf(err) != signerr.KindTimeout {
		t.Fatalf("kind = %v, want timeout", signerr.KindOf(err))
	}
	if n := mock.pollCalls.Load(); n != 3 {
		t.Fatalf("pollCalls = %d, want 3", n)
	}
	if n := mock.cancelCalls.Load(); n != 1 {
		t.Fatalf("cancelCalls = %d, want 1", n)
	}
}

func TestSignPollErrorPropagates(t *testing.T) {
	mock := &mockProvider{
		method:       provider.MethodItsme,
		available:    true,
		beginOutcome: pendingOutcome(),
		policy:       fastPolicy(10),
		polls: []pollStep{
			{err: signerr.New(signerr.KindUserRejected, "the signer declined the request")},
		},
	}
	orch := newTestOrchestrator(mock)

	_, err := orch.Sign(context.Background(), &Request{
		Method:   provider.MethodItsme,
		Document: testPDF(t),
		AuthCode: "code",
	})
	if signerr.KindOf(err) != signerr.KindUserRejected {
		t.Fatalf("kind = %v, want user_rejected", signerr.KindOf(err))
	}
}

func TestSignFallsBackToCallerName(t *testing.T) {
	mock := &mockProvider{
		method:    provider.MethodCertificate,
		available: true,
		beginOutcome: &provider.Outcome{
			Status: provider.StatusSigned,
			Result: &provider.Result{
				Certificate:       []byte("not a certificate"),
				ProviderRequestID: "req-1",
			},
		},
	}
	orch := newTestOrchestrator(mock)

	signed, err := orch.Sign(context.Background(), &Request{
		Method:      provider.MethodCertificate,
		Document:    testPDF(t),
		Certificate: []byte("fake-p12"),
		SignerName:  "Fallback Name",
	})
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if signed.Signer.CommonName != "Fallback Name" {
		t.Fatalf("CommonName = %q", signed.Signer.CommonName)
	}
	if signed.Certificate != nil {
		t.Fatal("certificate info populated from unparseable certificate")
	}
}

func TestSignRejectsUnidentifiedSigner(t *testing.T) {
	mock := &mockProvider{
		method:    provider.MethodCertificate,
		available: true,
		beginOutcome: &provider.Outcome{
			Status: provider.StatusSigned,
			Result: &provider.Result{Certificate: []byte("garbage")},
		},
	}
	orch := newTestOrchestrator(mock)

	_, err := orch.Sign(context.Background(), &Request{
		Method:      provider.MethodCertificate,
		Document:    testPDF(t),
		Certificate: []byte("fake-p12"),
	})
	if signerr.KindOf(err) != signerr.KindCertificateParse {
		t.Fatalf("kind = %v, want certificate_parse_error", signerr.KindOf(err))
	}
}

func TestMethods(t *testing.T) {
	orch := newTestOrchestrator(
		&mockProvider{method: provider.MethodCertificate, available: true},
		&mockProvider{method: provider.MethodCard, available: false},
	)

	methods := orch.Methods(context.Background())
	if len(methods) != 2 {
		t.Fatalf("len = %d, want 2", len(methods))
	}
	if methods[0].ID != provider.MethodCertificate || !methods[0].RequiresPassword {
		t.Fatalf("first method = %+v", methods[0])
	}
	if methods[1].ID != provider.MethodCard {
		t.Fatalf("second method = %+v", methods[1])
	}
	if methods[1].Available {
		t.Fatal("card reported available while its middleware is down")
	}
	if !methods[1].RequiresPIN {
		t.Fatal("card method must require a PIN")
	}
}
