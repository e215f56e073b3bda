package whatsapp

import (
	"context"
	"testing"
)

func TestWithDBDSNOption(t *testing.T) {
	opts := &Opts{}

	testDSN := "/var/lib/orderpilot/test.db"
	WithDBDSN(testDSN)(opts)

	if opts.DBDSN != testDSN {
		t.Errorf("Expected DBDSN to be %q, got %q", testDSN, opts.DBDSN)
	}
}

func TestWithQRCodeOutputOption(t *testing.T) {
	opts := &Opts{}

	testPath := "/tmp/qr.txt"
	WithQRCodeOutput(testPath)(opts)

	if opts.QRPath != testPath {
		t.Errorf("Expected QRPath to be %q, got %q", testPath, opts.QRPath)
	}
}

func TestWithNumericCodeOption(t *testing.T) {
	opts := &Opts{}

	WithNumericCode()(opts)

	if !opts.NumericCode {
		t.Errorf("Expected NumericCode to be true, got false")
	}
}

func TestMockClientRecordsMessages(t *testing.T) {
	mock := NewMockClient()

	if err := mock.SendMessage(context.Background(), "5215512345678", "hola"); err != nil {
		t.Fatalf("MockClient.SendMessage returned error: %v", err)
	}

	if len(mock.Sent) != 1 {
		t.Fatalf("Expected 1 recorded message, got %d", len(mock.Sent))
	}
	if mock.Sent[0].To != "5215512345678" || mock.Sent[0].Body != "hola" {
		t.Errorf("Recorded message = %+v; want to=5215512345678 body=hola", mock.Sent[0])
	}
}
