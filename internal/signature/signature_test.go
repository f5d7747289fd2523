package signature

import (
	"strings"
	"testing"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	payloads := [][]byte{
		[]byte(`{"task_id":"t-1","success":true}`),
		[]byte(""),
		[]byte("plain text body"),
		{0x00, 0xff, 0x10},
	}
	for _, p := range payloads {
		sig := Sign(p, "s3cret")
		if !strings.HasPrefix(sig, Prefix) {
			t.Fatalf("signature missing prefix: %s", sig)
		}
		if !Verify(p, sig, "s3cret") {
			t.Fatalf("round trip failed for %q", p)
		}
	}
}

func TestVerifyRejectsTamperedPayload(t *testing.T) {
	payload := []byte(`{"task_id":"t-1","success":true}`)
	sig := Sign(payload, "s3cret")
	for i := range payload {
		tampered := append([]byte(nil), payload...)
		tampered[i] ^= 0x01
		if Verify(tampered, sig, "s3cret") {
			t.Fatalf("verify accepted payload with byte %d flipped", i)
		}
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	payload := []byte("hello")
	sig := Sign(payload, "s3cret")
	hexPart := strings.TrimPrefix(sig, Prefix)
	for i := 0; i < len(hexPart); i++ {
		b := []byte(hexPart)
		if b[i] == 'f' {
			b[i] = '0'
		} else {
			b[i] = 'f'
		}
		if Verify(payload, Prefix+string(b), "s3cret") {
			t.Fatalf("verify accepted signature with hex char %d altered", i)
		}
	}
}

func TestVerifyRejectsWrongSecret(t *testing.T) {
	payload := []byte("hello")
	sig := Sign(payload, "secret-one")
	if Verify(payload, sig, "secret-two") {
		t.Fatal("signature under one secret verified against another")
	}
}

func TestVerifyRejectsMalformedHeader(t *testing.T) {
	payload := []byte("hello")
	cases := []string{
		"",
		"sha256=",
		"sha256=zz",
		"sha1=deadbeef",
		strings.TrimPrefix(Sign(payload, "s3cret"), Prefix), // missing prefix
	}
	for _, header := range cases {
		if Verify(payload, header, "s3cret") {
			t.Fatalf("malformed header %q verified", header)
		}
	}
}
