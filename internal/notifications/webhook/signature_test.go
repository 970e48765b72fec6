package webhook

import (
	"strings"
	"testing"
)

func TestSignProducesPrefixedHex(t *testing.T) {
	sig := Sign([]byte(`{"event":"domain.created"}`), "whsec_1")
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("signature missing prefix: %s", sig)
	}
	if len(sig) != len("sha256=")+64 {
		t.Fatalf("signature has wrong length: %d", len(sig))
	}
}

func TestVerify(t *testing.T) {
	payload := []byte(`{"event":"alert.fired","delivery_id":"whd_1","data":{}}`)
	sig := Sign(payload, "whsec_1")

	if !Verify(payload, sig, "whsec_1") {
		t.Error("valid signature rejected")
	}
	if Verify(payload, sig, "whsec_other") {
		t.Error("signature accepted with wrong secret")
	}
	if Verify([]byte(`{"tampered":true}`), sig, "whsec_1") {
		t.Error("signature accepted for tampered payload")
	}
	if Verify(payload, "sha256=not-hex", "whsec_1") {
		t.Error("garbage signature accepted")
	}
}
