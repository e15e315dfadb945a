package wallet

import (
	"strings"
	"testing"
)

func TestAddressRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	addr := kp.Address()
	if len(addr) != addressLen {
		t.Fatalf("address length = %d, want %d", len(addr), addressLen)
	}

	pub, err := PublicKeyFromAddress(addr)
	if err != nil {
		t.Fatalf("PublicKeyFromAddress: %v", err)
	}
	if AddressFromPublicKey(pub) != addr {
		t.Error("recovered public key does not re-encode to the same address")
	}
}

func TestFromHexRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	restored, err := FromHex(kp.Hex())
	if err != nil {
		t.Fatalf("FromHex: %v", err)
	}
	if restored.Address() != kp.Address() {
		t.Errorf("restored address = %q, want %q", restored.Address(), kp.Address())
	}
}

func TestFromHexRejectsGarbage(t *testing.T) {
	for _, in := range []string{"", "zz", "00", strings.Repeat("ff", 64)} {
		if _, err := FromHex(in); err == nil {
			t.Errorf("FromHex(%q) accepted invalid scalar", in)
		}
	}
}

func TestSignAndVerifyDigest(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	digest := "7f83b1657ff1fc53b92dc18148a1d65dfc2d4b1fa3d677284addd200126d9069"
	sig, err := kp.SignDigest(digest)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}
	if !strings.Contains(sig, ",") {
		t.Fatalf("signature %q is not an r,s pair", sig)
	}

	if err := VerifyDigest(kp.Address(), digest, sig); err != nil {
		t.Fatalf("VerifyDigest: %v", err)
	}
}

func TestVerifyDigestRejectsWrongSigner(t *testing.T) {
	kp, _ := Generate()
	other, _ := Generate()

	digest := "deadbeef"
	sig, err := kp.SignDigest(digest)
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}

	if err := VerifyDigest(other.Address(), digest, sig); err == nil {
		t.Fatal("expected verification failure for wrong signer, got nil")
	}
}

func TestVerifyDigestRejectsAlteredDigest(t *testing.T) {
	kp, _ := Generate()

	sig, err := kp.SignDigest("original")
	if err != nil {
		t.Fatalf("SignDigest: %v", err)
	}

	if err := VerifyDigest(kp.Address(), "tampered", sig); err == nil {
		t.Fatal("expected verification failure for altered digest, got nil")
	}
}

func TestVerifyDigestRejectsMalformedSignature(t *testing.T) {
	kp, _ := Generate()

	for _, sig := range []string{"", "123", "a,b", "1;2"} {
		if err := VerifyDigest(kp.Address(), "x", sig); err == nil {
			t.Errorf("signature %q accepted", sig)
		}
	}
}

func TestIsValidAddress(t *testing.T) {
	kp, _ := Generate()

	if !IsValidAddress(kp.Address()) {
		t.Error("valid address reported invalid")
	}
	if IsValidAddress("not-an-address") {
		t.Error("garbage address reported valid")
	}
	if IsValidAddress(strings.Repeat("00", 33)) {
		t.Error("off-curve address reported valid")
	}
}
