package keymat

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"
)

func makeKey(t *testing.T) *Key {
	t.Helper()
	material := make([]byte, KeySize)
	for i := range material {
		material[i] = byte(i)
	}
	k := &Key{}
	if err := k.Write(material); err != nil {
		t.Fatal(err)
	}
	return k
}

func TestSliceSelectsDistinctSlots(t *testing.T) {
	k := makeKey(t)
	slots := [][]byte{
		k.Slice(Cipher | Encrypt),
		k.Slice(HMAC | Encrypt),
		k.Slice(Cipher | Decrypt),
		k.Slice(HMAC | Decrypt),
	}
	for i, a := range slots {
		if len(a) != 64 {
			t.Fatalf("slot %d has size %d", i, len(a))
		}
		for j, b := range slots {
			if i != j && bytes.Equal(a, b) {
				t.Fatalf("slots %d and %d alias", i, j)
			}
		}
	}
}

func TestInverseSwapsDirections(t *testing.T) {
	k := makeKey(t)
	if !bytes.Equal(k.Slice(Cipher|Encrypt|Inverse), k.Slice(Cipher|Decrypt)) {
		t.Fatal("inverse cipher-encrypt must equal normal cipher-decrypt")
	}
	if !bytes.Equal(k.Slice(HMAC|Decrypt|Inverse), k.Slice(HMAC|Encrypt)) {
		t.Fatal("inverse hmac-decrypt must equal normal hmac-encrypt")
	}
}

func TestWipe(t *testing.T) {
	k := makeKey(t)
	k.Wipe()
	for _, b := range k.Slice(HMAC | Decrypt) {
		if b != 0 {
			t.Fatal("key material not wiped")
		}
	}
}

func TestParseStaticKey(t *testing.T) {
	raw := make([]byte, KeySize)
	for i := range raw {
		raw[i] = byte(255 - i)
	}
	var text strings.Builder
	text.WriteString("#\n# 2048 bit OpenVPN static key\n#\n")
	text.WriteString("-----BEGIN OpenVPN Static key V1-----\n")
	enc := hex.EncodeToString(raw)
	for i := 0; i < len(enc); i += 32 {
		text.WriteString(enc[i:i+32] + "\n")
	}
	text.WriteString("-----END OpenVPN Static key V1-----\n")

	key, err := ParseStaticKey(text.String())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(key.Slice(Cipher|Encrypt), raw[:64]) {
		t.Fatal("parsed key does not match input")
	}
}

func TestParseStaticKeyErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
	}{
		{"missing delimiters", "deadbeef"},
		{"bad hex", "-----BEGIN OpenVPN Static key V1-----\nzz\n-----END OpenVPN Static key V1-----"},
		{"short key", "-----BEGIN OpenVPN Static key V1-----\nabcd\n-----END OpenVPN Static key V1-----"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseStaticKey(tt.text); err == nil {
				t.Fatal("expected a parse error")
			}
		})
	}
}
