package vault

import (
	"bytes"
	"testing"
)

func TestEncryptDecrypt(t *testing.T) {
	v := New("correct horse battery staple")

	plaintext := []byte("api-key-12345")
	ciphertext, nonce, err := v.Encrypt(plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext equals plaintext")
	}

	decrypted, err := v.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("roundtrip mismatch: %q", decrypted)
	}
}

func TestSamePassphraseSameKey(t *testing.T) {
	v1 := New("passphrase")
	v2 := New("passphrase")

	ciphertext, nonce, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	decrypted, err := v2.Decrypt(ciphertext, nonce)
	if err != nil {
		t.Fatalf("second vault with same passphrase failed to decrypt: %v", err)
	}
	if string(decrypted) != "secret" {
		t.Errorf("unexpected plaintext: %q", decrypted)
	}
}

func TestWrongPassphraseFails(t *testing.T) {
	v1 := New("right")
	v2 := New("wrong")

	ciphertext, nonce, err := v1.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v2.Decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected decrypt with wrong passphrase to fail")
	}
}

func TestTamperedCiphertextFails(t *testing.T) {
	v := New("passphrase")

	ciphertext, nonce, err := v.Encrypt([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	ciphertext[0] ^= 0xff
	if _, err := v.Decrypt(ciphertext, nonce); err == nil {
		t.Fatal("expected tampered ciphertext to fail authentication")
	}
}
