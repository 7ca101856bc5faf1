package cryptoutil

import (
	"encoding/base64"
	"testing"
)

func TestNewEncryptor(t *testing.T) {
	t.Run("valid 32-byte key", func(t *testing.T) {
		key := make([]byte, 32)
		base64Key := base64.StdEncoding.EncodeToString(key)

		encryptor, err := NewEncryptor(base64Key)
		if err != nil {
			t.Fatalf("expected no error, got %v", err)
		}
		if encryptor == nil {
			t.Fatal("expected encryptor, got nil")
		}
	})

	t.Run("invalid base64", func(t *testing.T) {
		if _, err := NewEncryptor("not-valid-base64!!!"); err == nil {
			t.Fatal("expected error for invalid base64, got nil")
		}
	})

	t.Run("wrong key length", func(t *testing.T) {
		key := make([]byte, 16)
		base64Key := base64.StdEncoding.EncodeToString(key)

		if _, err := NewEncryptor(base64Key); err == nil {
			t.Fatal("expected error for wrong key length, got nil")
		}
	})
}

func TestEncryptDecrypt(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i)
	}
	base64Key := base64.StdEncoding.EncodeToString(key)

	encryptor, err := NewEncryptor(base64Key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	testCases := []struct {
		name      string
		plaintext string
	}{
		{"simple password", "mypassword123"},
		{"complex password", "P@ssw0rd!#$%^&*()"},
		{"empty string", ""},
		{"unicode", "пароль密码🔐"},
		{"long text", "This is a very long credential string used to test encryption of longer values"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ciphertext, err := encryptor.Encrypt(tc.plaintext)
			if err != nil {
				t.Fatalf("encrypt failed: %v", err)
			}
			if len(ciphertext) == 0 {
				t.Fatal("expected non-empty ciphertext")
			}

			decrypted, err := encryptor.Decrypt(ciphertext)
			if err != nil {
				t.Fatalf("decrypt failed: %v", err)
			}
			if decrypted != tc.plaintext {
				t.Errorf("expected %q, got %q", tc.plaintext, decrypted)
			}
		})
	}
}

func TestEncryptProducesDifferentCiphertext(t *testing.T) {
	key := make([]byte, 32)
	base64Key := base64.StdEncoding.EncodeToString(key)

	encryptor, err := NewEncryptor(base64Key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	plaintext := "same credential"
	ciphertext1, _ := encryptor.Encrypt(plaintext)
	ciphertext2, _ := encryptor.Encrypt(plaintext)

	if string(ciphertext1) == string(ciphertext2) {
		t.Error("expected different ciphertexts for same plaintext (nonce should differ)")
	}

	decrypted1, _ := encryptor.Decrypt(ciphertext1)
	decrypted2, _ := encryptor.Decrypt(ciphertext2)
	if decrypted1 != plaintext || decrypted2 != plaintext {
		t.Error("both ciphertexts should decrypt to the same plaintext")
	}
}

func TestDecryptInvalidCiphertext(t *testing.T) {
	key := make([]byte, 32)
	base64Key := base64.StdEncoding.EncodeToString(key)

	encryptor, err := NewEncryptor(base64Key)
	if err != nil {
		t.Fatalf("failed to create encryptor: %v", err)
	}

	t.Run("too short", func(t *testing.T) {
		if _, err := encryptor.Decrypt([]byte("short")); err == nil {
			t.Error("expected error for too short ciphertext, got nil")
		}
	})

	t.Run("corrupted data", func(t *testing.T) {
		ciphertext, _ := encryptor.Encrypt("test")
		ciphertext[len(ciphertext)-1] ^= 0xFF

		if _, err := encryptor.Decrypt(ciphertext); err == nil {
			t.Error("expected error for corrupted ciphertext, got nil")
		}
	})
}
