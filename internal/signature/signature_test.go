package signature

import (
	"errors"
	"net/url"
	"testing"
)

func TestVerifyBody(t *testing.T) {
	v := New("test-secret")
	body := []byte(`{"event_type":"checkout.completed"}`)

	sig := v.SignBody(body)

	if err := v.VerifyBody(body, sig); err != nil {
		t.Fatalf("VerifyBody error: %v", err)
	}
}

func TestVerifyBody_AlteredByte(t *testing.T) {
	v := New("test-secret")
	body := []byte(`{"event_type":"checkout.completed"}`)

	sig := v.SignBody(body)

	altered := make([]byte, len(body))
	copy(altered, body)
	altered[0] ^= 0x01

	if err := v.VerifyBody(altered, sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyBody_WrongSecret(t *testing.T) {
	body := []byte(`payload`)

	sig := New("secret-a").SignBody(body)

	if err := New("secret-b").VerifyBody(body, sig); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyParams(t *testing.T) {
	v := New("test-secret")

	params := url.Values{}
	params.Set("checkout_id", "chk-1")
	params.Set("status", "completed")
	params.Set("sign", v.SignParams(params, "sign"))

	if err := v.VerifyParams(params, "sign"); err != nil {
		t.Fatalf("VerifyParams error: %v", err)
	}
}

func TestVerifyParams_OrderIndependent(t *testing.T) {
	v := New("test-secret")

	a := url.Values{}
	a.Set("b", "2")
	a.Set("a", "1")
	a.Set("c", "3")

	b := url.Values{}
	b.Set("c", "3")
	b.Set("a", "1")
	b.Set("b", "2")

	if v.SignParams(a, "sign") != v.SignParams(b, "sign") {
		t.Fatalf("signature must not depend on parameter order")
	}
}

func TestVerifyParams_TamperedValue(t *testing.T) {
	v := New("test-secret")

	params := url.Values{}
	params.Set("checkout_id", "chk-1")
	params.Set("status", "completed")
	params.Set("sign", v.SignParams(params, "sign"))

	params.Set("status", "refunded")

	if err := v.VerifyParams(params, "sign"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyParams_AppendedRepeatedValue(t *testing.T) {
	v := New("test-secret")

	params := url.Values{}
	params.Set("checkout_id", "chk-1")
	params.Set("status", "completed")
	params.Set("sign", v.SignParams(params, "sign"))

	// Второе значение подписанного ключа не должно проходить непокрытым.
	params.Add("status", "refunded")

	if err := v.VerifyParams(params, "sign"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}

func TestVerifyParams_MissingSignature(t *testing.T) {
	v := New("test-secret")

	params := url.Values{}
	params.Set("checkout_id", "chk-1")

	if err := v.VerifyParams(params, "sign"); !errors.Is(err, ErrSignatureMismatch) {
		t.Fatalf("expected ErrSignatureMismatch, got %v", err)
	}
}
