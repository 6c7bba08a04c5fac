// Package signature содержит проверку подписей событий платёжного провайдера.
// Событие с неверной подписью считается недоверенным: вызывающий код не должен
// применять никаких изменений состояния.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrSignatureMismatch возвращается, если подпись не совпадает с вычисленной.
var ErrSignatureMismatch = errors.New("signature mismatch")

// Verifier проверяет HMAC-SHA256 подписи по общему секрету.
type Verifier struct {
	secret []byte
}

// New создаёт Verifier с указанным секретным ключом.
func New(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// SignBody вычисляет подпись сырого тела запроса в hex-кодировке.
func (v *Verifier) SignBody(body []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyBody сверяет подпись сырого тела запроса. Сравнение выполняется
// за постоянное время.
func (v *Verifier) VerifyBody(body []byte, provided string) error {
	expected := v.SignBody(body)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return ErrSignatureMismatch
	}
	return nil
}

// SignParams вычисляет подпись набора query-параметров. Ключи сортируются,
// параметр с именем sigField в подпись не входит. Повторяющиеся ключи входят
// в подпись со всеми значениями: непокрытых подписью значений не остаётся.
func (v *Verifier) SignParams(params url.Values, sigField string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		if k == sigField {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	first := true
	for _, k := range keys {
		for _, val := range params[k] {
			if !first {
				b.WriteByte('&')
			}
			first = false
			b.WriteString(k)
			b.WriteByte('=')
			b.WriteString(val)
		}
	}

	return v.SignBody([]byte(b.String()))
}

// VerifyParams сверяет подпись query-параметров, переданную в параметре sigField.
func (v *Verifier) VerifyParams(params url.Values, sigField string) error {
	provided := params.Get(sigField)
	if provided == "" {
		return ErrSignatureMismatch
	}

	expected := v.SignParams(params, sigField)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(provided))) {
		return ErrSignatureMismatch
	}
	return nil
}
