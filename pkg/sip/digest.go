package sip

import (
	"fmt"

	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// Credentials учетные данные линии для digest аутентификации
type Credentials struct {
	Username string
	Password string
}

// challengeHeaders имена заголовков вызова и ответа для 401 и 407
func challengeHeaders(statusCode int) (challenge, authorization string) {
	if statusCode == 407 {
		return "Proxy-Authenticate", "Proxy-Authorization"
	}
	return "WWW-Authenticate", "Authorization"
}

// parseChallenge извлекает digest вызов из ответа 401/407
func parseChallenge(res *sip.Response) (*digest.Challenge, error) {
	name, _ := challengeHeaders(int(res.StatusCode))
	value := headerValue(res, name)
	if value == "" {
		return nil, fmt.Errorf("%w: в ответе %d нет %s", ErrMalformedMessage, int(res.StatusCode), name)
	}

	chal, err := digest.ParseChallenge(value)
	if err != nil {
		return nil, fmt.Errorf("некорректный вызов %q: %w", value, err)
	}
	if !digest.CanDigest(chal) {
		return nil, fmt.Errorf("неподдерживаемый алгоритм %q или qop %v", chal.Algorithm, chal.QOP)
	}
	return chal, nil
}

// computeCredentials вычисляет ответ на вызов для метода и URI запроса.
// Без qop: response = H(H(user:realm:pass):nonce:H(method:uri)).
func computeCredentials(chal *digest.Challenge, method, uri string, creds Credentials) (*digest.Credentials, error) {
	cred, err := digest.Digest(chal, digest.Options{
		Method:   method,
		URI:      uri,
		Username: creds.Username,
		Password: creds.Password,
		Count:    1,
	})
	if err != nil {
		return nil, fmt.Errorf("ошибка вычисления digest: %w", err)
	}
	return cred, nil
}

// authorize добавляет в запрос заголовок авторизации по ответу с
// вызовом. Запрос должен быть новым экземпляром с новым branch и CSeq.
func authorize(req *sip.Request, res *sip.Response, creds Credentials) (*digest.Challenge, error) {
	chal, err := parseChallenge(res)
	if err != nil {
		return nil, err
	}

	cred, err := computeCredentials(chal, string(req.Method), req.Recipient.String(), creds)
	if err != nil {
		return nil, err
	}

	_, header := challengeHeaders(int(res.StatusCode))
	req.AppendHeader(sip.NewHeader(header, cred.String()))
	return chal, nil
}
