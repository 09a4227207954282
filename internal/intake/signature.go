package intake

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"pipeline-backend/internal/pipeline"
)

const defaultSignatureHeader = "X-Intake-Signature"

// SignatureHeader names the header carrying the body signature for source.
func SignatureHeader(source string) string {
	switch source {
	case pipeline.SourceTypeform:
		return "Typeform-Signature"
	case pipeline.SourceSurveyMonkey:
		return "SurveyMonkey-Signature"
	default:
		return defaultSignatureHeader
	}
}

// Sign returns the hex HMAC-SHA256 of body under secret.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a hex HMAC-SHA256 signature, with or without a
// "sha256=" prefix, in constant time.
func VerifySignature(secret string, body []byte, signature string) bool {
	if secret == "" {
		return false
	}
	signature = strings.TrimSpace(signature)
	signature = strings.TrimPrefix(signature, "sha256=")
	got, err := hex.DecodeString(signature)
	if err != nil || len(got) == 0 {
		return false
	}
	want, _ := hex.DecodeString(Sign(secret, body))
	return hmac.Equal(got, want)
}
