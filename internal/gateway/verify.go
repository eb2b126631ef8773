package gateway

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/cexll/fixbot/internal/job"
)

const signaturePrefix = "sha256="

// gitcodeSignatureHeaders are tried in order; GitCode deployments differ in
// which one they send.
var gitcodeSignatureHeaders = []string{
	"X-GitCode-Token",
	"X-GitCode-Signature",
	"X-GitCode-Sign",
	"X-Signature",
	"X-GitCode-Webhook-Signature",
}

// VerifySignature verifies an HMAC SHA-256 webhook signature using
// constant-time comparison. The "sha256=" prefix is optional.
func VerifySignature(payload []byte, signature, secret string) bool {
	receivedHash := strings.TrimPrefix(strings.TrimSpace(signature), signaturePrefix)
	if receivedHash == "" || secret == "" {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expectedHash := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(strings.ToLower(receivedHash)), []byte(expectedHash))
}

// Sign returns the "sha256=<hex>" signature of payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return signaturePrefix + hex.EncodeToString(mac.Sum(nil))
}

// signatureHeader returns the signature sent for the platform, or "".
func signatureHeader(p job.Platform, h http.Header) string {
	if p == job.PlatformGitCode {
		for _, name := range gitcodeSignatureHeaders {
			if v := h.Get(name); v != "" {
				return v
			}
		}
		return ""
	}
	return h.Get("X-Hub-Signature-256")
}

// eventType prefers the platform's own header and falls back to the other.
func eventType(p job.Platform, h http.Header) string {
	github, gitcode := h.Get("X-GitHub-Event"), h.Get("X-GitCode-Event")
	if p == job.PlatformGitCode {
		if gitcode != "" {
			return gitcode
		}
		return github
	}
	if github != "" {
		return github
	}
	return gitcode
}

func deliveryID(h http.Header) string {
	if v := h.Get("X-GitHub-Delivery"); v != "" {
		return v
	}
	return h.Get("X-GitCode-Delivery")
}
