// Package validation provides input validation for the escrow API surface.
package validation

import (
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbeaumont/escrowd/internal/escrowerr"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20 // 1MB

// Mainnet standard addresses start with 4, subaddresses with 8.
// Both are 95 base58 characters.
const addressLength = 95

var addressRegex = regexp.MustCompile(`^[48][1-9A-HJ-NP-Za-km-z]{94}$`)

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// IsValidAddress checks if a string is a plausible destination address.
func IsValidAddress(addr string) bool {
	return len(addr) == addressLength && addressRegex.MatchString(addr)
}

// CheckAddress returns a ValidationError-wrapped error for a bad address.
func CheckAddress(addr string) error {
	if !IsValidAddress(addr) {
		return fmt.Errorf("%w: destination must be a %d-char address starting with 4 or 8", escrowerr.ErrValidation, addressLength)
	}
	return nil
}

// CheckRPCURL validates a client-supplied wallet-RPC URL. Only http(s)
// with an explicit host is accepted; anything else is malformed input,
// not a transport failure.
func CheckRPCURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%w: malformed RPC URL: %v", escrowerr.ErrValidation, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: RPC URL scheme must be http or https (got %q)", escrowerr.ErrValidation, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: RPC URL missing host", escrowerr.ErrValidation)
	}
	return nil
}

// SanitizeString removes dangerous characters and limits length
func SanitizeString(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	s = strings.ReplaceAll(s, "\x00", "")
	return s
}

// Multisig key-exchange blobs produced by the wallet-RPC are opaque but
// have a known envelope; reject anything that cannot be one.
const (
	multisigInfoPrefix = "MultisigV1"
	MinMultisigInfoLen = 100
	MaxMultisigInfoLen = 5000
)

// CheckMultisigInfo validates a multisig key-exchange blob envelope.
func CheckMultisigInfo(info string) error {
	if len(info) < MinMultisigInfoLen {
		return fmt.Errorf("%w: multisig info too short (min %d chars)", escrowerr.ErrValidation, MinMultisigInfoLen)
	}
	if len(info) > MaxMultisigInfoLen {
		return fmt.Errorf("%w: multisig info too long (max %d chars)", escrowerr.ErrValidation, MaxMultisigInfoLen)
	}
	if !strings.HasPrefix(info, multisigInfoPrefix) {
		return fmt.Errorf("%w: multisig info missing %s envelope", escrowerr.ErrValidation, multisigInfoPrefix)
	}
	return nil
}
