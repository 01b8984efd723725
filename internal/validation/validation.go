// Package validation provides address normalization and input validation
// middleware for the wallet-guard API.
package validation

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

// MaxRequestSize is the maximum request body size (1MB)
const MaxRequestSize = 1 << 20

// MaxWhitelistSize caps the number of spenders accepted in a single replace.
const MaxWhitelistSize = 1000

// ErrInvalidAddress is returned for anything that is not a 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid address")

// NormalizeAddress returns the canonical lowercase 0x-prefixed form of addr.
// Every map key and comparison in the service goes through this function.
func NormalizeAddress(addr string) (string, error) {
	addr = strings.TrimSpace(addr)
	if !strings.HasPrefix(addr, "0x") && !strings.HasPrefix(addr, "0X") && len(addr) == 40 {
		addr = "0x" + addr
	}
	if !common.IsHexAddress(addr) {
		return "", ErrInvalidAddress
	}
	return strings.ToLower(common.HexToAddress(addr).Hex()), nil
}

// RequestSizeMiddleware limits request body size
func RequestSizeMiddleware(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// AddressParamMiddleware validates the named URL parameters and replaces them
// with their normalized form so handlers only ever see canonical addresses.
func AddressParamMiddleware(params ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, name := range params {
			raw := c.Param(name)
			if raw == "" {
				continue
			}
			norm, err := NormalizeAddress(raw)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
					"error":   "invalid_address",
					"message": name + " must be a valid address (0x + 40 hex chars)",
				})
				return
			}
			for i := range c.Params {
				if c.Params[i].Key == name {
					c.Params[i].Value = norm
				}
			}
		}
		c.Next()
	}
}
