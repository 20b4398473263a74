// Package channel maps tenants to transport channel names.
//
// The tenant part is query-escaped, which is injective and never yields a
// ':' byte, so a tenant ID can not forge another tenant's channel.
package channel

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
)

const tenantPrefix = "tenant:"

var (
	ErrTenantRequired = errors.New("tenant id is required")
	ErrInvalidChannel = errors.New("invalid channel name")
)

// For returns the channel carrying every event of tenantID.
func For(tenantID string) (string, error) {
	if strings.TrimSpace(tenantID) == "" {
		return "", ErrTenantRequired
	}
	return tenantPrefix + url.QueryEscape(tenantID), nil
}

// Parse is the inverse of For.
func Parse(name string) (string, error) {
	escaped, ok := strings.CutPrefix(name, tenantPrefix)
	if !ok || escaped == "" || strings.Contains(escaped, ":") {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, name)
	}
	tenantID, err := url.QueryUnescape(escaped)
	if err != nil {
		return "", fmt.Errorf("%w: %q: %v", ErrInvalidChannel, name, err)
	}
	return tenantID, nil
}
