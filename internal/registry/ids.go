package registry

import (
	"fmt"
	"strings"
	"time"

	"go.jetify.com/typeid"
)

var generateTypeID = func(prefix string) (string, error) {
	id, err := typeid.WithPrefix(prefix)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// NewSandboxID mints a fresh sandbox identifier.
func NewSandboxID() string {
	id, err := generateTypeID("sbx")
	if err == nil && strings.TrimSpace(id) != "" {
		return id
	}

	return fmt.Sprintf("sbx-%d", time.Now().UTC().UnixNano())
}
