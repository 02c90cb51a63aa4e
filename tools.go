//go:build tools
// +build tools

// Package tools pins the linters and the ginkgo runner used by CI, so
// `go run github.com/onsi/ginkgo/ginkgo ./...` resolves to the version in
// go.mod.
package tools

import (
	_ "github.com/golangci/golangci-lint/cmd/golangci-lint"
	_ "github.com/onsi/ginkgo/ginkgo"
)
