// Package e2e drives the assembled Hub (dispatcher + session manager +
// spawn controller + a real refproxy instance) over actual HTTP, the way
// the teacher's tests/e2e suite drives its assembled server. Unlike the
// teacher's suite, which talks to an already-running deployment over
// E2E_BASE_URL, everything here is wired up in-process per spec so the
// suite needs nothing beyond `go test`.
package e2e

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

func TestE2E(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Hub E2E Suite")
}
