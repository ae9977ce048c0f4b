package replicate_test

import (
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

func TestReplicate(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Replicate Suite")
}
