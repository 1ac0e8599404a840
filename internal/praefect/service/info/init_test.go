package info

import (
	"testing"

	"gitlab.com/gitlab-org/gitaly-cluster/internal/testhelper"
)

func TestMain(m *testing.M) {
	testhelper.Run(m)
}
