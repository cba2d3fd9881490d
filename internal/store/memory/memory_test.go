package memory

import (
	"testing"

	"github.com/JakeFAU/autoapply/internal/store/storetest"
)

func TestStoreBehaviour(t *testing.T) {
	t.Parallel()
	storetest.Run(t, New())
}
