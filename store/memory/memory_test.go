package memory_test

import (
	"testing"

	cl "github.com/ineyio/creditledger"
	"github.com/ineyio/creditledger/store/memory"
	"github.com/ineyio/creditledger/store/storetest"
)

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) cl.LedgerStore {
		return memory.New()
	})
}
