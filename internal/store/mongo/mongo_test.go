package mongo

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/joss/scribe/internal/store"
	"github.com/joss/scribe/internal/store/storetest"
)

// Runs only against a live server, e.g.
// SCRIBE_TEST_MONGO_URI=mongodb://localhost:27017 go test ./internal/store/mongo
func TestMongoContract(t *testing.T) {
	uri := os.Getenv("SCRIBE_TEST_MONGO_URI")
	if uri == "" {
		t.Skip("SCRIBE_TEST_MONGO_URI not set")
	}

	n := 0
	storetest.Run(t, func(t *testing.T) store.Store {
		n++
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		name := fmt.Sprintf("scribe_test_%d_%d", time.Now().UnixNano(), n)
		s, err := Connect(ctx, uri, name)
		require.NoError(t, err)
		t.Cleanup(func() {
			s.db.Drop(context.Background())
			s.Close()
		})
		return s
	})
}

func TestConnectRequiresURI(t *testing.T) {
	_, err := Connect(context.Background(), "", "scribe")
	require.Error(t, err)
}
