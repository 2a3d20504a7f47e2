package postgres_test

import (
	"context"
	"os"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/storage/postgres"
	"github.com/papercomputeco/cortex/pkg/storage/storagetest"
)

// connStr returns the PostgreSQL connection string from environment or skips the test.
func connStr() string {
	dsn := os.Getenv("CORTEX_TEST_POSTGRES_DSN")
	if dsn == "" {
		Skip("CORTEX_TEST_POSTGRES_DSN not set, skipping PostgreSQL tests")
	}
	return dsn
}

var _ = Describe("Driver", func() {
	storagetest.DriverConformance(func() storage.Driver {
		ctx := context.Background()
		d, err := postgres.NewDriver(ctx, connStr(), nil)
		Expect(err).NotTo(HaveOccurred())

		// Clean all tables before each test for isolation.
		_, err = d.DB().ExecContext(ctx, `TRUNCATE memories, memory_versions, queries, attributions,
			contradictions, provenance_nodes, provenance_edges, deletion_requests, certificates`)
		Expect(err).NotTo(HaveOccurred())
		return d
	})
})
