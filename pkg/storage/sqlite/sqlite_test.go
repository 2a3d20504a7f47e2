package sqlite_test

import (
	"context"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/storage"
	"github.com/papercomputeco/cortex/pkg/storage/sqlite"
	"github.com/papercomputeco/cortex/pkg/storage/storagetest"
)

var _ = Describe("Driver", func() {
	Context("file database", func() {
		storagetest.DriverConformance(func() storage.Driver {
			d, err := sqlite.NewDriver(context.Background(), filepath.Join(GinkgoT().TempDir(), "cortex.db"), nil)
			Expect(err).NotTo(HaveOccurred())
			return d
		})
	})

	Context("in-memory database", func() {
		storagetest.DriverConformance(func() storage.Driver {
			d, err := sqlite.NewDriver(context.Background(), ":memory:", nil)
			Expect(err).NotTo(HaveOccurred())
			return d
		})
	})

	It("creates the database file and reopens it with data intact", func() {
		ctx := context.Background()
		dbPath := filepath.Join(GinkgoT().TempDir(), "cortex.db")

		d, err := sqlite.NewDriver(ctx, dbPath, nil)
		Expect(err).NotTo(HaveOccurred())
		Expect(d.Put(ctx, storagetest.NewMemory("mem_a", "persisted", 0))).To(Succeed())
		Expect(d.Close()).To(Succeed())

		_, err = os.Stat(dbPath)
		Expect(err).NotTo(HaveOccurred())

		d, err = sqlite.NewDriver(ctx, dbPath, nil)
		Expect(err).NotTo(HaveOccurred())
		defer d.Close()

		m, err := d.Get(ctx, "mem_a")
		Expect(err).NotTo(HaveOccurred())
		Expect(m.Text).To(Equal("persisted"))
	})
})
