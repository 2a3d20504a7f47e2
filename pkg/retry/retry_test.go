package retry_test

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/papercomputeco/cortex/pkg/retry"
)

var fast = retry.Policy{Attempts: 3, Initial: time.Millisecond, Max: 2 * time.Millisecond}

var _ = Describe("Do", func() {
	var (
		ctx   context.Context
		calls int
		flaky = errors.New("flaky")
	)

	BeforeEach(func() {
		ctx = context.Background()
		calls = 0
	})

	It("returns once fn succeeds", func() {
		err := retry.Do(ctx, fast, func(context.Context) error {
			calls++
			if calls < 2 {
				return flaky
			}
			return nil
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(calls).To(Equal(2))
	})

	It("stops after the configured attempts", func() {
		err := retry.Do(ctx, fast, func(context.Context) error {
			calls++
			return flaky
		})

		var exhausted *retry.ExhaustedError
		Expect(errors.As(err, &exhausted)).To(BeTrue())
		Expect(exhausted.Attempts).To(Equal(3))
		Expect(err).To(MatchError(flaky))
		Expect(calls).To(Equal(3))
	})

	It("does not retry permanent errors", func() {
		err := retry.Do(ctx, fast, func(context.Context) error {
			calls++
			return retry.Permanent(flaky)
		})
		Expect(err).To(Equal(flaky))
		Expect(calls).To(Equal(1))
	})

	It("makes a single attempt with the zero policy", func() {
		_ = retry.Do(ctx, retry.Policy{}, func(context.Context) error {
			calls++
			return flaky
		})
		Expect(calls).To(Equal(1))
	})

	It("stops waiting when the context ends", func() {
		cctx, cancel := context.WithCancel(ctx)
		err := retry.Do(cctx, retry.Policy{Attempts: 5, Initial: time.Hour}, func(context.Context) error {
			calls++
			cancel()
			return flaky
		})
		Expect(err).To(MatchError(context.Canceled))
		Expect(calls).To(Equal(1))
	})
})
