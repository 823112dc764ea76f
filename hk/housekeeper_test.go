package hk_test

import (
	"time"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/zerocopy-ipc/shmipc/hk"
)

var _ = Describe("Housekeeper", func() {
	It("runs a one-shot job once", func() {
		done := make(chan struct{})
		hk.DefaultHK.Reg("one-shot", func() time.Duration {
			close(done)
			return 0
		}, time.Millisecond)

		Eventually(done, time.Second).Should(BeClosed())
	})

	It("re-runs a recurring job until it self-cancels", func() {
		var calls int
		stop := make(chan struct{})
		hk.DefaultHK.Reg("recurring", func() time.Duration {
			calls++
			if calls >= 3 {
				close(stop)
				return 0
			}
			return time.Millisecond
		}, time.Millisecond)

		Eventually(stop, time.Second).Should(BeClosed())
		Expect(calls).To(Equal(3))
	})

	It("Unreg prevents a pending job from firing", func() {
		fired := false
		hk.DefaultHK.Reg("cancel-me", func() time.Duration {
			fired = true
			return 0
		}, 50*time.Millisecond)
		hk.DefaultHK.Unreg("cancel-me")

		Consistently(func() bool { return fired }, 150*time.Millisecond).Should(BeFalse())
	})
})
