package deque

import (
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

type element struct {
	val  int
	slot Slot[element]
}

var _ = Describe("Slot", func() {
	var (
		d *Deque[element]
		e *element
	)
	BeforeEach(func() {
		d = New[element]()
		e = &element{val: 1}
	})

	It("empty slot claim returns nil", func() {
		prev, ok := e.slot.Claim()
		Expect(ok).To(BeTrue())
		Expect(prev).To(BeNil())
		Expect(e.slot.Claimed()).To(BeTrue())
		Expect(e.slot.Load()).To(BeNil())
	})

	It("claimed slot claim is skipped", func() {
		e.slot.Claim()
		_, ok := e.slot.Claim()
		Expect(ok).To(BeFalse())
	})

	It("set after clear fails", func() {
		e.slot.Claim()
		Expect(e.slot.Clear()).To(BeNil())
		t := d.OfferLast(e)
		Expect(e.slot.Set(t)).To(BeFalse())
	})

	It("failed bump leaves slot empty", func() {
		queued := &element{val: 2}
		Bump(d, &queued.slot, queued)
		before := d.Len()
		Bump(d, &e.slot, (*element)(nil))
		Expect(e.slot.Claimed()).To(BeFalse())
		Expect(e.slot.Load()).To(BeNil())
		Expect(d.Len()).To(Equal(before))

		Bump(d, &e.slot, e)
		Expect(e.slot.Load()).NotTo(BeNil())
		Expect(e.slot.Load().Alive()).To(BeTrue())
		Expect(d.Len()).To(Equal(before + 1))
	})

	Context("bumped", func() {
		BeforeEach(func() {
			Bump(d, &e.slot, e)
		})

		It("queued", func() {
			Expect(e.slot.Load()).NotTo(BeNil())
			Expect(e.slot.Load().Alive()).To(BeTrue())
			Expect(d.Len()).To(Equal(1))
		})

		It("moves to tail on bump", func() {
			other := &element{val: 2}
			Bump(d, &other.slot, other)
			Bump(d, &e.slot, e)
			Expect(d.Len()).To(Equal(2))
			Expect(d.PollFirst()).To(BeIdenticalTo(other))
			Expect(d.PollFirst()).To(BeIdenticalTo(e))
		})

		It("bump removes previous token", func() {
			prev := e.slot.Load()
			Bump(d, &e.slot, e)
			Expect(prev.Alive()).To(BeFalse())
			Expect(e.slot.Load()).NotTo(BeIdenticalTo(prev))
		})

		It("unqueue removes token", func() {
			t := e.slot.Load()
			Unqueue(d, &e.slot)
			Expect(t.Alive()).To(BeFalse())
			Expect(e.slot.Load()).To(BeNil())
			Expect(d.Len()).To(BeZero())
			Unqueue(d, &e.slot)
			Expect(d.Len()).To(BeZero())
		})

		It("bump while claimed is skipped", func() {
			t := e.slot.Load()
			prev, ok := e.slot.Claim()
			Expect(ok).To(BeTrue())
			Expect(prev).To(BeIdenticalTo(t))
			Bump(d, &e.slot, e)
			Expect(t.Alive()).To(BeTrue())
			Expect(d.Len()).To(Equal(1))
		})
	})

	It("concurrent bumps and unqueue leave no orphan tokens", func() {
		const workers = 8
		elems := make([]*element, 16)
		for i := range elems {
			elems[i] = &element{val: i}
		}
		var wg sync.WaitGroup
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer GinkgoRecover()
				defer wg.Done()
				for i := 0; i < 5000; i++ {
					el := elems[(i*7+w)%len(elems)]
					if i%13 == 0 {
						Unqueue(d, &el.slot)
					} else {
						Bump(d, &el.slot, el)
					}
				}
			}(w)
		}
		wg.Wait()

		queued := map[*element]int{}
		for el := range d.All() {
			queued[el]++
		}
		for _, el := range elems {
			Expect(el.slot.Claimed()).To(BeFalse())
			if t := el.slot.Load(); t != nil && t.Alive() {
				Expect(queued[el]).To(Equal(1), "element %v", el.val)
			} else {
				Expect(queued[el]).To(BeZero(), "element %v", el.val)
			}
		}
		Expect(d.Len()).To(Equal(len(queued)))
	})
})
