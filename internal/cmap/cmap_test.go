package cmap

import (
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Map", func() {
	var m *Map[string, *int]
	one, two := new(int), new(int)
	BeforeEach(func() {
		m = NewString[*int]()
	})

	It("load absent", func() {
		v, ok := m.Load("a")
		Expect(ok).To(BeFalse())
		Expect(v).To(BeNil())
	})

	It("load or store", func() {
		v, loaded := m.LoadOrStore("a", one)
		Expect(loaded).To(BeFalse())
		Expect(v).To(BeIdenticalTo(one))
		v, loaded = m.LoadOrStore("a", two)
		Expect(loaded).To(BeTrue())
		Expect(v).To(BeIdenticalTo(one))
		Expect(m.Len()).To(Equal(1))
	})

	It("compare and delete", func() {
		m.LoadOrStore("a", one)
		Expect(m.CompareAndDelete("a", two)).To(BeFalse())
		Expect(m.Len()).To(Equal(1))
		Expect(m.CompareAndDelete("a", one)).To(BeTrue())
		Expect(m.CompareAndDelete("a", one)).To(BeFalse())
		Expect(m.Len()).To(BeZero())
	})

	It("load and delete", func() {
		m.LoadOrStore("a", one)
		v, ok := m.LoadAndDelete("a")
		Expect(ok).To(BeTrue())
		Expect(v).To(BeIdenticalTo(one))
		_, ok = m.LoadAndDelete("a")
		Expect(ok).To(BeFalse())
		Expect(m.Len()).To(BeZero())
	})

	It("range and clear", func() {
		for i := 0; i < 100; i++ {
			m.LoadOrStore(fmt.Sprint(i), one)
		}
		keys := map[string]bool{}
		m.Range(func(k string, _ *int) bool {
			keys[k] = true
			m.LoadAndDelete(k)
			return true
		})
		Expect(keys).To(HaveLen(100))
		Expect(m.Len()).To(BeZero())

		m.LoadOrStore("x", two)
		Expect(m.Clear()).To(ConsistOf(two))
		Expect(m.Len()).To(BeZero())
	})

	It("range stops", func() {
		for i := 0; i < 100; i++ {
			m.LoadOrStore(fmt.Sprint(i), one)
		}
		var n int
		m.Range(func(string, *int) bool {
			n++
			return n < 10
		})
		Expect(n).To(Equal(10))
	})

	It("comparable keys", func() {
		type key struct {
			a int
			b string
		}
		cm := NewComparable[key, *int]()
		cm.LoadOrStore(key{1, "a"}, one)
		v, ok := cm.Load(key{1, "a"})
		Expect(ok).To(BeTrue())
		Expect(v).To(BeIdenticalTo(one))
		_, ok = cm.Load(key{1, "b"})
		Expect(ok).To(BeFalse())
	})

	It("concurrent compare and delete has single winner", func() {
		const workers = 8
		vals := make([]*int, 1000)
		for i := range vals {
			vals[i] = new(int)
			m.LoadOrStore(fmt.Sprint(i), vals[i])
		}
		var wg sync.WaitGroup
		wins := make([]int, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i, v := range vals {
					if m.CompareAndDelete(fmt.Sprint(i), v) {
						wins[w]++
					}
				}
			}(w)
		}
		wg.Wait()
		var total int
		for _, n := range wins {
			total += n
		}
		Expect(total).To(Equal(len(vals)))
		Expect(m.Len()).To(BeZero())
	})

	It("compare and delete of absent key does not store it", func() {
		Expect(m.CompareAndDelete("a", one)).To(BeFalse())
		_, ok := m.Load("a")
		Expect(ok).To(BeFalse())
		Expect(m.Len()).To(BeZero())
	})

	It("concurrent load or store has single winner", func() {
		const workers = 8
		var wg sync.WaitGroup
		wins := make([]int, workers)
		for w := 0; w < workers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < 1000; i++ {
					if _, loaded := m.LoadOrStore(fmt.Sprint(i), new(int)); !loaded {
						wins[w]++
					}
				}
			}(w)
		}
		wg.Wait()
		var total int
		for _, n := range wins {
			total += n
		}
		Expect(total).To(Equal(1000))
		Expect(m.Len()).To(Equal(1000))
	})
})
