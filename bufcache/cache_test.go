package bufcache

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"

	. "github.com/onsi/ginkgo"
	"github.com/onsi/ginkgo/extensions/table"
	. "github.com/onsi/gomega"
	"github.com/stretchr/testify/mock"

	"github.com/skipor/slabcache/log"
	. "github.com/skipor/slabcache/testutil"
)

var _ = Describe("Config", func() {
	It("max regions", func() {
		Expect(testConfig.MaxRegions()).To(Equal(testRegions))
		Expect(testConfig.Validate()).To(Succeed())
	})

	table.DescribeTable("invalid",
		func(conf Config) {
			_, err := New(log.Nop(), conf)
			Expect(err).To(HaveOccurred())
		},
		table.Entry("zero slice", Config{SlicesPerRegion: 1}),
		table.Entry("zero slices per region", Config{SliceSize: 1}),
		table.Entry("negative memory", Config{SliceSize: 1, SlicesPerRegion: 1, MaxMemory: -1}),
		table.Entry("memory less than region", Config{SliceSize: 4, SlicesPerRegion: 4, MaxMemory: 15}),
	)
})

var _ = Describe("Cache", func() {
	var (
		c     *Cache
		clock *fakeClock
		conf  Config
	)
	BeforeEach(func() {
		clock = &fakeClock{now: time.Unix(1000, 0)}
		conf = testConfig
	})
	JustBeforeEach(func() {
		c = newTestCache(conf, clock)
	})

	It("get of absent key is miss", func() {
		Expect(c.Get("a")).To(BeNil())
		Expect(c.Snapshot()).To(HaveKeyWithValue("misses", int64(1)))
	})

	Context("entry added", func() {
		var e *Entry
		JustBeforeEach(func() {
			e = c.Add("a", 2*testSliceSize)
		})

		It("queued once", func() {
			Expect(e.Key()).To(Equal("a"))
			Expect(e.Size()).To(Equal(2 * testSliceSize))
			Expect(c.queued()).To(Equal([]string{"a"}))
			Expect(c.Add("a", 1)).To(BeIdenticalTo(e))
			Expect(c.queued()).To(Equal([]string{"a"}))
			Expect(c.Len()).To(Equal(1))
		})

		It("not allocated and not enabled", func() {
			Expect(e.Buffers()).To(BeNil())
			Expect(e.Enabled()).To(BeFalse())
			_, ok := e.NewReader()
			Expect(ok).To(BeFalse())
		})

		It("get returns entry", func() {
			Expect(c.Get("a")).To(BeIdenticalTo(e))
			Expect(c.Snapshot()).To(HaveKeyWithValue("hits", int64(1)))
		})

		It("every fifth hit bumps entry", func() {
			c.Add("b", 1)
			Expect(c.queued()).To(Equal([]string{"a", "b"}))
			for i := 0; i < SampleInterval-2; i++ {
				c.Get("a")
			}
			Expect(c.queued()).To(Equal([]string{"a", "b"}))
			c.Get("a")
			Expect(c.queued()).To(Equal([]string{"b", "a"}))
		})

		It("sampled hit allocates entry", func() {
			for i := 0; i < SampleInterval-1; i++ {
				c.Get("a")
			}
			Expect(e.Buffers()).To(HaveLen(2))
		})

		It("remove destroys entry", func() {
			Expect(e.Allocate()).To(BeTrue())
			Expect(c.Stats().Outstanding).To(BeEquivalentTo(2))
			Expect(c.Remove("a")).To(BeTrue())
			Expect(c.Remove("a")).To(BeFalse())
			Expect(c.Get("a")).To(BeNil())
			Expect(c.queued()).To(BeEmpty())
			Expect(e.Reference()).To(BeFalse())
			Expect(e.Buffers()).To(BeNil())
			Expect(e.Allocate()).To(BeFalse())
			Expect(c.Stats().Outstanding).To(BeZero())
		})

		It("all keys", func() {
			c.Add("b", 1)
			keys := c.AllKeys()
			Expect(keys.Cardinality()).To(Equal(2))
			Expect(keys.Contains("a", "b")).To(BeTrue())
		})
	})

	It("content round trip", func() {
		sizes := []int{0, 1, testSliceSize - 1, testSliceSize, testSliceSize + 1, 3*testSliceSize + 7}
		for i, size := range sizes {
			key := fmt.Sprint("key", i)
			e, data := fill(c, key, size)
			Byf("Size %v", size)
			Expect(c.Get(key)).To(BeIdenticalTo(e))
			Expect(e.Enabled()).To(BeTrue())
			ExpectBytesEqual(readAll(e), data)
			c.Remove(key)
		}
		Expect(c.Stats().Outstanding).To(BeZero())
	})

	It("reader write to", func() {
		e, data := fill(c, "a", 3*testSliceSize+5)
		r, ok := e.NewReader()
		Expect(ok).To(BeTrue())
		Expect(r.Len()).To(Equal(len(data)))
		buf := &bytes.Buffer{}
		n, err := r.WriteTo(buf)
		Expect(err).NotTo(HaveOccurred())
		Expect(n).To(BeEquivalentTo(len(data)))
		ExpectBytesEqual(buf.Bytes(), data)
		Expect(r.Close()).To(Succeed())
		Expect(r.Close()).To(Succeed())
	})

	It("reader keeps buffers after remove", func() {
		e, data := fill(c, "a", 2*testSliceSize)
		r, ok := e.NewReader()
		Expect(ok).To(BeTrue())
		c.Remove("a")
		Expect(c.Stats().Outstanding).To(BeEquivalentTo(2))
		got, err := io.ReadAll(r)
		Expect(err).NotTo(HaveOccurred())
		ExpectBytesEqual(got, data)
		r.Close()
		Expect(c.Stats().Outstanding).To(BeZero())
		_, ok = e.NewReader()
		Expect(ok).To(BeFalse())
	})

	Context("fill", func() {
		var e *Entry
		JustBeforeEach(func() {
			e = c.Add("a", 10)
		})

		It("second fill fails", func() {
			Expect(c.Fill(e, bytes.NewReader(make([]byte, 10)))).To(Succeed())
			Expect(c.Fill(e, bytes.NewReader(make([]byte, 10)))).To(MatchError(ErrAlreadyEnabled))
		})

		It("claimed entry fill fails", func() {
			Expect(e.ClaimEnable()).To(BeTrue())
			Expect(e.ClaimEnable()).To(BeFalse())
			Expect(c.Fill(e, bytes.NewReader(make([]byte, 10)))).To(MatchError(ErrWriteInProgress))
		})

		It("short input", func() {
			err := c.Fill(e, bytes.NewReader(make([]byte, 5)))
			Expect(err).To(Equal(io.ErrUnexpectedEOF))
			Expect(e.Enabled()).To(BeFalse())
			By("entry can be filled again")
			Expect(c.Fill(e, bytes.NewReader(make([]byte, 10)))).To(Succeed())
		})

		It("read error", func() {
			expectedErr := errors.New("err")
			mr := &MockReader{}
			mr.On("Read", mock.Anything).Return(0, expectedErr)
			Expect(c.Fill(e, mr)).To(Equal(expectedErr))
			Expect(e.Enabled()).To(BeFalse())
			mr.AssertExpectations(GinkgoT())
		})

		It("destroyed entry", func() {
			c.Remove("a")
			Expect(c.Fill(e, bytes.NewReader(make([]byte, 10)))).To(MatchError(ErrEntryDestroyed))
		})

		It("no space", func() {
			big := c.Add("big", (testSlices+1)*testSliceSize)
			Expect(c.Fill(big, FastRand)).To(MatchError(ErrNoSpace))
			Expect(big.Enabled()).To(BeFalse())
		})
	})

	Context("store", func() {
		It("replaces entry", func() {
			Expect(c.Store("a", 3, 0, bytes.NewReader([]byte("abc")))).To(Succeed())
			old := c.Get("a")
			Expect(c.Store("a", 2, 0, bytes.NewReader([]byte("de")))).To(Succeed())
			Expect(old.Reference()).To(BeFalse())
			Expect(readAll(c.Get("a"))).To(Equal([]byte("de")))
		})

		It("failed store removes entry", func() {
			Expect(c.Store("a", 3, 0, bytes.NewReader([]byte("ab")))).To(HaveOccurred())
			Expect(c.Get("a")).To(BeNil())
			Expect(c.Stats().Outstanding).To(BeZero())
		})
	})

	Context("expiration", func() {
		const maxAge = time.Minute
		BeforeEach(func() {
			conf.MaxAge = maxAge
		})

		It("entry expires after max age since enable", func() {
			clock.now = clock.now.Add(time.Hour)
			e, _ := fill(c, "a", 1)
			deadline, ok := e.Expires()
			Expect(ok).To(BeTrue())
			Expect(deadline).To(BeTemporally("==", clock.now.Add(maxAge)))

			clock.now = clock.now.Add(maxAge - 1)
			Expect(c.Get("a")).To(BeIdenticalTo(e))
			clock.now = clock.now.Add(1)
			Expect(c.Get("a")).To(BeNil())
			Expect(c.Len()).To(BeZero())
			Expect(c.Snapshot()).To(HaveKeyWithValue("expired", int64(1)))
			Expect(c.Stats().Outstanding).To(BeZero())
		})

		It("entry with non positive max age never expires", func() {
			e := c.AddWithMaxAge("a", 1, 0)
			Expect(c.Fill(e, bytes.NewReader([]byte{1}))).To(Succeed())
			_, ok := e.Expires()
			Expect(ok).To(BeFalse())
			clock.now = clock.now.Add(100 * 365 * 24 * time.Hour)
			Expect(c.Get("a")).To(BeIdenticalTo(e))
		})

		It("not enabled entry never expires", func() {
			e := c.Add("a", 1)
			clock.now = clock.now.Add(2 * maxAge)
			Expect(c.Get("a")).To(BeIdenticalTo(e))
		})
	})

	Context("memory is full", func() {
		const size = 2 * testSliceSize
		var keys []string
		JustBeforeEach(func() {
			keys = nil
			for i := 0; i < testSlices*testSliceSize/size; i++ {
				key := fmt.Sprint("key", i)
				fill(c, key, size)
				keys = append(keys, key)
			}
			Expect(c.Stats().FreeSlices).To(BeZero())
			Expect(c.pool.CanAllocate(1)).To(BeFalse())
		})

		It("fill evicts the oldest entry", func() {
			fill(c, "new", size)
			Expect(c.Get(keys[0])).To(BeNil())
			for _, k := range keys[1:] {
				Expect(c.Get(k)).NotTo(BeNil())
			}
			Expect(c.Snapshot()).To(HaveKeyWithValue("evictions", int64(1)))
			Expect(c.Snapshot()).To(HaveKeyWithValue("reclaims", int64(1)))
		})

		It("fill evicts until size is covered", func() {
			fill(c, "new", 2*size)
			Expect(c.AllKeys().Contains(keys[0])).To(BeFalse())
			Expect(c.AllKeys().Contains(keys[1])).To(BeFalse())
			Expect(c.AllKeys().Contains(keys[2:]...)).To(BeTrue())
		})

		It("not allocated entries do not count", func() {
			c.Add("empty", 1)
			for _, k := range keys {
				for i := 0; i < SampleInterval-1; i++ {
					c.Get(k)
				}
			}
			Expect(c.queued()).To(Equal(append([]string{"empty"}, keys...)))
			fill(c, "new", size)
			Expect(c.AllKeys().Contains("empty")).To(BeFalse())
			Expect(c.AllKeys().Contains(keys[0])).To(BeFalse())
			Expect(c.AllKeys().Contains(keys[1:]...)).To(BeTrue())
			Expect(c.Snapshot()).To(HaveKeyWithValue("evictions", int64(2)))
		})

		It("sampled hit reclaims space", func() {
			e := c.Add("new", size)
			for i := 0; i < SampleInterval-1; i++ {
				Expect(c.Get("new")).To(BeIdenticalTo(e))
			}
			Expect(e.Buffers()).To(HaveLen(2))
			Expect(c.Get(keys[0])).To(BeNil())
		})

		It("referenced victim buffers are freed on release", func() {
			victim := c.Get(keys[0])
			r, ok := victim.NewReader()
			Expect(ok).To(BeTrue())
			e := c.Add("new", size)
			Expect(c.Fill(e, FastRand)).To(HaveOccurred())
			r.Close()
			Expect(c.Fill(e, FastRand)).To(Succeed())
		})
	})

	It("close releases everything", func() {
		fill(c, "a", 2*testSliceSize)
		Expect(c.Close()).To(Succeed())
		Expect(c.Len()).To(BeZero())
		Expect(c.Stats()).To(BeZero())
	})
})
