package expense

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alicebob/miniredis/v2"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"github.com/redis/go-redis/v9"
)

var _ = Describe("KeyedMutex", func() {
	var locker *KeyedMutex

	BeforeEach(func() {
		locker = NewKeyedMutex()
	})

	It("serializes holders of the same key", func() {
		var (
			wg      sync.WaitGroup
			inside  int32
			maxSeen int32
		)
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				unlock, err := locker.Lock(context.Background(), "acme:c1")
				Expect(err).NotTo(HaveOccurred())
				n := atomic.AddInt32(&inside, 1)
				for {
					seen := atomic.LoadInt32(&maxSeen)
					if n <= seen || atomic.CompareAndSwapInt32(&maxSeen, seen, n) {
						break
					}
				}
				time.Sleep(time.Millisecond)
				atomic.AddInt32(&inside, -1)
				unlock()
			}()
		}
		wg.Wait()
		Expect(maxSeen).To(Equal(int32(1)))
	})

	It("does not block other keys", func() {
		unlock, err := locker.Lock(context.Background(), "acme:c1")
		Expect(err).NotTo(HaveOccurred())
		defer unlock()

		other, err := locker.Lock(context.Background(), "acme:c2")
		Expect(err).NotTo(HaveOccurred())
		other()
	})

	It("gives up when the context is done", func() {
		unlock, err := locker.Lock(context.Background(), "acme:c1")
		Expect(err).NotTo(HaveOccurred())
		defer unlock()

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		_, err = locker.Lock(ctx, "acme:c1")
		Expect(err).To(MatchError(context.DeadlineExceeded))
	})

	It("forgets keys nobody holds", func() {
		unlock, err := locker.Lock(context.Background(), "acme:c1")
		Expect(err).NotTo(HaveOccurred())
		Expect(locker.size()).To(Equal(1))

		unlock()
		unlock()
		Expect(locker.size()).To(BeZero())
	})
})

var _ = Describe("RedisLocker", func() {
	var (
		mr     *miniredis.Miniredis
		client *redis.Client
		locker *RedisLocker
	)

	BeforeEach(func() {
		var err error
		mr, err = miniredis.Run()
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(mr.Close)

		client = redis.NewClient(&redis.Options{Addr: mr.Addr()})
		DeferCleanup(client.Close)

		locker = NewRedisLocker(client, RedisLockOptions{
			Expiry:     time.Minute,
			Tries:      3,
			RetryDelay: 10 * time.Millisecond,
		})
	})

	It("holds the key in Redis until released", func() {
		unlock, err := locker.Lock(context.Background(), "acme:c1")
		Expect(err).NotTo(HaveOccurred())
		Expect(mr.Exists("expense:lock:acme:c1")).To(BeTrue())

		unlock()
		Expect(mr.Exists("expense:lock:acme:c1")).To(BeFalse())
	})

	It("refuses a second holder", func() {
		unlock, err := locker.Lock(context.Background(), "acme:c1")
		Expect(err).NotTo(HaveOccurred())
		defer unlock()

		_, err = locker.Lock(context.Background(), "acme:c1")
		Expect(err).To(HaveOccurred())
	})

	It("lets the next holder in after release", func() {
		unlock, err := locker.Lock(context.Background(), "acme:c1")
		Expect(err).NotTo(HaveOccurred())
		unlock()

		again, err := locker.Lock(context.Background(), "acme:c1")
		Expect(err).NotTo(HaveOccurred())
		again()
	})
})
