package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-latch/v1/lock"
	"github.com/mirkobrombin/go-latch/v1/presets"
)

var (
	concurrency = flag.Int("c", 50, "Number of concurrent clients")
	requests    = flag.Int("n", 100000, "Total number of lock/unlock cycles")
	keys        = flag.Int("k", 1, "Number of distinct lock keys")
	redisAddr   = flag.String("redis", "", "Redis address, in-memory backend when empty")
	ttl         = flag.Duration("ttl", time.Second, "Lock TTL")
)

func main() {
	flag.Parse()
	if *concurrency < 1 || *keys < 1 {
		log.Fatal("-c and -k must be positive")
	}

	log.Printf("Starting benchmark: %d cycles, %d concurrency, %d keys", *requests, *concurrency, *keys)

	var l *presets.Latch
	if *redisAddr == "" {
		log.Println("Initializing latch (InMemory Standalone)...")
		l = presets.NewInMemoryStandalone()
	} else {
		log.Printf("Initializing latch (Redis %s)...", *redisAddr)
		var err error
		l, err = presets.NewRedis(presets.RedisOptions{Addr: *redisAddr, Prefix: "bench:"})
		if err != nil {
			log.Fatalf("Setup failed: %v", err)
		}
	}
	defer l.Close()

	ctx := context.Background()

	var wg sync.WaitGroup
	var acquired, conflicts, errorsCount int64

	start := time.Now()
	perWorker := *requests / *concurrency

	for i := 0; i < *concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				key := fmt.Sprintf("bench_key_%d", (worker+j)%*keys)
				token := lock.NewToken()
				ok, err := l.Client.TryLock(ctx, key, token, *ttl)
				switch {
				case err != nil:
					atomic.AddInt64(&errorsCount, 1)
					continue
				case !ok:
					atomic.AddInt64(&conflicts, 1)
					continue
				}
				atomic.AddInt64(&acquired, 1)
				if _, err := l.Client.Release(ctx, key, token); err != nil {
					atomic.AddInt64(&errorsCount, 1)
				}
			}
		}(i)
	}

	wg.Wait()
	elapsed := time.Since(start)
	ops := int64(perWorker * *concurrency)

	log.Printf("Finished in %v", elapsed)
	log.Printf("Throughput: %.2f cycles/s", float64(ops)/elapsed.Seconds())
	log.Printf("Avg Latency: %.2f ns", elapsed.Seconds()/float64(ops)*1e9)
	log.Printf("Acquired: %d, Conflicts: %d", acquired, conflicts)
	if errorsCount > 0 {
		log.Printf("Errors: %d", errorsCount)
	}
}
