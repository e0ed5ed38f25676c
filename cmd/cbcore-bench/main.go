package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/couchbase/cbcore/agent"
	"github.com/couchbase/cbcore/cbconfig"
	"github.com/couchbase/cbcore/connstr"
)

var (
	connStr    string
	bucket     string
	username   string
	password   string
	keyLength  int
	valueSize  int
	numOps     int
	numWorkers int
)

func init() {
	flag.StringVar(&connStr, "conn", "couchbase://127.0.0.1", "Cluster connection string.")
	flag.StringVar(&bucket, "bucket", "default", "Bucket to operate against.")
	flag.StringVar(&username, "u", "", "Username for SASL auth.")
	flag.StringVar(&password, "p", "", "Password for SASL auth.")
	flag.IntVar(&keyLength, "key-length", 16, "Length in bytes of each generated key.")
	flag.IntVar(&valueSize, "value-size", 128, "Size in bytes of each generated value.")
	flag.IntVar(&numOps, "num-ops", 100000, "Total number of upsert+get pairs to perform.")
	flag.IntVar(&numWorkers, "workers", 10, "Number of concurrent submitting goroutines.")
}

func main() {
	flag.Parse()

	if keyLength <= 0 || valueSize <= 0 || numOps <= 0 || numWorkers <= 0 {
		flag.Usage()
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-sigs
		fmt.Println("interrupted, stopping workers")
		cancel()
	}()

	spec, err := connstr.Parse(connStr)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bad connection string:", err)
		os.Exit(1)
	}

	initial, err := bootstrapConfig(ctx, spec, bucket)
	if err != nil {
		fmt.Fprintln(os.Stderr, "initial config fetch failed:", err)
		os.Exit(1)
	}

	a := agent.New(agent.Config{
		ConnSpec:       spec,
		Bucket:         bucket,
		Credentials:    agent.StaticCredentials{Username: username, Password: password},
		DefaultTimeout: 2500 * time.Millisecond,
	}, initial)

	fmt.Printf("performing %d upsert+get pairs across %d workers against %s/%s\n", numOps, numWorkers, connStr, bucket)

	var completed atomic.Int64
	opsPerWorker := numOps / numWorkers
	start := time.Now()

	wg := &sync.WaitGroup{}
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		go func(id int) {
			defer wg.Done()
			runWorker(ctx, a, id, opsPerWorker, &completed)
		}(w)
	}
	wg.Wait()

	elapsed := time.Since(start)
	total := completed.Load()
	fmt.Printf("completed %d pairs in %s (%.0f ops/sec)\n", total, elapsed, float64(total*2)/elapsed.Seconds())

	fmt.Println("draining in-flight work")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	a.Shutdown(shutdownCtx)
}

func runWorker(ctx context.Context, a *agent.Agent, id, ops int, completed *atomic.Int64) {
	r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)))
	value := make([]byte, valueSize)
	r.Read(value)

	for i := 0; i < ops; i++ {
		select {
		case <-ctx.Done():
			return
		default:
		}

		key := randomKey(r, keyLength)

		if _, err := a.Upsert(ctx, key, value, agent.UpsertOptions{}); err != nil {
			fmt.Fprintf(os.Stderr, "worker %d upsert failed: %v\n", id, err)
			continue
		}
		if _, err := a.Get(ctx, key); err != nil {
			fmt.Fprintf(os.Stderr, "worker %d get failed: %v\n", id, err)
			continue
		}
		completed.Add(1)
	}
}

var keyAlphabet = []byte("abcdefghijklmnopqrstuvwxyz0123456789")

func randomKey(r *rand.Rand, length int) []byte {
	b := make([]byte, length)
	for i := range b {
		b[i] = keyAlphabet[r.Intn(len(keyAlphabet))]
	}
	return b
}

// bootstrapConfig performs the one-time initial config fetch a real client
// needs before an Agent can resolve its first request. This tool runs no
// cbconfig.Watcher; later revisions arrive only through the dispatcher's
// NOT_MY_VBUCKET/UNKNOWN_COLLECTION refresh.
func bootstrapConfig(ctx context.Context, spec connstr.ConnSpec, bucket string) (cbconfig.BucketConfig, error) {
	a := agent.New(agent.Config{ConnSpec: spec, Bucket: bucket}, cbconfig.BucketConfig{})
	return a.RefreshNow(ctx)
}
