package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/rcrowley/go-metrics"

	"github.com/pior/couchbase"
)

type OperationType string

const (
	CacheHit     OperationType = "cache-hit"
	DynamicValue OperationType = "dynamic-value"
	CacheMiss    OperationType = "cache-miss"
	Increment    OperationType = "increment"
	Remove       OperationType = "remove"
	All          OperationType = "all"
)

type BenchmarkResult struct {
	Operation    OperationType
	Duration     time.Duration
	TotalOps     int64
	Successes    int64
	Failures     int64
	Latency      metrics.Timer
	OpsPerSecond float64
	Correctness  bool
	ErrorMessage string
}

// workerFunc runs one iteration, recording every operation in r.
type workerFunc func(ctx context.Context, workerID int, iteration int64, r *recorder) error

type recorder struct {
	ops, successes, failures atomic.Int64
	latency                  metrics.Timer

	mu       sync.Mutex
	mismatch string
}

func (r *recorder) do(f func() error, expected ...error) {
	err := couchbase.Timer(f, r.latency)
	r.ops.Add(1)
	if err == nil {
		r.successes.Add(1)
		return
	}
	for _, e := range expected {
		if errors.Is(err, e) {
			r.successes.Add(1)
			return
		}
	}
	r.failures.Add(1)
}

func (r *recorder) fail(msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.mismatch == "" {
		r.mismatch = msg
	}
}

func main() {
	var (
		operation   = flag.String("operation", "all", "Operation type: cache-hit, dynamic-value, cache-miss, increment, remove, or all")
		duration    = flag.Duration("duration", 5*time.Second, "Duration to run benchmarks")
		concurrency = flag.Int("concurrency", 1, "Number of concurrent workers")
		seeds       = flag.String("seeds", "localhost:8091", "Comma-separated cluster manager addresses")
		kvSeeds     = flag.String("kv-seeds", "", "Comma-separated data node addresses")
		bucket      = flag.String("bucket", "default", "Bucket name")
		user        = flag.String("user", "", "Username")
		pass        = flag.String("password", "", "Password")
		pool        = flag.String("pool", "channel", "Connection pool: channel or puddle")
		maxConns    = flag.Int("max-conns", 8, "Maximum connections per node")
	)
	flag.Parse()

	fmt.Printf("Couchbase KV Benchmark Tool\n")
	fmt.Printf("===========================\n")
	fmt.Printf("Operation: %s\n", *operation)
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n", *concurrency)
	fmt.Printf("Seeds: %s\n", *seeds)
	fmt.Printf("Pool: %s\n", *pool)
	fmt.Println()

	config := couchbase.Config{
		Seeds:    splitList(*seeds),
		KVSeeds:  splitList(*kvSeeds),
		Bucket:   *bucket,
		Username: *user,
		Password: *pass,
		MinSize:  2,
		MaxSize:  int32(*maxConns),
	}
	switch *pool {
	case "channel":
		config.Pool = couchbase.NewChannelPool
	case "puddle":
		config.Pool = couchbase.NewPuddlePool
	default:
		log.Fatalf("Invalid pool: %s (must be 'channel' or 'puddle')", *pool)
	}

	client, err := couchbase.NewClient(config)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer client.Close()

	fmt.Print("Waiting for the cluster map...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err = client.WaitUntilReady(ctx)
	cancel()
	if err != nil {
		fmt.Printf(" failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf(" revision %d\n\n", client.Topology().Revision)

	if OperationType(*operation) == All {
		for _, op := range []OperationType{CacheHit, DynamicValue, CacheMiss, Increment, Remove} {
			fmt.Printf("\n--- Running %s benchmark ---\n", op)
			printResult(runOperation(client, op, *duration, *concurrency))
			time.Sleep(500 * time.Millisecond)
		}
	} else {
		printResult(runOperation(client, OperationType(*operation), *duration, *concurrency))
	}
}

func runOperation(client *couchbase.Client, operation OperationType, duration time.Duration, concurrency int) *BenchmarkResult {
	ctx := context.Background()

	var work workerFunc
	switch operation {
	case CacheHit:
		// 1 upsert then 100 gets
		key, value := "cache-hit-key", []byte("cache-hit-value")
		if _, err := client.Upsert(ctx, key, value, couchbase.StoreOptions{Expiry: time.Hour}); err != nil {
			return failed(operation, "Failed to set initial value: %v", err)
		}
		work = func(ctx context.Context, _ int, _ int64, r *recorder) error {
			for range 100 {
				r.do(func() error {
					res, err := client.Get(ctx, key)
					if err == nil && !bytes.Equal(res.Value, value) {
						r.fail("Value mismatch")
					}
					return err
				})
			}
			return nil
		}

	case DynamicValue:
		// 1 upsert then 1 get
		work = func(ctx context.Context, workerID int, i int64, r *recorder) error {
			key := fmt.Sprintf("dynamic-key-%d-%d", workerID, i)
			value := []byte(fmt.Sprintf("dynamic-value-%d-%d", workerID, i))
			r.do(func() error {
				_, err := client.Upsert(ctx, key, value, couchbase.StoreOptions{Expiry: time.Hour})
				return err
			})
			r.do(func() error {
				res, err := client.Get(ctx, key)
				if err == nil && !bytes.Equal(res.Value, value) {
					r.fail("Value mismatch")
				}
				return err
			})
			return nil
		}

	case CacheMiss:
		work = func(ctx context.Context, workerID int, i int64, r *recorder) error {
			key := fmt.Sprintf("nonexistent-key-%d-%d", workerID, i)
			r.do(func() error {
				_, err := client.Get(ctx, key)
				if err == nil {
					r.fail("Expected a missing key but got a value")
				}
				return err
			}, couchbase.ErrKeyNotFound)
			return nil
		}

	case Increment:
		// 100 increments per iteration
		key := "increment-key"
		if _, err := client.Upsert(ctx, key, []byte("0"), couchbase.StoreOptions{Expiry: time.Hour}); err != nil {
			return failed(operation, "Failed to initialize counter: %v", err)
		}
		work = func(ctx context.Context, _ int, _ int64, r *recorder) error {
			var last uint64
			for range 100 {
				r.do(func() error {
					res, err := client.Increment(ctx, key, couchbase.CounterOptions{})
					if err == nil {
						if res.Value <= last {
							r.fail("Counter did not increase")
						}
						last = res.Value
					}
					return err
				})
			}
			return nil
		}

	case Remove:
		// 1 upsert then 1 remove
		work = func(ctx context.Context, workerID int, i int64, r *recorder) error {
			key := fmt.Sprintf("remove-key-%d-%d", workerID, i)
			r.do(func() error {
				_, err := client.Upsert(ctx, key, []byte(key), couchbase.StoreOptions{Expiry: time.Hour})
				return err
			})
			r.do(func() error {
				_, err := client.Remove(ctx, key, couchbase.RemoveOptions{})
				return err
			}, couchbase.ErrKeyNotFound)
			return nil
		}

	default:
		return failed(operation, "Unknown operation: %s", operation)
	}

	fmt.Printf("Starting %s benchmark with %d workers for %v...\n", operation, concurrency, duration)

	r := &recorder{latency: metrics.NewTimer()}
	startTime := time.Now()
	var wg sync.WaitGroup
	for w := range concurrency {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for i := int64(0); time.Since(startTime) < duration; i++ {
				if err := work(ctx, workerID, i, r); err != nil {
					r.fail(err.Error())
					return
				}
			}
		}(w)
	}
	wg.Wait()

	result := &BenchmarkResult{
		Operation:    operation,
		Duration:     time.Since(startTime),
		TotalOps:     r.ops.Load(),
		Successes:    r.successes.Load(),
		Failures:     r.failures.Load(),
		Latency:      r.latency,
		Correctness:  r.mismatch == "",
		ErrorMessage: r.mismatch,
	}
	if result.TotalOps > 0 {
		result.OpsPerSecond = float64(result.TotalOps) / result.Duration.Seconds()
	}
	return result
}

func failed(op OperationType, format string, args ...any) *BenchmarkResult {
	return &BenchmarkResult{Operation: op, ErrorMessage: fmt.Sprintf(format, args...)}
}

func printResult(result *BenchmarkResult) {
	fmt.Printf("Operation: %s\n", result.Operation)
	fmt.Printf("Duration: %v\n", result.Duration)
	fmt.Printf("Total Operations: %d\n", result.TotalOps)
	fmt.Printf("Successes: %d\n", result.Successes)
	fmt.Printf("Failures: %d\n", result.Failures)
	if result.TotalOps > 0 {
		fmt.Printf("Success Rate: %.2f%%\n", float64(result.Successes)/float64(result.TotalOps)*100)
		fmt.Printf("Ops/sec: %.2f\n", result.OpsPerSecond)
		fmt.Printf("Latency (ns): ")
		couchbase.WriteTimerJSON(os.Stdout, result.Latency)
		fmt.Println()
	}
	fmt.Printf("Correctness: %t\n", result.Correctness)
	if result.ErrorMessage != "" {
		fmt.Printf("Error: %s\n", result.ErrorMessage)
	}
	fmt.Println()
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
