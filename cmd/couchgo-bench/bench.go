package main

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/couchgo/couchgo/op"
	"github.com/couchgo/couchgo/wire"
)

var (
	benchCmd = &cobra.Command{
		Use:     "bench",
		Short:   "run Set/Get/Delete benchmarks against the connected cluster",
		RunE:    runBench,
		PreRunE: bindBenchFlags,
	}

	benchKeyPrefix   = "__couchgo_bench"
	benchNumThreads  = 10
	benchKeySpread   = 100
	benchValueSizeKB = 1
	benchSkip        []string
)

func init() {
	key := "skip"
	benchCmd.Flags().String(key, "", wrapString("Benchmarks to skip (comma-separated -- e.g. set,get)"))
	key = "threads"
	benchCmd.Flags().Int(key, 10, wrapString("Number of concurrent goroutines to use for each benchmark"))
	key = "keys"
	benchCmd.Flags().Int(key, 100, wrapString("How many distinct keys to cycle through"))
	key = "value-size"
	benchCmd.Flags().Int(key, 1, wrapString("Size in KB of the value written by set"))
	key = "csv"
	benchCmd.Flags().String(key, "", wrapString("Optional path to write benchmark results as CSV"))
}

func bindBenchFlags(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	benchNumThreads = viper.GetInt("threads")
	benchKeySpread = viper.GetInt("keys")
	benchValueSizeKB = viper.GetInt("value-size")
	if skip := viper.GetString("skip"); skip != "" {
		benchSkip = strings.Split(skip, ",")
	}
	return nil
}

func shouldSkipBench(name string) bool {
	for _, s := range benchSkip {
		if s == name {
			return true
		}
	}
	return false
}

func benchKeys(prefix string) (func(int) []byte, func(func([]byte))) {
	keys := make([][]byte, benchKeySpread)
	for i := 0; i < benchKeySpread; i++ {
		keys[i] = []byte(fmt.Sprintf("%s-%s-%d", benchKeyPrefix, prefix, i))
	}
	getKey := func(i int) []byte { return keys[i%benchKeySpread] }
	iter := func(fn func([]byte)) {
		for _, k := range keys {
			fn(k)
		}
	}
	return getKey, iter
}

// syncSubmit submits o to the shared Handle and blocks until its
// callback fires or ctx expires, turning couchgo's async callback
// contract into the synchronous shape testing.B.RunParallel expects --
// the same adaptation the teacher's perf command needs zero of, since
// its RPC store client is already synchronous.
func syncSubmit(ctx context.Context, kind op.Kind, frame *wire.Frame, key []byte) (*wire.Frame, error) {
	done := make(chan struct{}, 1)
	var resp *wire.Frame
	var opErr error
	o := &op.Operation{
		Kind:  kind,
		Frame: frame,
		Callback: func(r *wire.Frame, err error) {
			resp, opErr = r, err
			done <- struct{}{}
		},
	}
	if err := handle.Submit(ctx, o, key); err != nil {
		return nil, err
	}
	select {
	case <-done:
		return resp, opErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func benchSet(getKey func(int) []byte, value []byte) func(*testing.PB) {
	return func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := syncSubmit(ctx, op.KindSet, &wire.Frame{Opcode: wire.OpSet, Key: getKey(counter), Value: value}, getKey(counter))
			cancel()
			if err != nil {
				log.Printf("(set) error: %v", err)
			}
			counter++
		}
	}
}

func benchGet(getKey func(int) []byte) func(*testing.PB) {
	return func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := syncSubmit(ctx, op.KindGet, &wire.Frame{Opcode: wire.OpGet, Key: getKey(counter)}, getKey(counter))
			cancel()
			if err != nil {
				log.Printf("(get) error: %v", err)
			}
			counter++
		}
	}
}

func benchDelete(getKey func(int) []byte) func(*testing.PB) {
	return func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, err := syncSubmit(ctx, op.KindDelete, &wire.Frame{Opcode: wire.OpDelete, Key: getKey(counter)}, getKey(counter))
			cancel()
			if err != nil {
				log.Printf("(delete) error: %v", err)
			}
			counter++
		}
	}
}

func runBench(_ *cobra.Command, _ []string) error {
	fmt.Println("couchgo-bench: starting benchmarks")
	fmt.Printf("threads=%d keys=%d value-size=%dKB\n\n", benchNumThreads, benchKeySpread, benchValueSizeKB)

	value := make([]byte, benchValueSizeKB*1024)
	results := make(map[string]testing.BenchmarkResult)

	setResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkipBench("set") {
			return
		}
		getKey, iter := benchKeys("set")
		b.Cleanup(func() {
			iter(func(k []byte) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, _ = syncSubmit(ctx, op.KindDelete, &wire.Frame{Opcode: wire.OpDelete, Key: k}, k)
				cancel()
			})
		})
		b.SetParallelism(benchNumThreads)
		b.ResetTimer()
		b.RunParallel(benchSet(getKey, value))
	})
	results["set"] = setResult
	printBenchResult("set", setResult)

	getResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkipBench("get") {
			return
		}
		getKey, iter := benchKeys("get")
		iter(func(k []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = syncSubmit(ctx, op.KindSet, &wire.Frame{Opcode: wire.OpSet, Key: k, Value: value}, k)
			cancel()
		})
		b.Cleanup(func() {
			iter(func(k []byte) {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				_, _ = syncSubmit(ctx, op.KindDelete, &wire.Frame{Opcode: wire.OpDelete, Key: k}, k)
				cancel()
			})
		})
		b.SetParallelism(benchNumThreads)
		b.ResetTimer()
		b.RunParallel(benchGet(getKey))
	})
	results["get"] = getResult
	printBenchResult("get", getResult)

	deleteResult := testing.Benchmark(func(b *testing.B) {
		if shouldSkipBench("delete") {
			return
		}
		getKey, iter := benchKeys("delete")
		iter(func(k []byte) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_, _ = syncSubmit(ctx, op.KindSet, &wire.Frame{Opcode: wire.OpSet, Key: k, Value: value}, k)
			cancel()
		})
		b.SetParallelism(benchNumThreads)
		b.ResetTimer()
		b.RunParallel(benchDelete(getKey))
	})
	results["delete"] = deleteResult
	printBenchResult("delete", deleteResult)

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nwriting results to %s\n", csvPath)
		if err := writeBenchCSV(csvPath, results); err != nil {
			return fmt.Errorf("couchgo-bench: csv export failed: %w", err)
		}
	}

	return nil
}

func printBenchResult(name string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-12sskipped\n", name)
		return
	}
	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)
	fmt.Printf("%-12s%.0fns/op (%s/op)\t%.0f ops/sec\n", name, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

func writeBenchCSV(path string, results map[string]testing.BenchmarkResult) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	w := csv.NewWriter(file)
	defer w.Flush()

	if err := w.Write([]string{"test", "ns_per_op", "ops_per_sec", "skipped", "threads", "keys", "value_size_kb"}); err != nil {
		return err
	}
	for name, result := range results {
		var nsPerOp, opsPerSec float64
		skipped := "false"
		if result.NsPerOp() == 0 {
			skipped = "true"
		} else {
			nsPerOp = math.Max(float64(result.NsPerOp()), 1)
			opsPerSec = 1.0 / (nsPerOp / 1e9)
		}
		row := []string{
			name,
			fmt.Sprintf("%.0f", nsPerOp),
			fmt.Sprintf("%.0f", opsPerSec),
			skipped,
			strconv.Itoa(benchNumThreads),
			strconv.Itoa(benchKeySpread),
			strconv.Itoa(benchValueSizeKB),
		}
		if err := w.Write(row); err != nil {
			return err
		}
	}
	return nil
}
