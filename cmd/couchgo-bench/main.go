// Command couchgo-bench is a small cobra CLI exerciser for the couchgo
// client library, in the same spirit as the teacher's cmd/kv perf
// tooling: it drives Set/Get/Delete workloads against a real
// cluster (or a single memcached-style node) and prints throughput.
package main

func main() {
	Execute()
}
