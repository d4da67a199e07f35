// Command allocstat reports the size-class table and a synthetic
// allocate/free run for a streamalloc Allocator, the Cobra-based successor
// to the teacher's tools/pools/main.go flag-based utility.
package main

import (
	"fmt"
	"os"
	"sort"
	"sync"
	"unsafe"

	"github.com/spf13/cobra"

	"github.com/bnclabs/streamalloc/malloc"
)

var options struct {
	minblock int64
	maxblock int64
	threads  int
	rounds   int
}

var rootCmd = &cobra.Command{
	Use:   "allocstat",
	Short: "Inspect streamalloc size classes and run a synthetic workload",
}

func init() {
	sizesCmd := &cobra.Command{
		Use:   "sizeclasses",
		Short: "Print the size-class table for a [minblock, maxblock] range",
		RunE:  runSizeclasses,
	}
	sizesCmd.Flags().Int64Var(&options.minblock, "minblock", 32, "minimum block size")
	sizesCmd.Flags().Int64Var(&options.maxblock, "maxblock", 1024*1024, "maximum block size")
	rootCmd.AddCommand(sizesCmd)

	benchCmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a synthetic concurrent allocate/free workload and report how many allocations completed",
		RunE:  runBench,
	}
	benchCmd.Flags().Int64Var(&options.minblock, "minblock", 32, "minimum block size")
	benchCmd.Flags().Int64Var(&options.maxblock, "maxblock", 1024*1024, "maximum block size")
	benchCmd.Flags().IntVar(&options.threads, "threads", 4, "number of concurrent Heaps")
	benchCmd.Flags().IntVar(&options.rounds, "rounds", 10000, "allocate/free rounds per Heap")
	rootCmd.AddCommand(benchCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runSizeclasses(cmd *cobra.Command, args []string) error {
	sizes := malloc.Blocksizes(options.minblock, options.maxblock)
	fmt.Printf("%v size classes for [%v, %v]\n", len(sizes), options.minblock, options.maxblock)
	for i, size := range sizes {
		if i == 0 {
			fmt.Printf("  size %10v\n", size)
			continue
		}
		u := (float64(sizes[i-1]+size) / 2.0) / float64(size)
		fmt.Printf("  size %10v, util %.4f\n", size, u)
	}
	return nil
}

func runBench(cmd *cobra.Command, args []string) error {
	cfg := malloc.Defaultsettings(options.minblock, options.maxblock)
	a := malloc.NewAllocator(cfg, nil)

	sizes := malloc.Blocksizes(options.minblock, options.maxblock)

	var wg sync.WaitGroup
	counts := make([]int64, options.threads)
	for t := 0; t < options.threads; t++ {
		wg.Add(1)
		go func(t int) {
			defer wg.Done()
			h := malloc.NewHeap(a)
			defer h.Close()

			live := make([]unsafe.Pointer, 0, 256)
			for r := 0; r < options.rounds; r++ {
				size := sizes[r%len(sizes)]
				if ptr := h.Allocate(size); ptr != nil {
					live = append(live, ptr)
					counts[t]++
				}
				if len(live) > 128 {
					h.Release(live[0])
					live = live[1:]
				}
			}
			for _, ptr := range live {
				h.Release(ptr)
			}
		}(t)
	}
	wg.Wait()

	total := int64(0)
	for _, c := range counts {
		total += c
	}
	sort.Sort(sort.Reverse(int64Slice(counts)))
	fmt.Printf("%v Heaps, %v allocations completed\n", options.threads, total)
	return nil
}

type int64Slice []int64

func (s int64Slice) Len() int           { return len(s) }
func (s int64Slice) Less(i, j int) bool { return s[i] < s[j] }
func (s int64Slice) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }
