package malloc

import (
	"fmt"

	s "github.com/bnclabs/gosettings"
)

// Alignment every returned pointer, and every minblock/maxblock value, must
// be a multiple of.
const Alignment = int64(8)

// MEMUtilization is the target ratio between bytes an application asked for
// and bytes actually carved out of a pool/pageblock/superpage for it.
const MEMUtilization = float64(0.95)

// MaxArenaCapacity is the default "capacity" setting. No allocation path
// reads that setting, so it does not limit how much memory an Allocator
// maps.
const MaxArenaCapacity = int64(1024 * 1024 * 1024 * 1024) // 1TB

// MaxSizeClasses bounds how many distinct size classes an Allocator's size
// table may hold (newSizeTable panics beyond it); streamflow.h's
// OBJECT_SIZE_CLASSES is 256, we allow a little headroom.
const MaxSizeClasses = 512

// ObjectsPerPageblock is the target slot count get_free_pageblock's sizing
// heuristic aims for (streamflow.c's OBJECTS_PER_PAGEBLOCK).
const ObjectsPerPageblock = 1024

// MaxPrivateInactive bounds each Heap's per-pageblock-size-class inactive
// cache (streamflow.h's MAX_PRIVATE_INACTIVE).
const MaxPrivateInactive = 4

// orphanID is the sentinel owning-thread id meaning "no thread owns this
// pageblock"; matches streamflow.h's `#define ORPHAN UINT_MAX`.
const orphanID = ^uint32(0)

// Config carries the tunables spec.md §6 calls "compile-time constants of
// the implementation" — kept here as runtime settings instead, following
// the teacher's gosettings-based Config (malloc/config.go in the example
// pack) rather than hardcoding them, since more than one Allocator can
// coexist in a process.
type Config struct {
	s.Settings
}

// Defaultsettings returns the default configuration for an Allocator able
// to serve object sizes between minblock and maxblock.
//
// "minblock" (int64) — smallest allocatable small-object size class.
// "maxblock" (int64) — largest small-object size class. Above it Allocate
//
//	carves medium objects from a superpage up to half of superpagesize,
//	and maps larger ones straight from the page provider as large objects.
//
// "superpagesize" (int64, default 8MiB) — size of one superpage; must be a
//
//	power of two multiple of the OS page size.
//
// "maxprivateinactive" (int64, default 4) — per pageblock-size-class
//
//	inactive cache capacity, per Heap (spec.md §3, thread-local heap table).
//
// "log.level" (string, default "info") — forwarded to golog.
func Defaultsettings(minblock, maxblock int64) Config {
	if minblock > maxblock {
		panic(fmt.Errorf("minblock(%v) > maxblock(%v)", minblock, maxblock))
	} else if minblock%Alignment != 0 {
		panic(fmt.Errorf("minblock(%v) not a multiple of %v", minblock, Alignment))
	} else if maxblock%Alignment != 0 {
		panic(fmt.Errorf("maxblock(%v) not a multiple of %v", maxblock, Alignment))
	}
	return Config{Settings: s.Settings{
		"minblock":           minblock,
		"maxblock":           maxblock,
		"capacity":           MaxArenaCapacity,
		"superpagesize":      SuperpageSize,
		"maxprivateinactive": int64(MaxPrivateInactive),
		"log.level":          "info",
		"log.file":           "",
	}}
}

func (c Config) minblock() int64      { return c.Int64("minblock") }
func (c Config) maxblock() int64      { return c.Int64("maxblock") }
func (c Config) capacity() int64      { return c.Int64("capacity") }
func (c Config) superpagesize() int64 { return c.Int64("superpagesize") }
func (c Config) maxprivateinactive() int64 {
	return c.Int64("maxprivateinactive")
}
