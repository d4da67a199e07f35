package malloc

import (
	"github.com/klauspost/cpuid/v2"
	"golang.org/x/sys/unix"
)

// Architecture-dependent parameters. streamflow.h picks these with
// preprocessor #ifdef blocks keyed on the target architecture (x86, x86_64,
// ppc64, ia64); we detect the equivalent host values once at process start
// instead, so a single binary runs correctly wherever it lands.
var (
	// PageSize is the OS page size, in bytes.
	PageSize int64

	// CacheLineSize is this CPU's L1 cache line size, in bytes. It sizes the
	// cache-line-aligned gap between a pageblock header and its slot pool,
	// the same role streamflow.h's CACHE_LINE_SIZE constant plays.
	CacheLineSize int64

	// SuperpageSize is the default superpage size fed to Defaultsettings;
	// streamflow.h hardcodes this per architecture (4MiB on x86, 8MiB on
	// x86_64). Individual Allocators may override it via Config.
	SuperpageSize int64 = 8 * 1024 * 1024
)

func init() {
	PageSize = int64(unix.Getpagesize())
	if PageSize <= 0 {
		PageSize = 4096
	}

	CacheLineSize = int64(cpuid.CPU.CacheLine)
	if CacheLineSize <= 0 {
		CacheLineSize = 64
	}
}
