package malloc

import (
	"fmt"

	golog "github.com/bnclabs/golog"
)

// abort is how spec.md §7's "invariant breach" and "contract violation"
// categories are surfaced: log a diagnostic at fatal level, then panic. The
// teacher's own log.go (vendored in the example pack as the `log` package,
// later split out into github.com/bnclabs/golog, which `malloc/config.go`
// already imports in the newer pack revision) is the logging library this
// is grounded on.
func abort(format string, args ...interface{}) {
	golog.Fatalf(format, args...)
	panic(fmt.Sprintf(format, args...))
}
