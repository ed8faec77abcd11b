package parser

import (
	"fmt"
	"strings"
)

// FormatExtentsTable renders a per-extent summary, one line per extent,
// in virtual-offset order. Used by the extents CLI command and by
// golden-file tests.
func FormatExtentsTable(stats []ExtentStat) string {
	var b strings.Builder
	for i, st := range stats {
		fmt.Fprintf(&b, "%d: type=%s offset=%d size=%d file=%s\n",
			i, st.Type, st.VirtualOffset, st.Size, st.Filename)
	}
	return b.String()
}
