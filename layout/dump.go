package layout

import (
	"fmt"
	"strings"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"
)

// Dump renders the current block/section occupancy as a text table,
// ordered by address. Intended for export's introspection surface and ad
// hoc debugging, not the hot path.
func (l *MemoryLayout) Dump() string {
	l.mu.RLock()
	defer l.mu.RUnlock()

	var sb strings.Builder
	table := tablewriter.NewWriter(&sb)
	table.SetHeader([]string{"Block", "Address", "Size", "Tensor", "Allocated"})

	it := l.blocks.Iterator()
	for it.Next() {
		b := it.Value()
		for _, s := range b.sections {
			tensor := s.Tensor
			if tensor == "" {
				tensor = "-"
			}
			// Pad narrow addresses so columns stay aligned across blocks of
			// very different widths (tablewriter measures by rune width, not
			// byte length, which matters once tensor names carry non-ASCII).
			addrLabel := s.Address.String()
			if w := runewidth.StringWidth(addrLabel); w < 10 {
				addrLabel += strings.Repeat(" ", 10-w)
			}
			table.Append([]string{
				b.address.String(),
				addrLabel,
				humanSize(s.Size),
				tensor,
				fmt.Sprintf("%t", s.Allocated),
			})
		}
	}
	table.Render()
	return sb.String()
}

func humanSize(size uint64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%dB", size)
	}
	div, exp := uint64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%ciB", float64(size)/float64(div), "KMGTPE"[exp])
}
