package archive

import "fmt"

const parentHeader = "Parent message"

// BuildTable lays threads out one row per root: the root text followed by
// each reply's text, blank-padded to the header width.
func BuildTable(t *Threads) [][]string {
	width := 1 + t.MaxReplies()

	header := make([]string, 0, width)
	header = append(header, parentHeader)
	for i := 1; i < width; i++ {
		header = append(header, fmt.Sprintf("Reply %d", i))
	}

	rows := make([][]string, 0, t.Len()+1)
	rows = append(rows, header)
	for _, th := range t.All() {
		row := make([]string, width)
		row[0] = th.Root.Text
		for i, reply := range th.Replies {
			row[i+1] = reply.Text
		}
		rows = append(rows, row)
	}
	return rows
}
