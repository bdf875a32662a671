package cmd

import (
	"encoding/hex"
	"fmt"
	"strings"
)

const dumpLine = 16

func printable(p []byte) string {
	o := make([]byte, len(p))
	for i, c := range p {
		if c >= 0x20 && c <= 0x7e {
			o[i] = c
		} else {
			o[i] = '.'
		}
	}
	return string(o)
}

// HexDump formats mem as lines of four big-endian longs.
func HexDump(base uint32, mem []byte) []string {
	var out []string
	for i := 0; i < len(mem); i += dumpLine {
		end := i + dumpLine
		if end > len(mem) {
			end = len(mem)
		}
		line := mem[i:end]
		blocks := make([]string, 0, dumpLine/4)
		for j := 0; j < dumpLine; j += 4 {
			switch {
			case j+4 <= len(line):
				blocks = append(blocks, hex.EncodeToString(line[j:j+4]))
			case j < len(line):
				part := hex.EncodeToString(line[j:])
				blocks = append(blocks, part+strings.Repeat(" ", 8-len(part)))
			default:
				blocks = append(blocks, strings.Repeat(" ", 8))
			}
		}
		tail := printable(line) + strings.Repeat(" ", dumpLine-len(line))
		out = append(out, fmt.Sprintf("0x%08x: %s [%s]", base+uint32(i), strings.Join(blocks, " "), tail))
	}
	return out
}
