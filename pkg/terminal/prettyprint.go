package terminal

import (
	"encoding/binary"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"
)

// hexdump writes data, read from addr, as rows of width bytes with their
// printable characters on the right.
func hexdump(out io.Writer, addr uint64, data []byte, width int) {
	addrLen := len(fmt.Sprintf("%x", addr+uint64(len(data))))
	for off := 0; off < len(data); off += width {
		row := data[off:]
		if len(row) > width {
			row = row[:width]
		}
		var b strings.Builder
		fmt.Fprintf(&b, "0x%0*x: ", addrLen, addr+uint64(off))
		for i := 0; i < width; i++ {
			if i < len(row) {
				fmt.Fprintf(&b, "%02x ", row[i])
			} else {
				b.WriteString("   ")
			}
			if i%8 == 7 && i != width-1 {
				b.WriteByte(' ')
			}
		}
		b.WriteString(" |")
		for _, c := range row {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			b.WriteByte(c)
		}
		b.WriteString("|\n")
		io.WriteString(out, b.String())
	}
}

// prettyExamineMemory formats data, read from address, as size byte little
// endian integers printed in format ('x', 'd', 'o' or 'b').
func prettyExamineMemory(address uint64, data []byte, format byte, size int) string {
	var (
		cols      int
		colFormat string
	)

	switch format {
	case 'b':
		cols = 4 // binary rows get too long otherwise
		colFormat = fmt.Sprintf("%%0%db", size*8)
	case 'o':
		cols = 8
		colFormat = fmt.Sprintf("0%%0%do", size*3)
	case 'd':
		cols = 8
		colFormat = fmt.Sprintf("%%0%dd", size*3)
	case 'x':
		cols = 8
		colFormat = fmt.Sprintf("0x%%0%dx", size*2)
	default:
		return fmt.Sprintf("not supported format %q\n", string(format))
	}
	colFormat += "\t"

	l := len(data)
	rows := l / (cols * size)
	if l%(cols*size) != 0 {
		rows++
	}

	// use the length of the last address so that all rows line up
	addrLen := 0
	if l != 0 {
		addrLen = len(fmt.Sprintf("%x", address+uint64(l)))
	}
	addrFmt := "0x%0" + strconv.Itoa(addrLen) + "x:\t"

	var b strings.Builder
	w := tabwriter.NewWriter(&b, 0, 0, 3, ' ', 0)

	for i := 0; i < rows; i++ {
		fmt.Fprintf(w, addrFmt, address)

		for j := 0; j < cols; j++ {
			offset := i*(cols*size) + j*size
			if offset+size <= len(data) {
				fmt.Fprintf(w, colFormat, littleEndianUint(data[offset:offset+size]))
			}
		}
		fmt.Fprintln(w, "")
		address += uint64(cols * size)
	}
	w.Flush()
	return b.String()
}

func littleEndianUint(buf []byte) uint64 {
	switch len(buf) {
	case 1:
		return uint64(buf[0])
	case 2:
		return uint64(binary.LittleEndian.Uint16(buf))
	case 4:
		return uint64(binary.LittleEndian.Uint32(buf))
	case 8:
		return binary.LittleEndian.Uint64(buf)
	}
	var n uint64
	for i := len(buf) - 1; i >= 0; i-- {
		n = n<<8 | uint64(buf[i])
	}
	return n
}
