package session

import (
	"strings"

	"github.com/tuzig/vt10x"
)

// renderScreen feeds raw terminal output (escape sequences included) into a
// virtual terminal and returns the visible lines as plain text.
func renderScreen(raw []byte, cols, rows int) []string {
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 50
	}

	term := vt10x.New(vt10x.WithSize(cols, rows))
	_, _ = term.Write(raw)

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		var chars []rune
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				chars = append(chars, ' ')
			} else {
				chars = append(chars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(chars), " ")
	}
	return lines
}
