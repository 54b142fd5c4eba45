package rules

import (
	"fmt"
	"strings"
	"time"
)

// PGNHeader carries the tag-pair values for an exported game.
type PGNHeader struct {
	White       string
	Black       string
	Date        time.Time
	Termination Classification
	Winner      Color
}

// PGN renders the finished game as PGN text with numbered SAN movetext.
func PGN(h PGNHeader, movesSAN []string) string {
	result := pgnResult(h.Winner, h.Termination)
	date := h.Date
	if date.IsZero() {
		date = time.Now()
	}

	var b strings.Builder
	b.WriteString("[Event \"ChessMentor\"]\n")
	b.WriteString(fmt.Sprintf("[Date \"%04d.%02d.%02d\"]\n", date.Year(), int(date.Month()), date.Day()))
	b.WriteString(fmt.Sprintf("[White \"%s\"]\n", sanitizePGN(h.White)))
	b.WriteString(fmt.Sprintf("[Black \"%s\"]\n", sanitizePGN(h.Black)))
	if h.Termination != ClassNone {
		b.WriteString(fmt.Sprintf("[Termination \"%s\"]\n", string(h.Termination)))
	}
	b.WriteString(fmt.Sprintf("[Result \"%s\"]\n\n", result))

	for i := 0; i < len(movesSAN); i += 2 {
		b.WriteString(fmt.Sprintf("%d. %s", (i/2)+1, strings.TrimSpace(movesSAN[i])))
		if i+1 < len(movesSAN) {
			b.WriteString(" ")
			b.WriteString(strings.TrimSpace(movesSAN[i+1]))
		}
		b.WriteString(" ")
	}
	b.WriteString(result)
	return b.String()
}

func pgnResult(winner Color, termination Classification) string {
	switch winner {
	case White:
		return "1-0"
	case Black:
		return "0-1"
	}
	if termination == ClassNone {
		return "*"
	}
	return "1/2-1/2"
}

func sanitizePGN(s string) string {
	s = strings.ReplaceAll(s, "\\", " ")
	s = strings.ReplaceAll(s, "\"", "'")
	return strings.TrimSpace(s)
}
