package archive

import "math"

const kFactor = 24

// eloExpected is the expected score for a player at `mine` against `opp`.
func eloExpected(mine, opp int) float64 {
	return 1.0 / (1.0 + math.Pow(10, float64(opp-mine)/400.0))
}

// EloPair returns both players' updated ratings after one game. whiteScore is
// 1 for a white win, 0 for a black win, 0.5 for a draw.
func EloPair(white, black int, whiteScore float64) (newWhite, newBlack int) {
	newWhite = white + int(math.Round(kFactor*(whiteScore-eloExpected(white, black))))
	newBlack = black + int(math.Round(kFactor*((1-whiteScore)-eloExpected(black, white))))
	if newWhite < 0 {
		newWhite = 0
	}
	if newBlack < 0 {
		newBlack = 0
	}
	return newWhite, newBlack
}
