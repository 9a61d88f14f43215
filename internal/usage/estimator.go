package usage

import (
	"log"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

var (
	tkm     *tiktoken.Tiktoken
	tkmOnce sync.Once
)

func getEncoder() *tiktoken.Tiktoken {
	tkmOnce.Do(func() {
		var err error
		tkm, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			log.Printf("usage: failed to load tiktoken encoding: %v; falling back to char heuristic", err)
		}
	})
	return tkm
}

// estimateTokens counts text's tokens with tiktoken when available,
// otherwise with a 1-token-per-4-characters heuristic.
func estimateTokens(text string) int {
	if text == "" {
		return 0
	}
	if enc := getEncoder(); enc != nil {
		return len(enc.Encode(text, nil, nil))
	}
	return len(text) / 4
}
