// Command gen writes the default call prompts as silent placeholder WAV
// files, ready to upload to the prompt bucket. Replace them with real
// recordings for production use.
//
// Usage: go run ./internal/prompts/gen [dir]
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/flowpbx/callforward/internal/prompts"
)

var defaultPrompts = []prompts.Prompt{
	{Key: "greeting.wav", Duration: 3 * time.Second},
	{Key: "unavailable.wav", Duration: 2 * time.Second},
	{Key: "ringback.wav", Duration: 4 * time.Second},
}

func main() {
	dir := "prompts"
	if len(os.Args) > 1 {
		dir = os.Args[1]
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating directory: %v\n", err)
		os.Exit(1)
	}

	for _, p := range defaultPrompts {
		path := filepath.Join(dir, p.Key)
		data := prompts.PlaceholderWAV(p.Duration)
		if err := os.WriteFile(path, data, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "error writing %s: %v\n", p.Key, err)
			os.Exit(1)
		}
		fmt.Printf("created %s (%d bytes, %s silence)\n", path, len(data), p.Duration)
	}
}
