package ollama

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// EnsureReady makes sure the embedding model can serve ingestion: Ollama
// must be reachable, the model is pulled when missing, and one trial
// embedding loads it into memory. Status lines go to w. Only an unreachable
// Ollama or a failed pull is fatal.
func EnsureReady(ctx context.Context, c *Client, embedModel string, w io.Writer) error {
	if !c.IsRunning(ctx) {
		return errors.New("Ollama is not running. Start it with: ollama serve")
	}

	ok, err := c.HasModel(ctx, embedModel)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(w, "embed model %s: pulling\n", embedModel)
		last := ""
		err := c.Pull(ctx, embedModel, func(p PullProgress) {
			// One line per status change; byte counts only on the final line of a layer.
			if p.Status == last && p.Percent() < 100 {
				return
			}
			last = p.Status
			if pct := p.Percent(); pct >= 0 {
				fmt.Fprintf(w, "  %s %d%%\n", p.Status, pct)
			} else {
				fmt.Fprintf(w, "  %s\n", p.Status)
			}
		})
		if err != nil {
			return err
		}
	}

	warmCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if _, err := c.Embed(warmCtx, embedModel, "warm-up"); err != nil {
		fmt.Fprintf(w, "embed model %s: warm-up failed (non-fatal): %v\n", embedModel, err)
		return nil
	}
	fmt.Fprintf(w, "embed model %s: ready\n", embedModel)
	return nil
}
