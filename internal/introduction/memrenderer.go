package introduction

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// MemRenderer is an in-memory reference PuzzleRenderer for tests and local
// development: it "renders" a puzzle as the solution's own hex bytes, so a
// test solver can read the challenge to produce the expected solution
// without any actual CAPTCHA engine. Not production — §1 excludes the
// rendering technology itself.
type MemRenderer struct{}

// Render implements PuzzleRenderer.
func (MemRenderer) Render(ctx context.Context) (data []byte, mimeType, solution string, err error) {
	raw := make([]byte, 16)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", "", err
	}
	solution = hex.EncodeToString(raw)
	return []byte(solution), "text/plain", solution, nil
}
