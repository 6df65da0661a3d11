package auction

import (
	"context"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const (
	codeAlphabet    = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	maxCodeAttempts = 10
)

// generateCodes draws three distinct codes that no existing auction uses.
// The store's unique constraint remains the final arbiter for codes drawn
// concurrently.
func (m *Manager) generateCodes(ctx context.Context) (Codes, error) {
	seen := make(map[string]bool, 3)
	draw := func() (string, error) {
		for range maxCodeAttempts {
			code, err := gonanoid.Generate(codeAlphabet, m.cfg.CodeLength)
			if err != nil {
				return "", fmt.Errorf("generating code: %w", err)
			}
			if seen[code] {
				continue
			}
			taken, err := m.auctions.CodeExists(ctx, code)
			if err != nil {
				return "", fmt.Errorf("checking code: %w", err)
			}
			if !taken {
				seen[code] = true
				return code, nil
			}
		}
		return "", fmt.Errorf("no free code after %d attempts", maxCodeAttempts)
	}

	var c Codes
	var err error
	if c.Admin, err = draw(); err != nil {
		return Codes{}, err
	}
	if c.Bidder, err = draw(); err != nil {
		return Codes{}, err
	}
	if c.Visitor, err = draw(); err != nil {
		return Codes{}, err
	}
	return c, nil
}
