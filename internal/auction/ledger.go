package auction

// Ledger is the append-only record of accepted bids of one auction.
type Ledger struct {
	bids []Bid
}

func (l *Ledger) append(b Bid) Bid {
	b.Sequence = len(l.bids) + 1
	l.bids = append(l.bids, b)
	return b
}

// highest returns the winning bid for playerID: the largest amount, ties
// going to the earliest bid.
func (l *Ledger) highest(playerID string) (Bid, bool) {
	var (
		best  Bid
		found bool
	)
	for _, b := range l.bids {
		if b.PlayerID != playerID {
			continue
		}
		if !found || b.Amount.GreaterThan(best.Amount) {
			best, found = b, true
		}
	}
	return best, found
}

// Len returns the number of accepted bids.
func (l *Ledger) Len() int { return len(l.bids) }
