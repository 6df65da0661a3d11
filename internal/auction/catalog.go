package auction

import (
	"slices"

	"github.com/shopspring/decimal"
)

// Catalog is the ordered pool of players of one auction. Order is the load
// sequence and never changes after creation.
type Catalog struct {
	players []Player
	index   map[string]int
}

func newCatalog(players []Player) Catalog {
	index := make(map[string]int, len(players))
	for i := range players {
		players[i].Sequence = i + 1
		index[players[i].ID] = i
	}
	return Catalog{players: players, index: index}
}

// get returns a pointer into the catalog. Callers must hold the session
// lock.
func (c *Catalog) get(id string) (*Player, bool) {
	i, ok := c.index[id]
	if !ok {
		return nil, false
	}
	return &c.players[i], true
}

// nextAvailable returns the first available player in catalog order.
func (c *Catalog) nextAvailable() (*Player, bool) {
	for i := range c.players {
		if c.players[i].Status == PlayerAvailable {
			return &c.players[i], true
		}
	}
	return nil, false
}

// open puts p up for bidding at its starting bid.
func (c *Catalog) open(p *Player) {
	p.Status = PlayerBidding
	p.CurrentBid = decimal.NewNullDecimal(p.StartingBid)
}

// owned returns the players sold to participantID.
func (c *Catalog) owned(participantID string) []*Player {
	var out []*Player
	for i := range c.players {
		if c.players[i].Status == PlayerSold && c.players[i].SoldTo == participantID {
			out = append(out, &c.players[i])
		}
	}
	return out
}

// spent sums the final prices of the players sold to participantID.
func (c *Catalog) spent(participantID string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range c.owned(participantID) {
		total = total.Add(p.CurrentBid.Decimal)
	}
	return total
}

// Players returns a copy of the catalog in order.
func (c *Catalog) Players() []Player {
	return slices.Clone(c.players)
}

// Len returns the number of players.
func (c *Catalog) Len() int { return len(c.players) }
