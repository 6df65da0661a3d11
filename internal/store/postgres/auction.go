package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/Masterminds/squirrel"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/jensholdgaard/player-auction/internal/clock"
	"github.com/jensholdgaard/player-auction/internal/event"
	"github.com/jensholdgaard/player-auction/internal/store"
)

const uniqueViolation = "23505"

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// auctionColumns selects an auction row with its codes pivoted into columns.
var auctionColumns = []string{
	"a.id", "a.name", "a.sport", "a.created_at",
	"MAX(c.code) FILTER (WHERE c.role = 'admin') AS admin_code",
	"MAX(c.code) FILTER (WHERE c.role = 'bidder') AS bidder_code",
	"MAX(c.code) FILTER (WHERE c.role = 'visitor') AS visitor_code",
}

// AuctionRepo implements store.AuctionRepository with sqlx.
type AuctionRepo struct {
	db    *sqlx.DB
	clock clock.Clock
}

// NewAuctionRepo returns a new AuctionRepo.
func NewAuctionRepo(db *sqlx.DB, clk clock.Clock) *AuctionRepo {
	return &AuctionRepo{db: db, clock: clk}
}

func (r *AuctionRepo) Create(ctx context.Context, a *store.Auction, initial ...event.Event) error {
	if a.CreatedAt.IsZero() {
		a.CreatedAt = r.clock.Now().UTC()
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query, args, err := psql.Insert("auctions").
		Columns("id", "name", "sport", "created_at").
		Values(a.ID, a.Name, a.Sport, a.CreatedAt).
		ToSql()
	if err != nil {
		return fmt.Errorf("building auction insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("inserting auction: %w", err)
	}

	codes := psql.Insert("auction_codes").Columns("code", "auction_id", "role").
		Values(a.AdminCode, a.ID, "admin").
		Values(a.BidderCode, a.ID, "bidder").
		Values(a.VisitorCode, a.ID, "visitor")
	query, args, err = codes.ToSql()
	if err != nil {
		return fmt.Errorf("building code insert: %w", err)
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return store.ErrCodeConflict
		}
		return fmt.Errorf("inserting codes: %w", err)
	}

	if err := insertEvents(ctx, tx, r.clock, initial); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *AuctionRepo) GetByID(ctx context.Context, id string) (*store.Auction, error) {
	return r.getOne(ctx, squirrel.Eq{"a.id": id})
}

func (r *AuctionRepo) GetByCode(ctx context.Context, code string) (*store.Auction, error) {
	// Plain placeholders here; the outer builder rewrites them to $n.
	owner := squirrel.Select("auction_id").From("auction_codes").Where(squirrel.Eq{"code": code})
	sub, subArgs, err := owner.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building code lookup: %w", err)
	}
	return r.getOne(ctx, squirrel.Expr("a.id = ("+sub+")", subArgs...))
}

func (r *AuctionRepo) getOne(ctx context.Context, where squirrel.Sqlizer) (*store.Auction, error) {
	query, args, err := r.selectAuctions().Where(where).ToSql()
	if err != nil {
		return nil, fmt.Errorf("building auction query: %w", err)
	}
	var a store.Auction
	if err := r.db.GetContext(ctx, &a, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("getting auction: %w", store.ErrNotFound)
		}
		return nil, fmt.Errorf("getting auction: %w", err)
	}
	return &a, nil
}

func (r *AuctionRepo) CodeExists(ctx context.Context, code string) (bool, error) {
	query, args, err := psql.Select("1").Prefix("SELECT EXISTS (").
		From("auction_codes").Where(squirrel.Eq{"code": code}).
		Suffix(")").ToSql()
	if err != nil {
		return false, fmt.Errorf("building code query: %w", err)
	}
	var exists bool
	if err := r.db.GetContext(ctx, &exists, query, args...); err != nil {
		return false, fmt.Errorf("checking code: %w", err)
	}
	return exists, nil
}

func (r *AuctionRepo) List(ctx context.Context) ([]store.Auction, error) {
	query, args, err := r.selectAuctions().OrderBy("a.created_at ASC").ToSql()
	if err != nil {
		return nil, fmt.Errorf("building auction query: %w", err)
	}
	var auctions []store.Auction
	if err := r.db.SelectContext(ctx, &auctions, query, args...); err != nil {
		return nil, fmt.Errorf("listing auctions: %w", err)
	}
	return auctions, nil
}

// Delete removes the auction; codes and events go with it via ON DELETE CASCADE.
func (r *AuctionRepo) Delete(ctx context.Context, id string) error {
	query, args, err := psql.Delete("auctions").Where(squirrel.Eq{"id": id}).ToSql()
	if err != nil {
		return fmt.Errorf("building delete: %w", err)
	}
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("deleting auction: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("deleting auction %s: %w", id, store.ErrNotFound)
	}
	return nil
}

func (r *AuctionRepo) selectAuctions() squirrel.SelectBuilder {
	return psql.Select(auctionColumns...).
		From("auctions a").
		Join("auction_codes c ON c.auction_id = a.id").
		GroupBy("a.id")
}
