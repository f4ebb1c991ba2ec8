package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/rodmar/ledger-engine/ledger"
)

// =============================================================================
// TRIP STORE
// =============================================================================

const tripSelect = `
	SELECT id, mine_id, buyer_id, trucker_id, driver_name, plate, trip_date,
	       weight, purchase_unit_price, sale_unit_price, freight_unit_price, other_freight_cost,
	       total_sale, total_purchase, total_freight, amount_to_remit, profit,
	       status, hidden, freight_payer, created_at
	FROM trips`

func tripArgs(t ledger.Trip) []any {
	return []any{
		nullInt(t.MineID),
		nullInt(t.BuyerID),
		nullInt(t.TruckerID),
		t.DriverName,
		t.Plate,
		t.Date.Format(ledger.DateLayout),
		t.Weight.String(),
		t.PurchaseUnitPrice.String(),
		t.SaleUnitPrice.String(),
		t.FreightUnitPrice.String(),
		t.OtherFreightCost.String(),
		t.TotalSale.String(),
		t.TotalPurchase.String(),
		t.TotalFreight.String(),
		t.AmountToRemit.String(),
		t.Profit.String(),
		string(t.Status),
		t.Hidden,
		string(t.FreightPayer),
	}
}

func (c *conn) CreateTrip(ctx context.Context, t ledger.Trip) error {
	query := `
		INSERT INTO trips
		(mine_id, buyer_id, trucker_id, driver_name, plate, trip_date,
		 weight, purchase_unit_price, sale_unit_price, freight_unit_price, other_freight_cost,
		 total_sale, total_purchase, total_freight, amount_to_remit, profit,
		 status, hidden, freight_payer, created_at, id)
		VALUES (` + placeholders(21) + `)`

	args := append(tripArgs(t), formatTime(t.CreatedAt), t.ID)
	if _, err := c.exec(ctx, query, args...); err != nil {
		if isUniqueConstraintError(err) {
			return fmt.Errorf("%w: trip %s exists", ledger.ErrInvalidOperation, t.ID)
		}
		return fmt.Errorf("failed to create trip: %w", err)
	}
	return nil
}

func (c *conn) UpdateTrip(ctx context.Context, t ledger.Trip) error {
	query := `
		UPDATE trips SET
		mine_id = ?, buyer_id = ?, trucker_id = ?, driver_name = ?, plate = ?, trip_date = ?,
		weight = ?, purchase_unit_price = ?, sale_unit_price = ?, freight_unit_price = ?, other_freight_cost = ?,
		total_sale = ?, total_purchase = ?, total_freight = ?, amount_to_remit = ?, profit = ?,
		status = ?, hidden = ?, freight_payer = ?
		WHERE id = ?`

	args := append(tripArgs(t), t.ID)
	return c.execOne(ctx, "trip", t.ID, query, args...)
}

func (c *conn) GetTrip(ctx context.Context, id string) (*ledger.Trip, error) {
	t, err := scanTrip(c.queryRow(ctx, tripSelect+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &ledger.NotFoundError{Kind: "trip", Key: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get trip: %w", err)
	}
	return &t, nil
}

func (c *conn) DeleteTrip(ctx context.Context, id string) error {
	return c.execOne(ctx, "trip", id, `DELETE FROM trips WHERE id = ?`, id)
}

func (c *conn) TripsByAccount(ctx context.Context, ref ledger.AccountRef) ([]ledger.Trip, error) {
	col, ok := tripColumns[ref.Type]
	if !ok {
		return nil, nil
	}

	rows, err := c.query(ctx, tripSelect+` WHERE `+col+` = ? ORDER BY trip_date, id`, ref.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load trips: %w", err)
	}
	defer rows.Close()

	var trips []ledger.Trip
	for rows.Next() {
		t, err := scanTrip(rows)
		if err != nil {
			return nil, err
		}
		trips = append(trips, t)
	}
	return trips, rows.Err()
}

// TripAggregates reads every counted trip of the account type in one query
// and folds the rows in Go. Money is summed as decimal: a SQL SUM over the
// TEXT money columns of SQLite would go through REAL and drift. Income comes
// from ledger.TripIncome, the same rule the Calculator applies.
func (c *conn) TripAggregates(ctx context.Context, t ledger.AccountType, lastMonth ledger.DateRange) (map[int64]ledger.TripAggregate, error) {
	out := make(map[int64]ledger.TripAggregate)
	col, ok := tripColumns[t]
	if !ok {
		return out, nil
	}

	query := fmt.Sprintf(`
		SELECT %[1]s, trip_date, freight_payer, total_purchase, amount_to_remit, total_freight
		FROM trips
		WHERE %[1]s IS NOT NULL AND status = ? AND hidden = ?`, col)

	rows, err := c.query(ctx, query, string(ledger.TripCompleted), false)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate trips: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id                                    int64
			date, freightPayer                    string
			totalPurchase, amountToRemit, totalFr sql.NullString
		)
		if err := rows.Scan(&id, &date, &freightPayer, &totalPurchase, &amountToRemit, &totalFr); err != nil {
			return nil, err
		}
		trip := ledger.Trip{
			Status:        ledger.TripCompleted,
			FreightPayer:  ledger.FreightPayer(freightPayer),
			TotalPurchase: ledger.ParseMoney(totalPurchase.String),
			AmountToRemit: ledger.ParseMoney(amountToRemit.String),
			TotalFreight:  ledger.ParseMoney(totalFr.String),
		}

		agg := out[id]
		agg.TripCount++
		if lastMonth.Contains(parseDate(date)) {
			agg.TripCountLastMonth++
		}
		agg.Income = agg.Income.Add(ledger.TripIncome(t, trip))
		out[id] = agg
	}
	return out, rows.Err()
}

func scanTrip(row rowScanner) (ledger.Trip, error) {
	var (
		t                          ledger.Trip
		mineID, buyerID, truckerID sql.NullInt64
		date, status, freightPayer string
		createdAt                  sql.NullString

		weight, purchaseUnit, saleUnit, freightUnit, otherFreight sql.NullString
		totalSale, totalPurchase, totalFr, amountToRemit, profit  sql.NullString
	)
	err := row.Scan(&t.ID, &mineID, &buyerID, &truckerID, &t.DriverName, &t.Plate, &date,
		&weight, &purchaseUnit, &saleUnit, &freightUnit, &otherFreight,
		&totalSale, &totalPurchase, &totalFr, &amountToRemit, &profit,
		&status, &t.Hidden, &freightPayer, &createdAt)
	if err != nil {
		return t, err
	}

	t.MineID = intPtr(mineID)
	t.BuyerID = intPtr(buyerID)
	t.TruckerID = intPtr(truckerID)
	t.Date = parseDate(date)
	t.Weight = ledger.ParseMoney(weight.String)
	t.PurchaseUnitPrice = ledger.ParseMoney(purchaseUnit.String)
	t.SaleUnitPrice = ledger.ParseMoney(saleUnit.String)
	t.FreightUnitPrice = ledger.ParseMoney(freightUnit.String)
	t.OtherFreightCost = ledger.ParseMoney(otherFreight.String)
	t.TotalSale = ledger.ParseMoney(totalSale.String)
	t.TotalPurchase = ledger.ParseMoney(totalPurchase.String)
	t.TotalFreight = ledger.ParseMoney(totalFr.String)
	t.AmountToRemit = ledger.ParseMoney(amountToRemit.String)
	t.Profit = ledger.ParseMoney(profit.String)
	t.Status = ledger.TripStatus(status)
	t.FreightPayer = ledger.FreightPayer(freightPayer)
	t.CreatedAt = parseTime(createdAt)
	return t, nil
}
