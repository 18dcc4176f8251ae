package db

import (
	"context"
	"fmt"
)

// UpsertOrder journals the latest state of an order.
func (d *Database) UpsertOrder(ctx context.Context, o Order) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO orders (client_ref, broker_id, instrument, side, qty, kind, limit_price, account, status, status_text)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_ref) DO UPDATE SET
			broker_id = excluded.broker_id,
			status = excluded.status,
			status_text = excluded.status_text,
			updated_at = CURRENT_TIMESTAMP
	`, o.ClientRef, o.BrokerID, o.Instrument, o.Side, o.Qty, o.Kind, o.LimitPrice, o.Account, o.Status, o.StatusText)
	if err != nil {
		return fmt.Errorf("upsert order: %w", err)
	}
	return nil
}

// UpdateOrderStatus journals a status transition for an order.
func (d *Database) UpdateOrderStatus(ctx context.Context, clientRef, status, text string) error {
	_, err := d.DB.ExecContext(ctx, `
		UPDATE orders SET status = ?, status_text = ?, updated_at = CURRENT_TIMESTAMP
		WHERE client_ref = ?
	`, status, text, clientRef)
	if err != nil {
		return fmt.Errorf("update order status: %w", err)
	}
	return nil
}

// InsertFill journals one reconciled fill. The exec_id unique constraint
// backs the emit-once invariant across restarts.
func (d *Database) InsertFill(ctx context.Context, f Fill) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO fills (id, exec_id, client_ref, broker_id, instrument, account, qty, cum_qty, remaining, price, commission, status, venue_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, f.ID, f.ExecID, f.ClientRef, f.BrokerID, f.Instrument, f.Account, f.Qty, f.CumQty, f.Remaining, f.Price, f.Commission, f.Status, f.VenueTime)
	if err != nil {
		return fmt.Errorf("insert fill: %w", err)
	}
	return nil
}

// ListOrders returns the journaled orders, newest first.
func (d *Database) ListOrders(ctx context.Context, limit int) ([]Order, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT client_ref, broker_id, instrument, side, qty, kind, limit_price, account, status, status_text, created_at, updated_at
		FROM orders ORDER BY updated_at DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	var orders []Order
	for rows.Next() {
		var o Order
		if err := rows.Scan(&o.ClientRef, &o.BrokerID, &o.Instrument, &o.Side, &o.Qty, &o.Kind,
			&o.LimitPrice, &o.Account, &o.Status, &o.StatusText, &o.CreatedAt, &o.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// ListFills returns journaled fills for one order.
func (d *Database) ListFills(ctx context.Context, clientRef string) ([]Fill, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, exec_id, client_ref, broker_id, instrument, account, qty, cum_qty, remaining, price, commission, status, venue_time, created_at
		FROM fills WHERE client_ref = ? ORDER BY created_at
	`, clientRef)
	if err != nil {
		return nil, fmt.Errorf("query fills: %w", err)
	}
	defer rows.Close()

	var fills []Fill
	for rows.Next() {
		var f Fill
		if err := rows.Scan(&f.ID, &f.ExecID, &f.ClientRef, &f.BrokerID, &f.Instrument, &f.Account,
			&f.Qty, &f.CumQty, &f.Remaining, &f.Price, &f.Commission, &f.Status, &f.VenueTime, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fill: %w", err)
		}
		fills = append(fills, f)
	}
	return fills, rows.Err()
}
