package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"github.com/reviewly/dispatch/internal/core"
)

type NewCustomer struct {
	BusinessID string
	FirstName  string
	LastName   string
	Phone      *string
	Email      *string
}

func (s *Store) CreateCustomer(ctx context.Context, nc NewCustomer) (string, error) {
	var id string
	err := s.DB.QueryRow(ctx, `
		INSERT INTO customers(business_id, first_name, last_name, phone, email)
		VALUES($1,$2,$3,$4,$5)
		RETURNING id
	`, nc.BusinessID, nc.FirstName, nc.LastName, nc.Phone, nc.Email).Scan(&id)
	return id, err
}

func (s *Store) GetCustomer(ctx context.Context, id string) (core.Customer, error) {
	var c core.Customer
	err := s.DB.QueryRow(ctx, `
		SELECT id, business_id, first_name, last_name, phone, email, created_at
		FROM customers WHERE id=$1
	`, id).Scan(&c.ID, &c.BusinessID, &c.FirstName, &c.LastName, &c.Phone, &c.Email, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return core.Customer{}, core.ErrNotFound
	}
	return c, err
}
