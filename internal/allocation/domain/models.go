// Package domain contains the payment allocation engine types: splitting
// one captured transaction into typed buckets under a money-conservation
// invariant.
package domain

import (
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	ruledomain "github.com/canvastack/stencil/internal/ruleconfig/domain"
	"github.com/canvastack/stencil/pkg/money"
)

// BucketType is one typed share of a captured payment.
type BucketType string

const (
	BucketCustomerDP     BucketType = "customer_dp"
	BucketCustomerFinal  BucketType = "customer_final"
	BucketVendorDP       BucketType = "vendor_dp"
	BucketVendorFinal    BucketType = "vendor_final"
	BucketProfitMargin   BucketType = "profit_margin"
	BucketAdminFee       BucketType = "admin_fee"
	BucketTaxWithholding BucketType = "tax_withholding"
	BucketOther          BucketType = "other"
)

// PaymentAllocation is one committed bucket row. The rows of a
// transaction always sum exactly to the transaction amount.
type PaymentAllocation struct {
	ID            snowflake.ID `gorm:"primaryKey"`
	TenantID      snowflake.ID `gorm:"not null;index"`
	TransactionID snowflake.ID `gorm:"not null;uniqueIndex:ux_alloc_txn_bucket"`
	BucketType    BucketType   `gorm:"type:text;not null;uniqueIndex:ux_alloc_txn_bucket"`
	Amount        int64        `gorm:"not null"`
	CreatedAt     time.Time    `gorm:"not null"`
}

// TableName sets the database table name.
func (PaymentAllocation) TableName() string { return "payment_allocations" }

// Share is one computed bucket before persistence.
type Share struct {
	Type   BucketType
	Amount int64
}

var (
	ErrAllocationMismatch = errors.New("allocation_mismatch")
	ErrUnauthorized       = errors.New("unauthorized_actor")
	ErrEmptyPolicy        = errors.New("allocation_policy_empty")
	ErrInvalidAmount      = errors.New("amount_must_be_positive")
	ErrAlreadyAllocated   = errors.New("transaction_already_allocated")
)

// Split computes bucket shares for amount under policy. Percent policies
// must sum to exactly 100%; each share is floored and the rounding
// remainder lands in admin_fee so the shares always conserve the amount.
// Fixed-amount policies must sum to the amount exactly.
func Split(amount int64, policy []ruledomain.BucketPolicy) ([]Share, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if len(policy) == 0 {
		return nil, ErrEmptyPolicy
	}

	fixed := policy[0].Fixed > 0
	if fixed {
		return splitFixed(amount, policy)
	}
	return splitPercent(amount, policy)
}

func splitPercent(amount int64, policy []ruledomain.BucketPolicy) ([]Share, error) {
	var total money.BasisPoints
	for _, p := range policy {
		if p.Fixed > 0 {
			return nil, ErrAllocationMismatch
		}
		if !p.Percent.Valid() {
			return nil, ErrAllocationMismatch
		}
		total += p.Percent
	}
	if total != money.Full {
		return nil, ErrAllocationMismatch
	}

	shares := make([]Share, 0, len(policy)+1)
	var allocated int64
	adminIdx := -1
	for _, p := range policy {
		part := p.Percent.ApplyTo(amount)
		allocated += part
		if BucketType(p.Type) == BucketAdminFee {
			adminIdx = len(shares)
		}
		shares = append(shares, Share{Type: BucketType(p.Type), Amount: part})
	}

	if remainder := amount - allocated; remainder > 0 {
		if adminIdx >= 0 {
			shares[adminIdx].Amount += remainder
		} else {
			shares = append(shares, Share{Type: BucketAdminFee, Amount: remainder})
		}
	}
	return shares, nil
}

func splitFixed(amount int64, policy []ruledomain.BucketPolicy) ([]Share, error) {
	var total int64
	shares := make([]Share, 0, len(policy))
	for _, p := range policy {
		if p.Percent != 0 || p.Fixed <= 0 {
			return nil, ErrAllocationMismatch
		}
		total += p.Fixed
		shares = append(shares, Share{Type: BucketType(p.Type), Amount: p.Fixed})
	}
	if total != amount {
		return nil, ErrAllocationMismatch
	}
	return shares, nil
}
