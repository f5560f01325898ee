// Package wallet talks to the Ledger Service: the external system that holds
// settlement accounts, moves funds between them and converts BRL into the
// settlement asset.
//
// Two implementations exist. Simulated runs in-process and is used for
// development and tests; Gateway calls a remote ledger over HTTP. Both are
// idempotent per memo: repeating a transfer with the same memo returns the
// original receipt without moving funds twice.
package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/watchmarket/internal/money"
)

// -----------------------------------------------------------------------------
// Errors - typed errors for programmatic handling
// -----------------------------------------------------------------------------

var (
	ErrTransferFailed    = errors.New("wallet: transfer failed")
	ErrConversionFailed  = errors.New("wallet: conversion failed")
	ErrInvalidRequest    = errors.New("wallet: invalid request")
	ErrInsufficientFunds = errors.New("wallet: insufficient funds")
	ErrBadCredential     = errors.New("wallet: credential does not control source account")
	ErrMemoConflict      = errors.New("wallet: memo already used for a different transfer")
	ErrUnknownMethod     = errors.New("wallet: unknown payment method")
)

// TransferError wraps Ledger Service failures with context.
type TransferError struct {
	Op   string // transfer, convert, open_account
	Memo string // memo of the failed transfer, if any
	Err  error
}

func (e *TransferError) Error() string {
	if e.Memo != "" {
		return fmt.Sprintf("wallet: %s failed (memo: %s): %v", e.Op, e.Memo, e.Err)
	}
	return fmt.Sprintf("wallet: %s failed: %v", e.Op, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// transferErr builds a TransferError whose chain includes ErrTransferFailed.
func transferErr(memo string, err error) error {
	if !errors.Is(err, ErrTransferFailed) {
		err = fmt.Errorf("%w: %w", ErrTransferFailed, err)
	}
	return &TransferError{Op: "transfer", Memo: memo, Err: err}
}

func conversionErr(err error) error {
	if !errors.Is(err, ErrConversionFailed) {
		err = fmt.Errorf("%w: %w", ErrConversionFailed, err)
	}
	return &TransferError{Op: "convert", Err: err}
}

// -----------------------------------------------------------------------------
// Types
// -----------------------------------------------------------------------------

// Account is a freshly opened ledger account. Secret controls it and must be
// sealed before it is stored anywhere.
type Account struct {
	Address string `json:"address"`
	Secret  string `json:"secret"`
}

// TransferRequest moves Amount from From to To. Credential is required when
// From is an account opened through OpenAccount.
type TransferRequest struct {
	From       string       `json:"from"`
	To         string       `json:"to"`
	Amount     money.Amount `json:"amount"`
	Memo       string       `json:"memo"`
	Credential string       `json:"credential,omitempty"`
}

func (r TransferRequest) validate() error {
	switch {
	case r.From == "" || r.To == "":
		return fmt.Errorf("%w: source and destination required", ErrInvalidRequest)
	case r.From == r.To:
		return fmt.Errorf("%w: source and destination are the same account", ErrInvalidRequest)
	case !r.Amount.IsPositive():
		return fmt.Errorf("%w: amount must be positive", ErrInvalidRequest)
	case r.Memo == "":
		return fmt.Errorf("%w: memo required", ErrInvalidRequest)
	}
	return nil
}

// Receipt confirms a completed transfer.
type Receipt struct {
	TxHash    string       `json:"txHash"`
	From      string       `json:"from"`
	To        string       `json:"to"`
	Amount    money.Amount `json:"amount"`
	Memo      string       `json:"memo"`
	CreatedAt time.Time    `json:"createdAt"`
}

// MethodKind is how a buyer funds a payment.
type MethodKind string

const (
	MethodPix        MethodKind = "pix"
	MethodCreditCard MethodKind = "credit_card"
	MethodAsset      MethodKind = "asset" // already in the settlement asset; no conversion
)

// MaxInstallments bounds credit card installments.
const MaxInstallments = 12

// Method describes a funding method.
type Method struct {
	Kind         MethodKind `json:"kind"`
	Installments int        `json:"installments,omitempty"`
}

// Pix is the instant-transfer method.
func Pix() Method { return Method{Kind: MethodPix} }

// CreditCard pays in the given number of installments.
func CreditCard(installments int) Method {
	return Method{Kind: MethodCreditCard, Installments: installments}
}

// Conversion is the result of converting a BRL amount to the settlement
// asset.
type Conversion struct {
	Reference   string       `json:"reference"`
	Method      Method       `json:"method"`
	Amount      money.Amount `json:"amount"`      // BRL charged
	Fee         money.Amount `json:"fee"`         // BRL kept by the processor
	Net         money.Amount `json:"net"`         // BRL converted
	AssetAmount money.Amount `json:"assetAmount"` // settlement asset received
}

// Service is the Ledger Service as seen by the marketplace.
type Service interface {
	// OpenAccount creates a new account controlled by the returned secret.
	OpenAccount(ctx context.Context) (*Account, error)
	// Transfer moves funds. Errors match ErrTransferFailed.
	Transfer(ctx context.Context, req TransferRequest) (*Receipt, error)
	// Convert charges amount with method. Errors match ErrConversionFailed.
	Convert(ctx context.Context, amount money.Amount, method Method) (*Conversion, error)
}
