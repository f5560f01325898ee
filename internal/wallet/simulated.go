package wallet

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/mbd888/watchmarket/internal/money"
	"github.com/mbd888/watchmarket/internal/syncutil"
)

// Simulated is an in-process Ledger Service. Accounts opened through
// OpenAccount are real secp256k1 keypairs with tracked balances; any other
// address is treated as an external account with unlimited funds.
type Simulated struct {
	memoLocks *syncutil.LocalLocker

	mu       sync.Mutex
	accounts map[string]money.Amount // opened account address -> balance
	receipts map[string]*Receipt     // memo -> receipt
	nonce    uint64
	failWhen func(TransferRequest) error

	logger *slog.Logger
}

// NewSimulated creates an empty simulated ledger.
func NewSimulated(logger *slog.Logger) *Simulated {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulated{
		memoLocks: syncutil.NewLocalLocker(0),
		accounts:  make(map[string]money.Amount),
		receipts:  make(map[string]*Receipt),
		logger:    logger,
	}
}

var _ Service = (*Simulated)(nil)

// FailWhen installs a hook consulted before every new transfer; a non-nil
// return fails the transfer. Pass nil to clear it.
func (s *Simulated) FailWhen(fn func(TransferRequest) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWhen = fn
}

// OpenAccount generates a fresh keypair. The address is the account id and
// the hex private key is the secret.
func (s *Simulated) OpenAccount(_ context.Context) (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, &TransferError{Op: "open_account", Err: err}
	}
	addr := crypto.PubkeyToAddress(key.PublicKey).Hex()

	s.mu.Lock()
	s.accounts[addr] = 0
	s.mu.Unlock()

	return &Account{Address: addr, Secret: hex.EncodeToString(crypto.FromECDSA(key))}, nil
}

func (s *Simulated) Transfer(ctx context.Context, req TransferRequest) (*Receipt, error) {
	if err := req.validate(); err != nil {
		return nil, transferErr(req.Memo, err)
	}

	unlock, err := s.memoLocks.Lock(ctx, req.Memo)
	if err != nil {
		return nil, transferErr(req.Memo, err)
	}
	defer unlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	if prev, ok := s.receipts[req.Memo]; ok {
		if prev.From != req.From || prev.To != req.To || prev.Amount != req.Amount {
			return nil, transferErr(req.Memo, ErrMemoConflict)
		}
		cp := *prev
		return &cp, nil
	}

	if s.failWhen != nil {
		if err := s.failWhen(req); err != nil {
			return nil, transferErr(req.Memo, err)
		}
	}

	if bal, managed := s.accounts[req.From]; managed {
		if err := checkCredential(req.From, req.Credential); err != nil {
			return nil, transferErr(req.Memo, err)
		}
		if bal < req.Amount {
			return nil, transferErr(req.Memo, fmt.Errorf("%w: %s holds %s, needs %s", ErrInsufficientFunds, req.From, bal, req.Amount))
		}
		s.accounts[req.From] = bal.Sub(req.Amount)
	}
	if bal, managed := s.accounts[req.To]; managed {
		s.accounts[req.To] = bal.Add(req.Amount)
	}

	s.nonce++
	r := &Receipt{
		TxHash:    txHash(req.Memo, req.From, req.To, req.Amount.String(), strconv.FormatUint(s.nonce, 10)),
		From:      req.From,
		To:        req.To,
		Amount:    req.Amount,
		Memo:      req.Memo,
		CreatedAt: time.Now(),
	}
	s.receipts[req.Memo] = r
	s.logger.Debug("simulated transfer", "memo", req.Memo, "amount", req.Amount.String(), "tx", r.TxHash)

	cp := *r
	return &cp, nil
}

func (s *Simulated) Convert(_ context.Context, amount money.Amount, method Method) (*Conversion, error) {
	c, err := Quote(amount, method)
	if err != nil {
		return nil, conversionErr(err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nonce++
	c.Reference = txHash("convert", string(method.Kind), amount.String(), strconv.FormatUint(s.nonce, 10))
	s.logger.Debug("simulated conversion", "method", method.Kind, "amount", amount.String(), "fee", c.Fee.String())
	return c, nil
}

// Balance returns the tracked balance of an opened account.
func (s *Simulated) Balance(address string) (money.Amount, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bal, ok := s.accounts[address]
	return bal, ok
}

// Receipt returns the receipt recorded for memo, if any.
func (s *Simulated) Receipt(memo string) (*Receipt, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.receipts[memo]
	if !ok {
		return nil, false
	}
	cp := *r
	return &cp, true
}

// checkCredential verifies that secret is the private key of address.
func checkCredential(address, secret string) error {
	if secret == "" {
		return ErrBadCredential
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(secret, "0x"))
	if err != nil {
		return ErrBadCredential
	}
	if crypto.PubkeyToAddress(key.PublicKey) != common.HexToAddress(address) {
		return ErrBadCredential
	}
	return nil
}

func txHash(parts ...string) string {
	return crypto.Keccak256Hash([]byte(strings.Join(parts, "|"))).Hex()
}
