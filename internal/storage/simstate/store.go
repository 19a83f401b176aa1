// Package simstate persists the simulated exchange state as a JSON file per pair.
package simstate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/youtix/gekko2-sub000/internal/domain"
)

const defaultStateDir = "./wal/simulate"

// Store persists engine state so a paper-trading session can resume.
type Store struct {
	path string
}

// NewStore creates a state store for pair under dir. Scope, when set, names the file instead of the pair.
func NewStore(dir string, pair domain.Pair, scope string) (*Store, error) {
	if dir == "" {
		dir = defaultStateDir
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "create simulate state dir")
	}

	name := sanitizeScope(scope)
	if name == "" {
		name = strings.ToLower(pair.String())
	}

	return &Store{path: filepath.Join(dir, fmt.Sprintf("%s.json", name))}, nil
}

// Path returns the file the store writes to.
func (s *Store) Path() string {
	return s.path
}

// State everything needed to rebuild the engine apart from candle history.
type State struct {
	Pair     string        `json:"pair"`
	Clock    time.Time     `json:"clock"`
	Sequence uint64        `json:"sequence"`
	Asset    StoredBalance `json:"asset"`
	Currency StoredBalance `json:"currency"`
	Orders   []StoredOrder `json:"orders"`
}

// StoredBalance serializable domain.BalanceDetail.
type StoredBalance struct {
	Free  string `json:"free"`
	Used  string `json:"used"`
	Total string `json:"total"`
}

// StoredOrder serializable domain.Order.
type StoredOrder struct {
	ID        string             `json:"id"`
	Side      domain.Side        `json:"side"`
	Type      domain.OrderType   `json:"type"`
	Price     string             `json:"price"`
	Amount    string             `json:"amount"`
	Filled    string             `json:"filled"`
	Remaining string             `json:"remaining"`
	Status    domain.OrderStatus `json:"status"`
	Timestamp time.Time          `json:"ts"`
}

// NewState converts engine data into its stored representation. Orders keep their given order.
func NewState(pair domain.Pair, clock time.Time, sequence uint64, p domain.Portfolio, orders []domain.Order) State {
	state := State{
		Pair:     pair.String(),
		Clock:    clock,
		Sequence: sequence,
		Asset:    newStoredBalance(p.Asset),
		Currency: newStoredBalance(p.Currency),
		Orders:   make([]StoredOrder, 0, len(orders)),
	}
	for _, o := range orders {
		state.Orders = append(state.Orders, StoredOrder{
			ID:        o.ID,
			Side:      o.Side,
			Type:      o.Type,
			Price:     o.Price.String(),
			Amount:    o.Amount.String(),
			Filled:    o.Filled.String(),
			Remaining: o.Remaining.String(),
			Status:    o.Status,
			Timestamp: o.Timestamp,
		})
	}
	return state
}

func newStoredBalance(b domain.BalanceDetail) StoredBalance {
	return StoredBalance{Free: b.Free.String(), Used: b.Used.String(), Total: b.Total.String()}
}

// Portfolio reconstructs the stored balances.
func (s State) Portfolio() (domain.Portfolio, error) {
	asset, err := s.Asset.toDomain()
	if err != nil {
		return domain.Portfolio{}, errors.Wrap(err, "decode asset balance")
	}
	currency, err := s.Currency.toDomain()
	if err != nil {
		return domain.Portfolio{}, errors.Wrap(err, "decode currency balance")
	}
	return domain.Portfolio{Asset: asset, Currency: currency}, nil
}

// DomainOrders reconstructs the stored orders.
func (s State) DomainOrders() ([]domain.Order, error) {
	orders := make([]domain.Order, 0, len(s.Orders))
	for _, so := range s.Orders {
		o, err := so.toDomain()
		if err != nil {
			return nil, errors.Wrapf(err, "decode order %s", so.ID)
		}
		orders = append(orders, o)
	}
	return orders, nil
}

func (b StoredBalance) toDomain() (domain.BalanceDetail, error) {
	values, err := parseDecimals(b.Free, b.Used, b.Total)
	if err != nil {
		return domain.BalanceDetail{}, err
	}
	return domain.BalanceDetail{Free: values[0], Used: values[1], Total: values[2]}, nil
}

func (so StoredOrder) toDomain() (domain.Order, error) {
	values, err := parseDecimals(so.Price, so.Amount, so.Filled, so.Remaining)
	if err != nil {
		return domain.Order{}, err
	}
	return domain.Order{
		ID:        so.ID,
		Side:      so.Side,
		Type:      so.Type,
		Price:     values[0],
		Amount:    values[1],
		Filled:    values[2],
		Remaining: values[3],
		Status:    so.Status,
		Timestamp: so.Timestamp,
	}, nil
}

func parseDecimals(raw ...string) ([]decimal.Decimal, error) {
	out := make([]decimal.Decimal, len(raw))
	for i, r := range raw {
		if r == "" {
			out[i] = decimal.Zero
			continue
		}
		d, err := decimal.NewFromString(r)
		if err != nil {
			return nil, err
		}
		out[i] = d
	}
	return out, nil
}

// Load reads state from disk. A missing or empty file yields nil state.
func (s *Store) Load() (*State, error) {
	if s == nil || s.path == "" {
		return nil, nil
	}

	payload, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}

		return nil, errors.Wrap(err, "read simulate state")
	}

	if len(payload) == 0 {
		return nil, nil
	}

	var state State
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, errors.Wrap(err, "decode simulate state")
	}

	return &state, nil
}

// Save writes state to disk atomically via temp file.
func (s *Store) Save(state State) error {
	if s == nil || s.path == "" {
		return nil
	}

	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode simulate state")
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return errors.Wrap(err, "write simulate state temp file")
	}

	if err := os.Rename(tmp, s.path); err != nil {
		return errors.Wrap(err, "persist simulate state")
	}

	return nil
}

func sanitizeScope(value string) string {
	value = strings.TrimSpace(strings.ToLower(value))
	if value == "" {
		return ""
	}

	var b strings.Builder

	prevUnderscore := false

	for _, r := range value {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)

			prevUnderscore = false

			continue
		}

		if !prevUnderscore {
			b.WriteByte('_')

			prevUnderscore = true
		}
	}

	return strings.Trim(b.String(), "_")
}
