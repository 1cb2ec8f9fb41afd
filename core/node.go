package core

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"invochain/config"
	"invochain/core/events"
	"invochain/core/state"
	"invochain/core/types"
	"invochain/crypto"
	"invochain/native/bids"
	nativecommon "invochain/native/common"
	"invochain/native/escrow"
	"invochain/native/funding"
	"invochain/native/identity"
	"invochain/native/investments"
	"invochain/native/invoice"
	"invochain/native/params"
	paramstate "invochain/native/params/state"
	"invochain/native/receipts"
	"invochain/storage"
)

// ErrUnauthorized is returned by node entry points that gate direct custody
// interventions behind the admin role.
var ErrUnauthorized = errors.New("core: caller not authorized")

// eventFeedCap bounds the in-memory event feed; RPC consumers poll faster
// than this fills under normal load, and a stalled consumer loses the oldest
// entries rather than growing the node without bound.
const eventFeedCap = 1024

// Node is the central controller. It owns the database handle and the ledger
// state manager, wires every native engine against them, serializes all
// operations behind a single mutex and additionally wraps the fund-moving
// entry points in the persisted reentrancy guard.
type Node struct {
	db       storage.Database
	state    *state.Manager
	invoices *invoice.Registry
	bids     *bids.Engine
	escrows  *escrow.Engine
	ledger   *investments.Ledger
	receipts *receipts.Ledger
	funding  *funding.Engine
	identity *identity.Registry

	stateMu sync.Mutex

	eventMu    sync.Mutex
	events     []*types.Event
	eventHooks []func(*types.Event)
}

type eventWithPayload interface {
	Event() *types.Event
}

// nodeEventEmitter forwards engine events into the node's feed. Engines emit
// only after their state write succeeded, so everything that lands here
// describes a committed change.
type nodeEventEmitter struct {
	node *Node
}

func (e nodeEventEmitter) Emit(evt events.Event) {
	if e.node == nil || evt == nil {
		return
	}
	payload, ok := evt.(eventWithPayload)
	if !ok {
		return
	}
	event := payload.Event()
	if event == nil {
		return
	}
	e.node.appendEvent(event)
}

// pauseView reads the persisted pause switches on every check so a
// governance update takes effect without restarting the node. An unreadable
// pause record reads as unpaused; governance re-sets it rather than the
// decode failure halting every module.
type pauseView struct {
	state *state.Manager
}

func (p pauseView) IsPaused(module string) bool {
	if p.state == nil {
		return false
	}
	paused, err := paramstate.ModulePaused(p.state, module)
	if err != nil {
		return false
	}
	return paused
}

// NewNode wires the ledger state and every native engine over the supplied
// database and seeds genesis state from the configuration when the database
// is empty.
func NewNode(db storage.Database, cfg *config.Config) (*Node, error) {
	if db == nil {
		return nil, errors.New("core: storage database required")
	}
	n := &Node{
		db:    db,
		state: state.NewManager(db),
	}
	emitter := nodeEventEmitter{node: n}
	pauses := pauseView{state: n.state}

	n.identity = identity.NewRegistry()
	n.identity.SetState(n.state)
	n.identity.SetEmitter(emitter)

	n.invoices = invoice.NewRegistry()
	n.invoices.SetState(n.state)
	n.invoices.SetIdentity(n.identity)
	n.invoices.SetPauses(pauses)
	n.invoices.SetEmitter(emitter)

	n.bids = bids.NewEngine()
	n.bids.SetState(n.state)
	n.bids.SetIdentity(n.identity)
	n.bids.SetPauses(pauses)
	n.bids.SetEmitter(emitter)

	n.escrows = escrow.NewEngine()
	n.escrows.SetState(n.state)
	n.escrows.SetEmitter(emitter)

	n.ledger = investments.NewLedger(n.state)
	n.ledger.SetEmitter(emitter)

	n.receipts = receipts.NewLedger(n.state)

	n.funding = funding.NewEngine(n.invoices, n.bids, n.escrows, n.ledger)
	n.funding.SetState(n.state)
	n.funding.SetIdentity(n.identity)
	n.funding.SetPauses(pauses)
	n.funding.SetEmitter(emitter)
	n.funding.SetReceipts(n.receipts)

	if cfg != nil {
		if err := n.seedGenesis(cfg.Genesis); err != nil {
			return nil, fmt.Errorf("core: seed genesis: %w", err)
		}
	}
	return n, nil
}

// State exposes the ledger state manager for read-side tooling.
func (n *Node) State() *state.Manager { return n.state }

func (n *Node) appendEvent(evt *types.Event) {
	n.eventMu.Lock()
	n.events = append(n.events, evt)
	if len(n.events) > eventFeedCap {
		n.events = n.events[len(n.events)-eventFeedCap:]
	}
	hooks := append(([]func(*types.Event))(nil), n.eventHooks...)
	n.eventMu.Unlock()
	for _, hook := range hooks {
		hook(evt)
	}
}

// RegisterEventHook subscribes fn to every emitted event. Hooks run outside
// the state mutex on the emitting goroutine and must not call back into the
// node's mutating entry points.
func (n *Node) RegisterEventHook(fn func(*types.Event)) {
	if fn == nil {
		return
	}
	n.eventMu.Lock()
	n.eventHooks = append(n.eventHooks, fn)
	n.eventMu.Unlock()
}

// LatestEvents returns up to limit of the most recent events, oldest first.
// A non-positive limit returns the whole retained feed.
func (n *Node) LatestEvents(limit int) []*types.Event {
	n.eventMu.Lock()
	defer n.eventMu.Unlock()
	if limit <= 0 || limit > len(n.events) {
		limit = len(n.events)
	}
	out := make([]*types.Event, limit)
	copy(out, n.events[len(n.events)-limit:])
	return out
}

// --- Genesis seeding ---

func decodeSeedAddress(value string) ([20]byte, error) {
	var out [20]byte
	addr, err := crypto.DecodeAddress(strings.TrimSpace(value))
	if err != nil {
		return out, err
	}
	copy(out[:], addr.Bytes())
	return out, nil
}

func parseSeedAmount(value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid decimal amount %q", value)
	}
	return amount, nil
}

// seedGenesis registers the protocol tokens and applies the configured
// parameters, roles and opening balances. Seeding runs once: a state that
// already knows the INV token is left untouched so restarts never clobber
// runtime changes with stale configuration.
func (n *Node) seedGenesis(gen config.Genesis) error {
	if n.state.TokenExists("INV") {
		return nil
	}
	if err := n.state.RegisterToken("INV", "Invoice Token", 18); err != nil {
		return err
	}
	if err := n.state.RegisterToken("ZINV", "Invoice Yield Token", 18); err != nil {
		return err
	}

	store := params.NewStore(n.state)
	policy := params.FeePolicy{
		FeeBps:           gen.FeePolicy.FeeBps,
		TreasuryShareBps: gen.FeePolicy.TreasuryShareBps,
	}
	if strings.TrimSpace(gen.FeePolicy.Treasury) != "" {
		treasury, err := decodeSeedAddress(gen.FeePolicy.Treasury)
		if err != nil {
			return fmt.Errorf("fee policy treasury: %w", err)
		}
		policy.Treasury = treasury
	}
	if strings.TrimSpace(gen.FeePolicy.Platform) != "" {
		platform, err := decodeSeedAddress(gen.FeePolicy.Platform)
		if err != nil {
			return fmt.Errorf("fee policy platform: %w", err)
		}
		policy.Platform = platform
	}
	if err := store.SetFeePolicy(policy); err != nil {
		return err
	}

	limits := params.Limits{
		MaxPageSize:   gen.Limits.MaxPageSize,
		BidTTLSeconds: gen.Limits.BidTTLSeconds,
	}
	maxAmount, err := parseSeedAmount(gen.Limits.MaxAmount)
	if err != nil {
		return fmt.Errorf("limits max amount: %w", err)
	}
	limits.MaxAmount = maxAmount
	minBid, err := parseSeedAmount(gen.Limits.MinBidAmount)
	if err != nil {
		return fmt.Errorf("limits min bid amount: %w", err)
	}
	limits.MinBidAmount = minBid
	if err := store.SetLimits(limits); err != nil {
		return err
	}

	if err := store.SetPauses(gen.Pauses); err != nil {
		return err
	}

	roleSeeds := []struct {
		role      string
		addresses []string
	}{
		{identity.RoleAdmin, gen.Roles.Admins},
		{identity.RoleInvestor, gen.Roles.Investors},
		{identity.RoleBusiness, gen.Roles.Businesses},
	}
	for _, seed := range roleSeeds {
		for _, encoded := range seed.addresses {
			addr, err := decodeSeedAddress(encoded)
			if err != nil {
				return fmt.Errorf("role %s address %q: %w", seed.role, encoded, err)
			}
			if err := n.state.SetRole(seed.role, addr[:]); err != nil {
				return err
			}
		}
	}

	for _, seed := range gen.Balances {
		addr, err := decodeSeedAddress(seed.Address)
		if err != nil {
			return fmt.Errorf("balance address %q: %w", seed.Address, err)
		}
		amount, err := parseSeedAmount(seed.Amount)
		if err != nil {
			return fmt.Errorf("balance for %s: %w", seed.Address, err)
		}
		if amount == nil || amount.Sign() < 0 {
			return fmt.Errorf("balance for %s: amount must be non-negative", seed.Address)
		}
		token, err := escrow.NormalizeToken(seed.Token)
		if err != nil {
			return fmt.Errorf("balance for %s: %w", seed.Address, err)
		}
		account, err := n.state.GetAccount(addr[:])
		if err != nil {
			return err
		}
		switch token {
		case "INV":
			account.BalanceINV = new(big.Int).Add(account.BalanceINV, amount)
		case "ZINV":
			account.BalanceZINV = new(big.Int).Add(account.BalanceZINV, amount)
		}
		if err := n.state.PutAccount(addr[:], account); err != nil {
			return err
		}
	}
	return nil
}

// --- Invoice entry points ---

func (n *Node) InvoiceCreate(business [20]byte, amount *big.Int, dueDate int64, token, category, reference string) (*invoice.Invoice, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.invoices.Create(business, amount, dueDate, token, category, reference)
}

func (n *Node) InvoiceVerify(caller [20]byte, id [32]byte) (*invoice.Invoice, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.invoices.Verify(caller, id)
}

func (n *Node) InvoiceCancel(caller [20]byte, id [32]byte) (*invoice.Invoice, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.invoices.Cancel(caller, id)
}

func (n *Node) InvoiceSetDispute(caller [20]byte, id [32]byte, disputed bool) (*invoice.Invoice, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.invoices.SetDispute(caller, id, disputed)
}

func (n *Node) InvoiceGet(id [32]byte) (*invoice.Invoice, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.invoices.Get(id)
}

func (n *Node) InvoiceCounts() (uint64, map[invoice.InvoiceStatus]uint64, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.invoices.Counts()
}

// --- Bid entry points ---

func (n *Node) BidPlace(investor [20]byte, invoiceID [32]byte, amount, expectedReturn *big.Int) (*bids.Bid, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.bids.Place(investor, invoiceID, amount, expectedReturn)
}

func (n *Node) BidWithdraw(caller [20]byte, id [32]byte) (*bids.Bid, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.bids.Withdraw(caller, id)
}

func (n *Node) BidCancel(caller [20]byte, id [32]byte) (*bids.Bid, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.bids.Cancel(caller, id)
}

func (n *Node) BidGet(id [32]byte) (*bids.Bid, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.bids.Get(id)
}

func (n *Node) BidsRanked(invoiceID [32]byte) ([]*bids.Bid, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.bids.Ranked(invoiceID)
}

func (n *Node) BidBest(invoiceID [32]byte) (*bids.Bid, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.bids.Best(invoiceID)
}

func (n *Node) BidsCleanupExpired(invoiceID [32]byte) (int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.bids.ExpireDue(invoiceID)
}

// --- Funding entry points (reentrancy-guarded) ---

func (n *Node) FundingAcceptBid(caller [20]byte, invoiceID, bidID [32]byte) ([32]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	var escrowID [32]byte
	err := nativecommon.WithGuard(n.state, func() error {
		esc, err := n.funding.AcceptBidAndFund(caller, invoiceID, bidID)
		if err != nil {
			return err
		}
		escrowID = esc.ID
		return nil
	})
	if err != nil {
		return [32]byte{}, err
	}
	return escrowID, nil
}

func (n *Node) FundingRecordRepayment(caller [20]byte, invoiceID [32]byte, amount *big.Int) (*funding.SettlementResult, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	var result *funding.SettlementResult
	err := nativecommon.WithGuard(n.state, func() error {
		settled, err := n.funding.RecordRepayment(caller, invoiceID, amount)
		if err != nil {
			return err
		}
		result = settled
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (n *Node) FundingMarkDefaulted(caller [20]byte, invoiceID [32]byte) (*invoice.Invoice, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	var defaulted *invoice.Invoice
	err := nativecommon.WithGuard(n.state, func() error {
		inv, err := n.funding.MarkDefaulted(caller, invoiceID)
		if err != nil {
			return err
		}
		defaulted = inv
		return nil
	})
	if err != nil {
		return nil, err
	}
	return defaulted, nil
}

// --- Escrow entry points ---

func (n *Node) EscrowGet(id [32]byte) (*escrow.Escrow, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrows.Get(id)
}

func (n *Node) EscrowByInvoice(invoiceID [32]byte) (*escrow.Escrow, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.escrows.ByInvoice(invoiceID)
}

// EscrowRelease hands the held principal to the business outside the normal
// settlement flow. It exists for dispute-resolution interventions and is
// therefore admin-gated; RecordRepayment is the regular path.
func (n *Node) EscrowRelease(caller [20]byte, id [32]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if !n.identity.IsAdmin(caller) {
		return ErrUnauthorized
	}
	return nativecommon.WithGuard(n.state, func() error {
		return n.escrows.Release(id)
	})
}

// EscrowRefund returns the held principal to the investor outside the normal
// default flow. Admin-gated like EscrowRelease.
func (n *Node) EscrowRefund(caller [20]byte, id [32]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	if !n.identity.IsAdmin(caller) {
		return ErrUnauthorized
	}
	return nativecommon.WithGuard(n.state, func() error {
		return n.escrows.Refund(id)
	})
}

func (n *Node) EscrowVaultAddress(token string) ([20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.state.EscrowVaultAddress(token)
}

// --- Investment entry points ---

func (n *Node) InvestmentGet(id [32]byte) (*investments.Investment, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.Get(id)
}

func (n *Node) InvestmentByInvoice(invoiceID [32]byte) (*investments.Investment, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.ByInvoice(invoiceID)
}

func (n *Node) InvestmentsListByInvestor(investor [20]byte, offset, limit int) ([]*investments.Investment, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.ledger.ListByInvestor(investor, offset, limit)
}

// --- Settlement receipt entry points ---

func (n *Node) ReceiptGet(invoiceID [32]byte) (*receipts.Receipt, bool, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.receipts.Get(invoiceID)
}

func (n *Node) ReceiptsList(startTs, endTs int64, cursor string, limit int) ([]*receipts.Receipt, string, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.receipts.List(startTs, endTs, cursor, limit)
}

// ReceiptsExport renders the settlement receipts in the window as base64 CSV
// together with the entry count and total repayment volume.
func (n *Node) ReceiptsExport(startTs, endTs int64) (string, int, *big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.receipts.ExportCSV(startTs, endTs)
}

// --- Token entry points ---

func (n *Node) TokenApprove(owner, spender [20]byte, token string, amount *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return err
	}
	return n.state.SetAllowance(owner, spender, normalized, amount)
}

func (n *Node) TokenAllowance(owner, spender [20]byte, token string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	return n.state.Allowance(owner, spender, normalized)
}

func (n *Node) TokenBalance(addr [20]byte, token string) (*big.Int, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	normalized, err := escrow.NormalizeToken(token)
	if err != nil {
		return nil, err
	}
	account, err := n.state.GetAccount(addr[:])
	if err != nil {
		return nil, err
	}
	switch normalized {
	case "ZINV":
		return account.BalanceZINV, nil
	default:
		return account.BalanceINV, nil
	}
}

// --- Identity entry points ---

func (n *Node) IdentityGrantRole(caller [20]byte, role string, addr [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.identity.Grant(caller, role, addr)
}

func (n *Node) IdentityRevokeRole(caller [20]byte, role string, addr [20]byte) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.identity.Revoke(caller, role, addr)
}

func (n *Node) IdentityRolesOf(addr [20]byte) []string {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.identity.RolesOf(addr)
}

func (n *Node) IdentityMembers(role string) ([][20]byte, error) {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.identity.Members(role)
}

func (n *Node) IdentitySetInvestorLimit(caller, addr [20]byte, limit *big.Int) error {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.identity.SetInvestorLimit(caller, addr, limit)
}
