package accounting

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-ledger/internal/accounting/shared"
	sharedlog "github.com/odyssey-erp/odyssey-ledger/internal/shared"
)

func approvalFixture(t *testing.T, mutate ...func(*Options)) *ledgerFixture {
	f := newFixture(t, mutate...)
	f.account("cash", AccountTypeAsset, withOpening("1000"))
	f.account("payroll", AccountTypeExpense, withSettings(AccountSettings{RequireApproval: true}))
	return f
}

func TestApproveAutoPosts(t *testing.T) {
	f := approvalFixture(t)
	txn := f.submit("pay-1", debit("payroll", "400"), credit("cash", "400"))
	require.Equal(t, StatusPending, txn.Status)

	approved, err := f.svc.Approve(f.ctx, "pay-1", "boss")
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, approved.Status)
	assert.Equal(t, "boss", approved.ApprovedBy)
	f.requireBalance("cash", "600")
	f.requireBalance("payroll", "400")

	history, err := f.svc.ApprovalHistory(f.ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sharedlog.ApprovalSubmit, history[0].Action)
	assert.Equal(t, "clerk", history[0].ActorID)
	assert.Equal(t, sharedlog.ApprovalApprove, history[1].Action)
	assert.Equal(t, "boss", history[1].ActorID)
}

func TestApproveWithoutAutoPost(t *testing.T) {
	f := approvalFixture(t, func(o *Options) { o.AutoPostOnApproval = false })
	f.submit("pay-1", debit("payroll", "400"), credit("cash", "400"))

	approved, err := f.svc.Approve(f.ctx, "pay-1", "boss")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, approved.Status)
	f.requireBalance("cash", "1000")

	_, err = f.svc.Post(f.ctx, "pay-1")
	require.NoError(t, err)
	f.requireBalance("cash", "600")
}

func TestApproveKeepsApprovedWhenPostingFails(t *testing.T) {
	f := approvalFixture(t)
	f.submit("pay-1", debit("payroll", "1500"), credit("cash", "1500"))

	txn, err := f.svc.Approve(f.ctx, "pay-1", "boss")
	require.ErrorIs(t, err, shared.ErrNegativeBalanceRejected)
	assert.Equal(t, StatusApproved, txn.Status)

	stored, err := f.svc.GetTransaction(f.ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, stored.Status)
	f.requireBalance("cash", "1000")
}

func TestRejectEndsWorkflow(t *testing.T) {
	f := approvalFixture(t)
	f.submit("pay-1", debit("payroll", "400"), credit("cash", "400"))

	_, err := f.svc.Reject(f.ctx, "pay-1", "boss", "  ")
	require.ErrorIs(t, err, shared.ErrInvalidInput)

	rejected, err := f.svc.Reject(f.ctx, "pay-1", "boss", "duplicate claim")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, rejected.Status)
	assert.Equal(t, "duplicate claim", rejected.RejectionReason)
	f.requireBalance("cash", "1000")

	_, err = f.svc.Approve(f.ctx, "pay-1", "boss")
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
	_, err = f.svc.Post(f.ctx, "pay-1")
	require.ErrorIs(t, err, shared.ErrIllegalTransition)

	history, err := f.svc.ApprovalHistory(f.ctx, "pay-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, sharedlog.ApprovalReject, history[1].Action)
	assert.Equal(t, "duplicate claim", history[1].Note)
}

func TestReverseOnce(t *testing.T) {
	f := newFixture(t)
	f.account("cash", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)
	f.submit("t1", debit("cash", "100"), credit("sales", "100"))

	reversal, err := f.svc.Reverse(f.ctx, "t1", ReverseInput{})
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, reversal.Status)
	assert.Equal(t, TransactionTypeReversal, reversal.Type)
	assert.Equal(t, "t1", reversal.ReversalOf)
	assert.Equal(t, "REVERSAL:t1", reversal.Reference)
	assert.Equal(t, "Reversal of t1", reversal.Description)
	f.requireBalance("cash", "0")
	f.requireBalance("sales", "0")

	original, err := f.svc.GetTransaction(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, reversal.ID, original.ReversedBy)

	_, err = f.svc.Reverse(f.ctx, "t1", ReverseInput{})
	require.ErrorIs(t, err, shared.ErrAlreadyReversed)
	f.requireBalance("cash", "0")
}

func TestReverseRequiresPosted(t *testing.T) {
	f := approvalFixture(t)
	f.submit("pay-1", debit("payroll", "400"), credit("cash", "400"))

	_, err := f.svc.Reverse(f.ctx, "pay-1", ReverseInput{Description: "undo"})
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestReverseFailureLeavesNoTrace(t *testing.T) {
	f := newFixture(t)
	f.account("cash", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)
	f.account("rent", AccountTypeExpense)
	f.submit("t1", debit("cash", "100"), credit("sales", "100"))
	f.submit("t2", debit("rent", "100"), credit("cash", "100"))

	_, err := f.svc.Reverse(f.ctx, "t1", ReverseInput{})
	require.ErrorIs(t, err, shared.ErrNegativeBalanceRejected)

	original, err := f.svc.GetTransaction(f.ctx, "t1")
	require.NoError(t, err)
	assert.Empty(t, original.ReversedBy)
	_, err = f.svc.GetTransaction(f.ctx, reversalID("t1", 0))
	require.ErrorIs(t, err, shared.ErrTransactionNotFound)
	f.requireBalance("cash", "0")
	f.requireBalance("sales", "100")

	f.submit("t3", debit("cash", "100"), credit("sales", "100"))
	reversal, err := f.svc.Reverse(f.ctx, "t1", ReverseInput{})
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, reversal.Status)
	assert.Equal(t, reversalID("t1", 0), reversal.ID)
	f.requireBalance("cash", "0")
	f.requireBalance("sales", "100")

	original, err = f.svc.GetTransaction(f.ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, reversal.ID, original.ReversedBy)
}

func TestReverseNeedingApproval(t *testing.T) {
	f := approvalFixture(t)
	f.submit("pay-1", debit("payroll", "400"), credit("cash", "400"))
	_, err := f.svc.Approve(f.ctx, "pay-1", "boss")
	require.NoError(t, err)
	f.requireBalance("cash", "600")

	first, err := f.svc.Reverse(f.ctx, "pay-1", ReverseInput{})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)
	original, err := f.svc.GetTransaction(f.ctx, "pay-1")
	require.NoError(t, err)
	assert.Empty(t, original.ReversedBy, "linked only once the reversal posts")

	_, err = f.svc.Reverse(f.ctx, "pay-1", ReverseInput{})
	require.ErrorIs(t, err, shared.ErrAlreadyReversed)

	_, err = f.svc.Reject(f.ctx, first.ID, "boss", "wrong period")
	require.NoError(t, err)
	f.requireBalance("cash", "600")

	second, err := f.svc.Reverse(f.ctx, "pay-1", ReverseInput{Description: "second try"})
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, StatusPending, second.Status)

	posted, err := f.svc.Approve(f.ctx, second.ID, "boss")
	require.NoError(t, err)
	assert.Equal(t, StatusPosted, posted.Status)
	f.requireBalance("cash", "1000")
	f.requireBalance("payroll", "0")

	original, err = f.svc.GetTransaction(f.ctx, "pay-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, original.ReversedBy)

	_, err = f.svc.Reverse(f.ctx, "pay-1", ReverseInput{})
	require.ErrorIs(t, err, shared.ErrAlreadyReversed)
}

func TestUpdateDraft(t *testing.T) {
	f := newFixture(t)
	f.account("cash", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)

	_, err := f.svc.CreateDraft(f.ctx, f.input("t1", debit("cash", "10"), credit("sales", "10")))
	require.NoError(t, err)

	updated, err := f.svc.UpdateDraft(f.ctx, "t1", f.input("", debit("cash", "25"), credit("sales", "25")))
	require.NoError(t, err)
	assert.True(t, updated.Amount.Equal(dec("25")))
	assert.Equal(t, StatusDraft, updated.Status)

	_, err = f.svc.UpdateDraft(f.ctx, "t1", f.input("", debit("cash", "25"), credit("sales", "20")))
	require.ErrorIs(t, err, shared.ErrUnbalancedTransaction)

	_, err = f.svc.SubmitDraft(f.ctx, "t1")
	require.NoError(t, err)
	f.requireBalance("cash", "25")

	_, err = f.svc.UpdateDraft(f.ctx, "t1", f.input("", debit("cash", "30"), credit("sales", "30")))
	require.ErrorIs(t, err, shared.ErrIllegalTransition)
}

func TestStalePending(t *testing.T) {
	f := approvalFixture(t)
	f.submit("pay-1", debit("payroll", "10"), credit("cash", "10"))
	f.now = f.now.Add(24 * time.Hour)
	f.submit("pay-2", debit("payroll", "10"), credit("cash", "10"))
	f.now = f.now.Add(60 * time.Hour)

	stale, err := f.svc.StalePending(f.ctx, 0)
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "pay-1", stale[0].ID)

	stale, err = f.svc.StalePending(f.ctx, time.Hour)
	require.NoError(t, err)
	assert.Len(t, stale, 2)
}

func TestListTransactionsFilters(t *testing.T) {
	f := approvalFixture(t)
	f.account("sales", AccountTypeRevenue)
	f.submit("s-1", debit("cash", "10"), credit("sales", "10"))
	f.submit("s-2", debit("cash", "20"), credit("sales", "20"))
	f.submit("pay-1", debit("payroll", "5"), credit("cash", "5"))

	posted, err := f.svc.ListTransactions(f.ctx, TransactionFilter{Status: StatusPosted})
	require.NoError(t, err)
	assert.Len(t, posted, 2)

	pending, err := f.svc.ListTransactions(f.ctx, TransactionFilter{Status: StatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "pay-1", pending[0].ID)

	touchingSales, err := f.svc.ListTransactions(f.ctx, TransactionFilter{AccountID: "sales"})
	require.NoError(t, err)
	assert.Len(t, touchingSales, 2)

	all, err := f.svc.ListTransactions(f.ctx, TransactionFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestAuditTrail(t *testing.T) {
	f := newFixture(t)
	f.account("cash", AccountTypeAsset)
	f.account("sales", AccountTypeRevenue)
	f.submit("t1", debit("cash", "1"), credit("sales", "1"))

	entries, err := f.audit.List(f.ctx, "transaction", "t1")
	require.NoError(t, err)
	actions := make([]string, 0, len(entries))
	for _, e := range entries {
		actions = append(actions, e.Action)
		assert.Equal(t, "clerk", e.ActorID)
	}
	assert.Equal(t, []string{"transaction.draft", "transaction.post"}, actions)
}
