package common

const (
	InvoiceStatusNew        = "new"
	InvoiceStatusProcessing = "processing"
	InvoiceStatusSettled    = "settled"
	InvoiceStatusExpired    = "expired"
	InvoiceStatusInvalid    = "invalid"

	ProofStateUnspent = "UNSPENT"
	ProofStatePending = "PENDING"
	ProofStateSpent   = "SPENT"

	QuoteStateUnpaid = "UNPAID"
	QuoteStatePaid   = "PAID"
	QuoteStateIssued = "ISSUED"

	WebhookEventInvoiceCreated         = "InvoiceCreated"
	WebhookEventInvoiceReceivedPayment = "InvoiceReceivedPayment"
	WebhookEventInvoiceSettled         = "InvoiceSettled"
	WebhookEventInvoiceExpired         = "InvoiceExpired"

	TriggerExternal = "external"
	TriggerInternal = "internal"

	TaskMarkExpired            = "mark_expired"
	TaskPollPendingQuotes      = "poll_pending_quotes"
	TaskAutoMelt               = "auto_melt"
	TaskPendingProofCleanup    = "pending_proof_cleanup"
	TaskOrphanRecovery         = "orphan_recovery"
	TaskExpireOldInvoices      = "expire_old_invoices"
	TaskDeleteOldInvoices      = "delete_old_invoices"
	TaskPruneWebhookDeliveries = "prune_webhook_deliveries"

	TaskResultSuccess = "success"
	TaskResultSkipped = "skipped"
)
